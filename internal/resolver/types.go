package resolver

import (
	"github.com/bayleafwalker/bindery-core/internal/assembly"
	"github.com/bayleafwalker/bindery-core/internal/capability"
	"github.com/bayleafwalker/bindery-core/internal/library"
)

// Input is the view of the world the resolver operates on.
type Input struct {
	Assembly *assembly.Assembly
	Catalog  *library.Catalog
	// Profile describes the target. Instance model and platform attributes
	// narrow it per instance.
	Profile capability.Profile
	// Scale is the number of members of every instance. 0 and 1 mean
	// unscaled.
	Scale uint
	// Containers is the number of execution containers available. 0 means
	// the assembly policy's processor count, or one container.
	Containers uint
}

// Plan is the output of the resolver: one binding per instance, in
// instance order.
type Plan struct {
	Bindings    []Binding
	Diagnostics Diagnostics
}

// Binding is the implementation chosen for an instance.
type Binding struct {
	Instance assembly.InstanceID
	Name     string
	// Implementation is a copy, independent of the catalog snapshot.
	Implementation library.Implementation
	Artifact       string
	Score          uint
	// Properties are the final values after override precedence.
	Properties []assembly.Property
	// Ports maps every connected assembly port to an implementation port.
	Ports []PortBinding
	// Externalized lists free implementation ports exposed because the
	// instance sets externals.
	Externalized []string
	// Containers holds the container index of every member.
	Containers []uint
}

type PortBinding struct {
	Port      assembly.PortID
	Name      string
	Ordinal   int
	Connected string
}

// Candidate is one acceptable implementation during a single resolution
// pass.
type Candidate struct {
	Impl  library.ImplementationID
	Score uint
	// ports is parallel to the instance's Ports.
	ports []int
}

// Diagnostics captures human-readable information about resolution.
type Diagnostics struct {
	Rejected []Rejection
	// Steps counts the assignments visited by the joint search.
	Steps int
	// Truncated is set when the step budget ran out and the best plan
	// found so far was kept.
	Truncated bool
}

type Rejection struct {
	Instance string
	Worker   string
	Artifact string
	Reason   string
}
