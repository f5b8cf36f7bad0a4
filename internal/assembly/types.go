package assembly

import (
	"strings"
	"time"

	"github.com/bayleafwalker/bindery-core/internal/collocation"
)

type (
	InstanceID int
	PortID     int
)

const (
	NoInstance InstanceID = -1
	NoPort     PortID     = -1
)

// Assembly is a parsed application description. Instances, ports and
// connections refer to each other by index into the slices below.
type Assembly struct {
	Name    string
	Package string
	// Done names the instance whose completion ends the application.
	Done             InstanceID
	Collocation      collocation.Policy
	Mapping          Mapping
	Instances        []Instance
	Ports            []Port
	Connections      []Connection
	MappedProperties []MappedProperty
}

// Instance is one component instance.
type Instance struct {
	ID         InstanceID
	Name       string
	SpecName   string
	WorkerName string
	Selection  string
	Model      string
	Platform   string
	// Container is the explicit container index, or nil.
	Container  *uint
	Externals  bool
	Transport  string
	Index      uint
	Properties []Property
	Ports      []PortID
	Slaves     []InstanceID
	Master     InstanceID
	// Collocation is the per-instance override, or nil.
	Collocation *collocation.Policy
}

// Base returns the name unnamed instances of this component are derived
// from.
func (i *Instance) Base() string {
	return baseName(i.SpecName, i.WorkerName)
}

// Property returns the undelayed property with the given name.
func (i *Instance) Property(name string) (*Property, bool) {
	for n := range i.Properties {
		p := &i.Properties[n]
		if !p.HasDelay && strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return nil, false
}

// Role is what a port does on its connection.
type Role struct {
	Provider      bool
	Bidirectional bool
	Known         bool
}

// Complements reports whether two port roles may share a connection.
// Unknown roles are compatible with anything.
func (r Role) Complements(o Role) bool {
	if !r.Known || !o.Known || r.Bidirectional || o.Bidirectional {
		return true
	}
	return r.Provider != o.Provider
}

func (r Role) String() string {
	switch {
	case !r.Known:
		return "unknown"
	case r.Bidirectional:
		return "bidirectional"
	case r.Provider:
		return "provider"
	default:
		return "user"
	}
}

// Port is one end of a connection at an instance. An empty Name is
// resolved against the implementation by role.
type Port struct {
	ID         PortID
	Name       string
	Instance   InstanceID
	Role       Role
	Connected  PortID
	Index      uint
	Connection int
}

// Connection joins up to two instance ports and any number of externals.
type Connection struct {
	Name      string
	Ports     []PortID
	Externals []External
	Count     uint
	Transport string
}

// External is a connection end outside the assembly.
type External struct {
	Name  string
	URL   string
	Role  Role
	Index uint
	Count uint
}

// Property is an instance property assignment.
type Property struct {
	Name      string
	Value     string
	HasValue  bool
	ValueFile string
	DumpFile  string
	Delay     time.Duration
	HasDelay  bool
}

// MappedProperty is an assembly-level property routed to one instance
// property.
type MappedProperty struct {
	Name      string
	Instance  InstanceID
	Property  string
	Value     string
	HasValue  bool
	ValueFile string
	DumpFile  string
}

type MappingKind int

const (
	RoundRobin MappingKind = iota
	MaxProcessors
	MinProcessors
)

func (k MappingKind) String() string {
	switch k {
	case MaxProcessors:
		return "maxprocessors"
	case MinProcessors:
		return "minprocessors"
	default:
		return "roundrobin"
	}
}

// Mapping spreads unscaled instances over containers.
type Mapping struct {
	Kind       MappingKind
	Processors uint
}

// Instance returns the instance with the given name (exact match).
func (a *Assembly) Instance(name string) (*Instance, bool) {
	for n := range a.Instances {
		if a.Instances[n].Name == name {
			return &a.Instances[n], true
		}
	}
	return nil, false
}

// Connection returns the connection with the given name
// (case-insensitive).
func (a *Assembly) Connection(name string) (*Connection, bool) {
	for n := range a.Connections {
		if strings.EqualFold(a.Connections[n].Name, name) {
			return &a.Connections[n], true
		}
	}
	return nil, false
}

// Peer returns the instance port connected to p, if any.
func (a *Assembly) Peer(p PortID) (*Port, bool) {
	c := a.Ports[p].Connected
	if c == NoPort {
		return nil, false
	}
	return &a.Ports[c], true
}

// Degree counts the connections touching an instance.
func (a *Assembly) Degree(id InstanceID) int {
	return len(a.Instances[id].Ports)
}

func baseName(spec, worker string) string {
	if spec != "" {
		return spec[strings.LastIndex(spec, ".")+1:]
	}
	if dot := strings.LastIndex(worker, "."); dot > 0 {
		return worker[:dot]
	}
	return worker
}
