// Package collocation decides how the members of a scaled instance are
// spread over execution containers.
package collocation

import (
	"fmt"
	"strconv"
	"strings"
)

// Policy bounds collocation (members per container) and the number of
// containers used. Zero maxima mean unbounded.
type Policy struct {
	MinCollocation uint
	MaxCollocation uint
	MinContainers  uint
	MaxContainers  uint
}

// Default is the policy used when an assembly sets no bounds.
func Default() Policy {
	return Policy{MinCollocation: 1, MinContainers: 1}
}

// Result is the outcome of Apply.
type Result struct {
	Collocation    uint
	ContainersUsed uint
	EffectiveScale uint
}

// PolicyViolation reports bounds that cannot be met.
type PolicyViolation struct {
	Scale          uint
	Containers     uint
	Collocation    uint
	MaxCollocation uint
	Reason         string
}

func (e *PolicyViolation) Error() string {
	if e.Reason != "" {
		return "collocation policy: " + e.Reason
	}
	return fmt.Sprintf("collocation policy: scaled deployment needs collocation of %d, but max allowed is %d",
		e.Collocation, e.MaxCollocation)
}

// Apply spreads scale members over at most containers containers. It starts
// as wide as allowed, concentrates when that leaves fewer than
// MinCollocation members per container, and widens again up to
// MinContainers if concentrating went too far.
func (p Policy) Apply(scale, containers uint) (Result, error) {
	if scale == 0 {
		return Result{}, &PolicyViolation{Scale: scale, Containers: containers, Reason: "scale must be at least 1"}
	}
	if containers == 0 {
		return Result{}, &PolicyViolation{Scale: scale, Containers: containers, Reason: "no containers available"}
	}

	used := containers
	if p.MaxContainers != 0 && p.MaxContainers < containers {
		used = p.MaxContainers
	}
	collocation := ceilDiv(scale, used)
	if collocation < p.MinCollocation {
		used = ceilDiv(scale, p.MinCollocation)
		collocation = p.MinCollocation
		if used < p.MinContainers {
			used = min(p.MinContainers, containers)
			collocation = ceilDiv(scale, used)
		}
	}
	if p.MaxCollocation != 0 && collocation > p.MaxCollocation {
		return Result{}, &PolicyViolation{
			Scale:          scale,
			Containers:     containers,
			Collocation:    collocation,
			MaxCollocation: p.MaxCollocation,
		}
	}
	return Result{Collocation: collocation, ContainersUsed: used, EffectiveScale: scale}, nil
}

// Container returns the container index of member n of a scaled instance.
func (r Result) Container(n uint) uint {
	if r.Collocation == 0 {
		return 0
	}
	return n / r.Collocation
}

// Attribute names read by ParseAttrs.
const (
	AttrMinCollocation = "minCollocation"
	AttrMaxCollocation = "maxCollocation"
	AttrMinContainers  = "minContainers"
	AttrMaxContainers  = "maxContainers"
)

// Attrs lists the attribute names ParseAttrs understands.
func Attrs() []string {
	return []string{AttrMinCollocation, AttrMaxCollocation, AttrMinContainers, AttrMaxContainers}
}

// ParseAttrs reads the four bounds through lookup, starting from base.
// It reports whether any of them was present.
func ParseAttrs(base Policy, lookup func(name string) (string, bool)) (Policy, bool, error) {
	out := base
	found := false
	fields := []struct {
		name string
		dst  *uint
	}{
		{AttrMinCollocation, &out.MinCollocation},
		{AttrMaxCollocation, &out.MaxCollocation},
		{AttrMinContainers, &out.MinContainers},
		{AttrMaxContainers, &out.MaxContainers},
	}
	for _, f := range fields {
		raw, ok := lookup(f.name)
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, 32)
		if err != nil {
			return base, false, fmt.Errorf("%s: %q is not an unsigned number", f.name, raw)
		}
		*f.dst = uint(v)
		found = true
	}
	if out.MaxCollocation != 0 && out.MinCollocation > out.MaxCollocation {
		return base, false, fmt.Errorf("%s %d exceeds %s %d", AttrMinCollocation, out.MinCollocation, AttrMaxCollocation, out.MaxCollocation)
	}
	if out.MaxContainers != 0 && out.MinContainers > out.MaxContainers {
		return base, false, fmt.Errorf("%s %d exceeds %s %d", AttrMinContainers, out.MinContainers, AttrMaxContainers, out.MaxContainers)
	}
	return out, found, nil
}

func ceilDiv(a, b uint) uint {
	return (a + b - 1) / b
}
