package assembly

import (
	"fmt"
	"strings"
)

// Parameter kinds accepted by ParseParams.
const (
	ParamWorker    = "worker"
	ParamSelection = "selection"
	ParamProperty  = "property"
	ParamTransport = "transport"
)

// Assignment is a "<lhs>=<value>" parameter. An empty LHS is a wildcard.
type Assignment struct {
	LHS   string
	Value string
}

func (a Assignment) String() string { return a.LHS + "=" + a.Value }

// ParseAssignment splits s at its first "=".
func ParseAssignment(s string) (Assignment, error) {
	lhs, value, ok := strings.Cut(s, "=")
	if !ok {
		return Assignment{}, fmt.Errorf("assignment %q is invalid: format is [<instance>]=<value>", s)
	}
	return Assignment{LHS: lhs, Value: value}, nil
}

// Params are caller overrides applied while parsing. Each list keeps
// command-line order.
type Params struct {
	// Workers holds "<instance>=<worker>".
	Workers []Assignment
	// Selections holds "<instance>=<expression>".
	Selections []Assignment
	// Properties holds "<instance>=<property>=<value>",
	// "=<property>=<value>" for every instance and "<mapped>=<value>".
	Properties []Assignment
	// Transports holds "<instance>=<transport>".
	Transports []Assignment
}

// IsZero reports whether no override is set.
func (p Params) IsZero() bool {
	return len(p.Workers)+len(p.Selections)+len(p.Properties)+len(p.Transports) == 0
}

// ParseParams reads "<kind>=<lhs>=<value>" strings.
func ParseParams(args []string) (Params, error) {
	var p Params
	for _, arg := range args {
		kind, rest, ok := strings.Cut(arg, "=")
		if !ok {
			return Params{}, paramError("", arg, "format is <kind>=[<instance>]=<value>")
		}
		if err := p.Add(kind, rest); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}

// Add appends the assignment s to the list for kind.
func (p *Params) Add(kind, s string) error {
	a, err := ParseAssignment(s)
	if err != nil {
		return paramError(kind, s, "format is [<instance>]=<value>")
	}
	switch strings.ToLower(kind) {
	case ParamWorker:
		p.Workers = append(p.Workers, a)
	case ParamSelection:
		p.Selections = append(p.Selections, a)
	case ParamProperty:
		p.Properties = append(p.Properties, a)
	case ParamTransport:
		p.Transports = append(p.Transports, a)
	default:
		return paramError(kind, s, fmt.Sprintf("unknown parameter kind %q", kind))
	}
	return nil
}

// find returns the last value assigned to instance name.
func find(list []Assignment, name string) (string, bool) {
	value, found := "", false
	for _, a := range list {
		if strings.EqualFold(a.LHS, name) {
			value, found = a.Value, true
		}
	}
	return value, found
}

// checkInstanceParams verifies that every non-wildcard assignment names an
// instance (or, when mapped is set, a mapped property).
func (a *Assembly) checkInstanceParams(kind string, list []Assignment, single, mapped bool) error {
	seen := map[InstanceID]bool{}
	for _, as := range list {
		if as.Value == "" {
			return paramError(kind, as.String(), "empty values are not allowed")
		}
		if as.LHS == "" {
			continue
		}
		if id, ok := a.instanceFold(as.LHS); ok {
			if single && seen[id] {
				return paramError(kind, as.String(), "reassignment of that instance")
			}
			seen[id] = true
			continue
		}
		if mapped && a.mappedProperty(as.LHS) != nil {
			continue
		}
		return paramError(kind, as.String(), "no instance named "+as.LHS)
	}
	return nil
}

func (a *Assembly) instanceFold(name string) (InstanceID, bool) {
	for n := range a.Instances {
		if strings.EqualFold(a.Instances[n].Name, name) {
			return InstanceID(n), true
		}
	}
	return NoInstance, false
}

func (a *Assembly) mappedProperty(name string) *MappedProperty {
	for n := range a.MappedProperties {
		if strings.EqualFold(a.MappedProperties[n].Name, name) {
			return &a.MappedProperties[n]
		}
	}
	return nil
}
