// Package capability describes execution targets and decides whether an
// artifact built for one target can run on another.
package capability

import (
	"strconv"
	"strings"

	"github.com/bayleafwalker/bindery-core/internal/semver"
)

// Profile describes an execution environment. The zero value of every field
// means "unspecified" and matches anything.
type Profile struct {
	Model          string
	OS             string
	OSVersion      string
	Platform       string
	Architecture   string
	Runtime        string
	RuntimeVersion string
	Dynamic        *bool
}

// Bool returns a pointer to b, for filling Profile.Dynamic.
func Bool(b bool) *bool {
	return &b
}

// Compatible reports whether an artifact built for have can serve a query
// for want. Fields are compared independently; a field unset on either side
// matches. Version fields on the query side may carry semver constraints.
func Compatible(want, have Profile) bool {
	if !matchString(want.Model, have.Model) ||
		!matchString(want.OS, have.OS) ||
		!matchString(want.Platform, have.Platform) ||
		!matchString(want.Architecture, have.Architecture) ||
		!matchString(want.Runtime, have.Runtime) {
		return false
	}
	if !semver.MatchField(want.OSVersion, have.OSVersion) ||
		!semver.MatchField(want.RuntimeVersion, have.RuntimeVersion) {
		return false
	}
	if want.Dynamic != nil && have.Dynamic != nil && *want.Dynamic != *have.Dynamic {
		return false
	}
	return true
}

func matchString(want, have string) bool {
	return want == "" || have == "" || want == have
}

// Merge returns base with every field that is set in override replaced.
func Merge(base, override Profile) Profile {
	out := base
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.Model, override.Model)
	set(&out.OS, override.OS)
	set(&out.OSVersion, override.OSVersion)
	set(&out.Platform, override.Platform)
	set(&out.Architecture, override.Architecture)
	set(&out.Runtime, override.Runtime)
	set(&out.RuntimeVersion, override.RuntimeVersion)
	if override.Dynamic != nil {
		d := *override.Dynamic
		out.Dynamic = &d
	}
	return out
}

// IsZero reports whether no field is set.
func (p Profile) IsZero() bool {
	return p.Model == "" && p.OS == "" && p.OSVersion == "" && p.Platform == "" &&
		p.Architecture == "" && p.Runtime == "" && p.RuntimeVersion == "" && p.Dynamic == nil
}

func (p Profile) String() string {
	if p.IsZero() {
		return "*"
	}
	var parts []string
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	add("model", p.Model)
	add("os", p.OS)
	add("osVersion", p.OSVersion)
	add("platform", p.Platform)
	add("arch", p.Architecture)
	add("runtime", p.Runtime)
	add("runtimeVersion", p.RuntimeVersion)
	if p.Dynamic != nil {
		add("dynamic", strconv.FormatBool(*p.Dynamic))
	}
	return strings.Join(parts, " ")
}
