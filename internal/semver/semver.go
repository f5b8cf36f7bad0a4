// Package semver matches the version fields of capability profiles. A
// wanted value may be a range such as "^2.0" or ">=4.9 <5"; the artifact's
// value is then read as a semantic version.
package semver

import (
	"strings"
	"sync"

	mm "github.com/Masterminds/semver/v3"
)

// constraints memoizes parsed range expressions. Invalid ones map to nil.
var constraints sync.Map // string -> *mm.Constraints

// IsConstraint reports whether raw reads as a range expression rather than
// a bare version string such as "4.9" or "el7".
func IsConstraint(raw string) bool {
	return strings.ContainsAny(strings.TrimSpace(raw), "<>=~^*|, ") ||
		strings.HasSuffix(raw, ".x") || strings.HasSuffix(raw, ".X")
}

func constraint(raw string) *mm.Constraints {
	if c, ok := constraints.Load(raw); ok {
		return c.(*mm.Constraints)
	}
	c, err := mm.NewConstraint(raw)
	if err != nil {
		c = nil
	}
	constraints.Store(raw, c)
	return c
}

// MatchField compares a wanted version field against the value an artifact
// was built for. Empty on either side matches. When want is a valid range
// and have parses as a version the range decides; everything else falls
// back to exact string equality.
func MatchField(want, have string) bool {
	want = strings.TrimSpace(want)
	have = strings.TrimSpace(have)
	if want == "" || have == "" {
		return true
	}
	if IsConstraint(want) {
		if c := constraint(want); c != nil {
			if v, err := mm.NewVersion(have); err == nil {
				return c.Check(v)
			}
		}
	}
	return want == have
}
