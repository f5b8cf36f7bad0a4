package library

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/labels"
)

// Selection is a compiled selection expression. The syntax is the label
// selector grammar: "precision=high", "mode in (a,b)", "!debug", joined with
// commas.
//
// An expression is evaluated against the candidate's property values laid
// over the instance's declared property values, plus the pseudo-properties
// "worker", "model" and "spec".
type Selection struct {
	expr     string
	selector labels.Selector
	declared labels.Set
}

// CompileSelection parses expr. An empty expression yields a nil Selection.
func CompileSelection(expr string, declared map[string]string) (*Selection, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	sel, err := labels.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("selection %q: %w", expr, err)
	}
	set := labels.Set{}
	for k, v := range declared {
		set[k] = v
	}
	return &Selection{expr: expr, selector: sel, declared: set}, nil
}

func (s *Selection) String() string {
	if s == nil {
		return ""
	}
	return s.expr
}

// Matches reports whether the expression holds for impl. A nil Selection
// never matches.
func (s *Selection) Matches(impl *Implementation) bool {
	if s == nil {
		return false
	}
	set := make(labels.Set, len(s.declared)+len(impl.Properties)+3)
	for k, v := range s.declared {
		set[k] = v
	}
	for _, p := range impl.Properties {
		if p.HasValue {
			set[p.Name] = p.Value
		}
	}
	set["worker"] = impl.WorkerName
	set["model"] = impl.Model
	set["spec"] = impl.SpecName
	return s.selector.Matches(set)
}
