package assembly

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/validation/field"
)

// ParseError reports an invalid assembly document or parameter. Err carries
// the element path, for example assembly.instance[1].worker.
type ParseError struct {
	Err  *field.Error
	Line int
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("assembly: line %d: %s", e.Line, e.Err.Error())
	}
	return "assembly: " + e.Err.Error()
}

func (e *ParseError) Unwrap() error { return e.Err }

func parseErrorAt(n *Node, err *field.Error) *ParseError {
	pe := &ParseError{Err: err}
	if n != nil {
		pe.Line = n.Line
	}
	return pe
}

// paramError reports a malformed or dangling parameter assignment.
func paramError(kind, assignment, detail string) *ParseError {
	return &ParseError{Err: field.Invalid(field.NewPath("params").Child(kind), assignment, detail)}
}
