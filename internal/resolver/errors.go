package resolver

import "fmt"

// ResolutionFailure names the instance, or the connection, that has no
// acceptable implementation.
type ResolutionFailure struct {
	Instance   string
	Connection string
	Reason     string
}

func (e *ResolutionFailure) Error() string {
	switch {
	case e.Connection != "":
		return fmt.Sprintf("resolve: connection %q cannot be satisfied: %s", e.Connection, e.Reason)
	case e.Instance != "":
		return fmt.Sprintf("resolve: instance %q: %s", e.Instance, e.Reason)
	}
	return "resolve: " + e.Reason
}
