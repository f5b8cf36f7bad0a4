package resolver

import "context"

// Resolver computes a Plan (one implementation binding per instance) for a
// given Input.
type Resolver interface {
	Resolve(ctx context.Context, in Input) (Plan, error)
}
