package backends

import (
	"context"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
)

// Func adapts a plain function to ports.Dispatcher, for in-process models
// and tests.
type Func func(ctx context.Context, req entities.Request) (entities.Completion, error)

func (f Func) Dispatch(ctx context.Context, req entities.Request) (entities.Completion, error) {
	return f(ctx, req)
}
