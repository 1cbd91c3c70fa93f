package circuit

import (
	"context"

	"github.com/nao1215/torpool/internal/retry"
)

// Executor runs operations through a proxy endpoint. Circuit and Pool are
// Executors; Retrying wraps one.
type Executor interface {
	Execute(ctx context.Context, op Operation) error
}

// Result is the outcome of a typed operation.
type Result[T any] struct {
	Value T
	Err   error
}

// Do runs fn on ex and returns its value.
func Do[T any](ctx context.Context, ex Executor, fn func(ctx context.Context, ep *Endpoint) (T, error)) (T, error) {
	var value T
	err := ex.Execute(ctx, func(ctx context.Context, ep *Endpoint) error {
		v, err := fn(ctx, ep)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	return value, err
}

// Go runs fn on ex in a new goroutine. The returned channel yields exactly
// one Result and is then closed.
func Go[T any](ctx context.Context, ex Executor, fn func(ctx context.Context, ep *Endpoint) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		defer close(ch)
		v, err := Do(ctx, ex, fn)
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}

// Retrying runs every operation on an Executor under a retry policy.
type Retrying struct {
	Executor Executor
	Policy   retry.Policy
}

// WithRetry wraps ex so each Execute is retried according to p.
func WithRetry(ex Executor, p retry.Policy) *Retrying {
	return &Retrying{Executor: ex, Policy: p}
}

// Execute implements Executor. Against a Pool, each attempt goes to the
// next circuit.
func (r *Retrying) Execute(ctx context.Context, op Operation) error {
	return r.Policy.Wrap(func(ctx context.Context) error {
		return r.Executor.Execute(ctx, op)
	})(ctx)
}
