package circuit

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency is the number of operations a batch runs at once.
const DefaultBatchConcurrency = 3

// BatchOption configures Batch.
type BatchOption func(*batchConfig)

type batchConfig struct {
	concurrency int
	logger      *slog.Logger
	onResult    func(index int, err error)
}

// WithConcurrency caps the number of operations running at once.
func WithConcurrency(n int) BatchOption {
	return func(b *batchConfig) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithBatchLogger sets the logger.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *batchConfig) {
		b.logger = logger
	}
}

// WithResultCallback calls fn as each item finishes. fn runs on the
// item's goroutine.
func WithResultCallback(fn func(index int, err error)) BatchOption {
	return func(b *batchConfig) {
		b.onResult = fn
	}
}

// Batch runs fn for every input on ex, at most WithConcurrency at a time,
// and returns the results in input order. One failure does not stop the
// others; items that never started because ctx was cancelled carry the
// context error.
func Batch[I, O any](
	ctx context.Context,
	ex Executor,
	inputs []I,
	fn func(ctx context.Context, ep *Endpoint, in I) (O, error),
	opts ...BatchOption,
) []Result[O] {
	cfg := batchConfig{concurrency: DefaultBatchConcurrency}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	cfg.logger.Debug("starting batch", "items", len(inputs), "concurrency", cfg.concurrency)
	start := time.Now()

	results := make([]Result[O], len(inputs))
	var g errgroup.Group
	g.SetLimit(cfg.concurrency)

	for i, in := range inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = Result[O]{Err: err}
			} else {
				v, err := Do(ctx, ex, func(ctx context.Context, ep *Endpoint) (O, error) {
					return fn(ctx, ep, in)
				})
				results[i] = Result[O]{Value: v, Err: err}
				if err != nil {
					cfg.logger.Warn("batch item failed", "index", i, "error", err)
				}
			}
			if cfg.onResult != nil {
				cfg.onResult(i, results[i].Err)
			}
			// Failures are reported per item, never to the group.
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // goroutines never return errors

	cfg.logger.Debug("batch complete", "items", len(inputs), "elapsed", time.Since(start))
	return results
}
