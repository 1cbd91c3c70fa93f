package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/nao1215/torpool/internal/fault"
)

// Default policy values.
const (
	// DefaultMaxAttempts is the number of times an operation is invoked
	// before giving up.
	DefaultMaxAttempts = 3

	// jitterLow and jitterHigh bound the multiplicative jitter applied to
	// exponential delays.
	jitterLow  = 0.7
	jitterHigh = 1.3
)

// Func is a fallible unit of work.
type Func func(ctx context.Context) error

// Policy describes bounded retries with optional exponential backoff.
//
// The same Policy serves callers running inline and callers running in their
// own goroutines: the decision logic lives in one place and only the caller's
// scheduling differs.
type Policy struct {
	// MaxAttempts is the maximum number of invocations. Values below 1 are
	// treated as 1.
	MaxAttempts int

	// BaseDelay is the sleep between attempts. Zero disables sleeping.
	BaseDelay time.Duration

	// Exponential scales the delay by 2^attempt and a random factor in
	// [0.7, 1.3).
	Exponential bool

	// NonRetryable lists kinds that fail immediately.
	NonRetryable []fault.Kind

	// Logger receives a debug line per failed attempt. Defaults to slog.Default().
	Logger *slog.Logger

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// Wrap returns op guarded by the policy.
func (p Policy) Wrap(op Func) Func {
	return func(ctx context.Context) error {
		return p.run(ctx, op)
	}
}

// Do runs op under policy p and returns its value.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.run(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Delay returns the sleep before the retry following attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if !p.Exponential {
		return p.BaseDelay
	}
	jitter := p.jitter
	if jitter == nil {
		jitter = defaultJitter
	}
	factor := float64(uint64(1)<<min(attempt, 30)) * jitter()
	return time.Duration(float64(p.BaseDelay) * factor)
}

func (p Policy) run(ctx context.Context, op Func) error {
	attempts := max(p.MaxAttempts, 1)
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := range attempts {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if p.isNonRetryable(err) || attempt == attempts-1 {
			return finalize(err)
		}

		delay := p.Delay(attempt)
		logger.Debug("retrying operation",
			"attempt", attempt+1,
			"maxAttempts", attempts,
			"delay", delay,
			"error", err,
		)
		if serr := sleep(ctx, delay); serr != nil {
			return finalize(errors.Join(err, serr))
		}
	}
	// unreachable: the loop always returns on its last iteration
	return nil
}

func (p Policy) isNonRetryable(err error) bool {
	kind, ok := fault.KindOf(err)
	if !ok {
		return false
	}
	return slices.Contains(p.NonRetryable, kind)
}

// finalize leaves domain errors untouched and wraps everything else as a
// caller operation failure.
func finalize(err error) error {
	if fault.IsDomain(err) {
		return err
	}
	return fault.Wrap(fault.KindCallerOperationFailed, "operation failed", err)
}

func defaultJitter() float64 {
	return jitterLow + rand.Float64()*(jitterHigh-jitterLow) //nolint:gosec // jitter, not security
}

// sleepContext sleeps for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
