package backoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bookingcoord/internal/models"
)

// ErrExhausted is matched by errors returned after the last allowed attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Policy configures Execute.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single wait; zero leaves the series uncapped.
	MaxDelay time.Duration
	// AttemptTimeout bounds each call to op; zero means the caller's context only.
	AttemptTimeout time.Duration
	// OnRetry is called before each wait with the upcoming attempt number.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", models.ErrValidation, p.MaxAttempts)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 || p.AttemptTimeout < 0 {
		return fmt.Errorf("%w: retry delays must not be negative", models.ErrValidation)
	}
	return nil
}

// Delay returns the wait before attempt k: zero for k=1, BaseDelay*2^(k-2) after.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.BaseDelay <= 0 {
		return 0
	}
	return Schedule{Initial: p.BaseDelay, Max: p.MaxDelay, Factor: 2}.Next(attempt - 1)
}

// TotalDelay is the cumulative wait spent before attempt k starts.
func (p Policy) TotalDelay(attempt int) time.Duration {
	var total time.Duration
	for k := 2; k <= attempt; k++ {
		total += p.Delay(k)
	}
	return total
}

// ExhaustedError carries the last failure after all attempts were used.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err stops the retry loop.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, models.ErrValidation)
}

// Execute calls op until it succeeds, fails permanently, exhausts
// p.MaxAttempts or ctx is done. On exhaustion the returned error wraps the
// last failure and ErrExhausted.
func Execute[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}

	var last error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, last)
			}
			if !Wait(ctx, delay) {
				return zero, errors.Join(ctx.Err(), last)
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(err, last)
		}

		v, err := callAttempt(ctx, p.AttemptTimeout, op)
		if err == nil {
			return v, nil
		}
		if IsPermanent(err) {
			var perm *permanentError
			if errors.As(err, &perm) {
				return zero, perm.err
			}
			return zero, err
		}
		last = err
	}

	return zero, &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}

// Run is Execute for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Execute(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

func callAttempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}
