// Package retry runs an operation with a per-attempt timeout and bounded
// exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legacymigrate/internal/config"
)

// Policy bounds retries of a single query or batch transaction.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Timeout bounds each attempt independently. Zero disables the bound.
	Timeout time.Duration

	Initial time.Duration
	Max     time.Duration
}

// FromConfig derives the run policy from the runtime configuration.
func FromConfig(rc config.RuntimeConfig) Policy {
	return Policy{
		MaxRetries: rc.MaxRetries,
		Timeout:    rc.Timeout(),
		Initial:    time.Duration(rc.BackoffInitialMS) * time.Millisecond,
		Max:        time.Duration(rc.BackoffMaxMS) * time.Millisecond,
	}
}

// Backoff returns the wait before retry number attempt (1-based): Initial doubled
// per attempt, capped at Max.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.Initial <= 0 {
		return 0
	}
	d := p.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it (unwrapped) at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns a Permanent error, the parent context
// ends, or MaxRetries retries are used up.
//
// Each attempt receives its own context bounded by p.Timeout, so a slow attempt
// times out without cancelling the run.
//
// Errors:
//   - the Permanent error's cause, unwrapped
//   - ctx.Err() when the parent context ends while waiting
//   - *ExhaustedError wrapping the last attempt's error
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := 0
	for {
		attempts++
		err := attempt(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempts > p.MaxRetries {
			return &ExhaustedError{Attempts: attempts, Err: err}
		}

		t := time.NewTimer(p.Backoff(attempts))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func attempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}
