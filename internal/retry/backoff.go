// Package retry provides capped exponential backoff for re-enqueueing work.
package retry

import (
	"context"
	"errors"
	"time"
)

// MaxDelay caps every computed delay.
const MaxDelay = time.Minute

// ExponentialBackoff returns base * 2^attempt, capped at MaxDelay.
func ExponentialBackoff(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return MaxDelay
	}
	d := base * (1 << attempt)
	if d > MaxDelay || d <= 0 {
		return MaxDelay
	}
	return d
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; Do returns it unwrapped at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, attempts are exhausted or ctx is done, sleeping
// with exponential backoff between calls. It returns the last error from fn.
func Do(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts-1 {
			break
		}
		t := time.NewTimer(ExponentialBackoff(attempt, base))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}
