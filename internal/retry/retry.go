// Package retry runs an operation with exponential backoff and jitter.
// Callers decide which failures are worth another attempt, either by wrapping
// final errors with Permanent or by passing a classifier to DoIf.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times. It stops on success, on a
// *PermanentError (returning the wrapped error) or when ctx is done.
// baseDelay doubles after each failed attempt with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return DoIf(ctx, maxAttempts, baseDelay, func(error) bool { return true }, fn)
}

// DoIf is Do with a classifier: errors for which retryable returns false
// are returned immediately.
func DoIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if !retryable(err) || attempt == maxAttempts-1 {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(delay)):
		}
		delay *= 2
	}

	return err
}

// Backoff returns d with +-25% jitter applied.
func Backoff(d time.Duration) time.Duration {
	jitter := d / 4
	return d - jitter + time.Duration(randInt64n(int64(2*jitter+1)))
}

// randInt64n returns a random int64 in [0, n) using crypto/rand.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n>0
}
