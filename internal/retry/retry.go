// Package retry provides a shared retry policy with exponential backoff and
// jitter. Every external call site (gateway, chain, rate sources) consumes
// the same Policy so backoff behavior is uniform and testable in isolation.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// Policy describes a bounded retry schedule: up to MaxAttempts calls with
// BaseDelay doubling after each failure (+-25% jitter).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultPolicy is the schedule used for external rail calls:
// 3 attempts at 1s, 2s backoff.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Second}

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it. Business rejections
// (gateway declines, chain reverts) are permanent; only transient failures
// are worth retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// OnRetry observes each failed transient attempt (1-based), before any
// backoff sleep. Callers use it to persist retry bookkeeping.
type OnRetry func(attempt int, err error)

// Do calls fn according to the policy. It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
func (p Policy) Do(ctx context.Context, fn func() error) error {
	return p.DoNotify(ctx, fn, nil)
}

// DoNotify is Do with a per-failed-attempt callback.
func (p Policy) DoNotify(ctx context.Context, fn func() error, notify OnRetry) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := p.BaseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if notify != nil {
			notify(attempt+1, err)
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		// Exponential backoff with +-25% jitter.
		jitter := delay / 4
		sleep := delay - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
	}

	return err
}
