// Package retry provides retry loops for outbound calls: Run with a
// deterministic exponential schedule and an error classifier, and Do with
// jittered backoff for fire-and-forget deliveries.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do and Run will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Decision is the classifier's verdict on a failed attempt.
type Decision int

const (
	Stop Decision = iota
	Retry
)

// Policy controls Run.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles each time.
	BaseDelay time.Duration
	// Classify decides whether an error is worth another attempt.
	// A nil Classify retries everything except permanent errors.
	Classify func(error) Decision
}

// Delay returns the wait before the given retry (1-based):
// BaseDelay * 2^(retry-1).
func (p Policy) Delay(retry int) time.Duration {
	if retry < 1 || p.BaseDelay <= 0 {
		return 0
	}
	shift := retry - 1
	if shift > 30 {
		shift = 30
	}
	return p.BaseDelay << uint(shift)
}

// ExhaustedError is returned by Run when every allowed attempt failed with
// a retryable error. Err is the last attempt's error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Run calls fn until it succeeds, the classifier says Stop, ctx is done, or
// MaxRetries+1 attempts have been made. Non-retryable errors are returned as
// they are; exhaustion is reported as *ExhaustedError.
//
// The wait before retry n is BaseDelay * 2^(n-1).
func Run(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	attempts := p.MaxRetries + 1

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !shouldRetry(p, err) {
			var pe *PermanentError
			if errors.As(err, &pe) {
				return pe.Err
			}
			return err
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry: interrupted after %d attempts: %w", attempt, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: attempts, Err: err}
}

func shouldRetry(p Policy, err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if p.Classify == nil {
		return true
	}
	return p.Classify(err) == Retry
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
//
// baseDelay is doubled on each retry with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
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

		if attempt == maxAttempts-1 {
			break
		}

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
