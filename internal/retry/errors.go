package retry

import (
	"errors"
	"fmt"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker rejects an operation
// before any attempt is made. Callers can distinguish it from application
// failures with errors.Is.
var ErrCircuitOpen = errors.New("circuit breaker open")

// NoRetry marks an error as non-retryable regardless of classification.
//
// Operations can wrap validation errors or other permanent failures with
// NoRetry so the manager won't waste budget retrying.
//
// Example:
//
//	return retry.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// WithHTTPCode attaches an HTTP status code to an error so the classifier
// can use the code sets instead of falling back to message regexes.
func WithHTTPCode(err error, code int) error {
	if err == nil {
		return nil
	}
	return httpCodeError{err: err, code: code}
}

// HTTPCode extracts an attached HTTP status code, if any.
func HTTPCode(err error) (int, bool) {
	var e httpCodeError
	if errors.As(err, &e) {
		return e.code, true
	}
	return 0, false
}

type httpCodeError struct {
	err  error
	code int
}

func (e httpCodeError) Error() string { return fmt.Sprintf("http %d: %v", e.code, e.err) }
func (e httpCodeError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before the next attempt.
//
// Useful when the backend returns a Retry-After value (e.g. HTTP 429).
// The manager respects the hint, bounded by the remaining total-timeout
// budget, and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
