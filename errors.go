package httpclient

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error type codes carried by ClientError.Type.
const (
	ErrorTypeNetwork     = "Network"
	ErrorTypeTimeout     = "Timeout"
	ErrorTypeServer      = "Server"
	ErrorTypeClient      = "Client"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeRateLimit   = "RateLimit"
	ErrorTypeValidation  = "Validation"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	// without attempting execution.
	ErrCircuitOpen = errors.New("httpclient: circuit open")

	// ErrRateLimited is returned when a request is denied by the rate limiter.
	ErrRateLimited = errors.New("httpclient: rate limited")

	// ErrRetriesExhausted is the sentinel matched by errors.Is for a
	// RetryExhaustedError.
	ErrRetriesExhausted = errors.New("httpclient: retries exhausted")
)

// ClientError is a structured error describing a failed request. Type is
// the machine-readable code; Status is set for HTTP status failures.
type ClientError struct {
	Type       string
	Message    string
	Status     int
	Cause      error
	Method     string
	URL        string
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Duration   time.Duration
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error type codes for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// RetryExhaustedError reports that every eligible retry attempt failed.
// Attempts holds the error from each attempt in order; the rejection of an
// open circuit breaker is surfaced in this same shape so callers have one
// failure to branch on for "I could not get you data".
type RetryExhaustedError struct {
	Attempts []error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if len(e.Attempts) == 0 {
		return "httpclient: retries exhausted"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "httpclient: all %d attempts failed", len(e.Attempts))
	fmt.Fprintf(&b, ": %v", e.Attempts[len(e.Attempts)-1])
	return b.String()
}

// Unwrap returns the error from the final attempt.
func (e *RetryExhaustedError) Unwrap() error {
	if e == nil || len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

// Is matches ErrRetriesExhausted.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// IsTransient reports whether err represents a failure that might succeed
// on retry: network errors, timeouts, 5xx responses, rate limiting and
// circuit rejections. 4xx client errors other than 429 are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRetriesExhausted) {
		return true
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimit, ErrorTypeCircuitOpen:
			return true
		case ErrorTypeClient:
			return clientErr.Status == 429
		default:
			return false
		}
	}

	return false
}
