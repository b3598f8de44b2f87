package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/NextNodeSolutions/http-client/internal/backoff"
)

// DefaultRetryStatusCodes are the HTTP statuses retried when no custom
// retry condition is set.
var DefaultRetryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// maxRetryAfter caps how long a server-supplied Retry-After is honored.
const maxRetryAfter = time.Hour

// AttemptFunc performs one request attempt.
type AttemptFunc func(ctx context.Context) (*http.Response, error)

// RetryConfig tunes a RetryStrategy. Zero values fall back to the
// documented defaults.
type RetryConfig struct {
	MaxRetries int           // retries after the initial attempt (default 3)
	RetryOn    []int         // retryable status codes (default DefaultRetryStatusCodes)
	BaseDelay  time.Duration // first backoff delay (default 1s)
	MaxDelay   time.Duration // backoff cap (default 30s)
	Jitter     float64       // jitter factor in [0,1] (default 0.1)
	Condition  RetryCondition
	Breaker    *CircuitBreaker
	Calculator *backoff.Calculator
}

// RetryStrategy wraps a single-attempt executor with eligibility checks,
// exponential backoff and an optional circuit breaker. One strategy
// instance serves the whole client; per-call attempt state stays on the
// stack.
type RetryStrategy struct {
	maxRetries int
	retryOn    map[int]struct{}
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitter     float64
	condition  RetryCondition
	breaker    *CircuitBreaker
	calculator *backoff.Calculator

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryStrategy creates a strategy from cfg.
func NewRetryStrategy(cfg RetryConfig) *RetryStrategy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryOn == nil {
		cfg.RetryOn = DefaultRetryStatusCodes
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Calculator == nil {
		cfg.Calculator = backoff.NewExponential()
	}

	retryOn := make(map[int]struct{}, len(cfg.RetryOn))
	for _, code := range cfg.RetryOn {
		retryOn[code] = struct{}{}
	}

	return &RetryStrategy{
		maxRetries: cfg.MaxRetries,
		retryOn:    retryOn,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		jitter:     cfg.Jitter,
		condition:  cfg.Condition,
		breaker:    cfg.Breaker,
		calculator: cfg.Calculator,
		sleep:      sleepContext,
	}
}

// Execute runs attempt until it succeeds, becomes ineligible for retry,
// or the attempt budget is spent.
//
// An ineligible failure returns the original response and error
// untouched. Exhaustion returns a RetryExhaustedError carrying the error
// from every attempt; a circuit breaker rejection is reported in the same
// shape so callers see one failure kind for "could not get data".
func (s *RetryStrategy) Execute(ctx context.Context, attempt AttemptFunc) (*http.Response, error) {
	var attemptErrs []error

	for attemptNum := 0; ; attemptNum++ {
		if s.breaker != nil && !s.breaker.Allow() {
			attemptErrs = append(attemptErrs, &ClientError{
				Type:    ErrorTypeCircuitOpen,
				Message: "circuit breaker is open",
				Cause:   ErrCircuitOpen,
			})
			return nil, &RetryExhaustedError{Attempts: attemptErrs}
		}

		resp, err := attempt(ctx)

		failed := err != nil || (resp != nil && s.isFailureStatus(resp.StatusCode))
		if s.breaker != nil {
			if failed {
				s.breaker.RecordFailure()
			} else {
				s.breaker.RecordSuccess()
			}
		}

		var eligible bool
		if s.condition != nil {
			eligible = s.condition(resp, err)
		} else {
			eligible = failed
		}

		if !failed && !eligible {
			return resp, nil
		}

		if failed {
			attemptErrs = append(attemptErrs, classifyAttemptError(resp, err))
		}

		if !eligible {
			// Ineligible stop: hand back the original outcome.
			return resp, err
		}

		if attemptNum >= s.maxRetries {
			return resp, &RetryExhaustedError{Attempts: attemptErrs}
		}

		delay := retryAfterDelay(resp)
		if delay <= 0 {
			delay = s.calculator.Delay(attemptNum, s.baseDelay, s.maxDelay, s.jitter)
		}

		drainBody(resp)

		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// isFailureStatus reports whether a status code counts as a failed
// attempt for retry and breaker accounting.
func (s *RetryStrategy) isFailureStatus(status int) bool {
	_, ok := s.retryOn[status]
	return ok
}

func classifyAttemptError(resp *http.Response, err error) error {
	if err != nil {
		errType := ErrorTypeNetwork
		if isTimeout(err) {
			errType = ErrorTypeTimeout
		}
		return &ClientError{Type: errType, Message: "request attempt failed", Cause: err}
	}

	errType := ErrorTypeServer
	if resp.StatusCode < 500 {
		errType = ErrorTypeClient
	}
	return &ClientError{
		Type:    errType,
		Message: "retryable status " + http.StatusText(resp.StatusCode),
		Status:  resp.StatusCode,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryAfterDelay honors a Retry-After header on 429/503 responses,
// supporting both delay-seconds and HTTP-date formats, capped at one hour.
func retryAfterDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}

	value := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		delay := time.Duration(seconds) * time.Second
		if delay > maxRetryAfter {
			delay = maxRetryAfter
		}
		return delay
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay > 0 && delay <= maxRetryAfter {
			return delay
		}
	}

	return 0
}

// drainBody consumes and closes a response body so the connection can be
// reused before the next attempt.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyCaptureBytes))
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
