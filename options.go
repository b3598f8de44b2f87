package httpclient

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// WithMaxEntries caps how many responses the in-memory cache holds before
// evicting the least recently used one.
func WithMaxEntries(n int) Option {
	return func(c *Client) {
		c.maxEntries = n
	}
}

// WithTTL sets the default freshness lifetime for cached responses, used
// when the response carries no caching directives of its own.
func WithTTL(d time.Duration) Option {
	return func(c *Client) {
		c.cacheTTL = d
	}
}

// WithStaleWhileRevalidate sets the window after expiry during which a
// stale entry is still served while a background refresh runs. Zero
// disables stale serving.
func WithStaleWhileRevalidate(d time.Duration) Option {
	return func(c *Client) {
		c.staleWindow = d
	}
}

// WithCacheMode sets the cacheability policy.
func WithCacheMode(mode CacheMode) Option {
	return func(c *Client) {
		c.cacheMode = mode
	}
}

// WithVaryHeaders names the request headers whose values become part of
// the cache key, so responses negotiated per header value are cached
// separately.
func WithVaryHeaders(headers ...string) Option {
	return func(c *Client) {
		c.varyHeaders = append([]string(nil), headers...)
	}
}

// WithStorage replaces the built-in in-memory store with a custom storage
// adapter such as RedisStorage.
func WithStorage(storage Storage) Option {
	return func(c *Client) {
		c.storage = storage
	}
}

// WithCacheCondition sets a custom predicate deciding which requests
// participate in caching. The default caches GET requests only.
func WithCacheCondition(fn CacheCondition) Option {
	return func(c *Client) {
		c.cacheCondition = fn
	}
}

// WithDeduplication enables coalescing of concurrent identical requests.
func WithDeduplication() Option {
	return func(c *Client) {
		c.dedupe = NewDeduplicator()
	}
}

// WithDeduplicationCondition sets a custom predicate deciding which
// requests are eligible for deduplication.
func WithDeduplicationCondition(fn DeduplicationCondition) Option {
	return func(c *Client) {
		c.dedupCondition = fn
	}
}

// WithMaxRetries sets the number of retries after the initial attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryOn sets the HTTP status codes treated as retryable failures.
func WithRetryOn(statusCodes ...int) Option {
	return func(c *Client) {
		c.retryOn = append([]int(nil), statusCodes...)
	}
}

// WithBaseDelay sets the first backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithJitter sets the jitter factor applied to backoff delays, clamped to
// [0, 1]. Zero makes delays fully deterministic.
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithRetryCondition sets a custom retry predicate that takes precedence
// over the built-in status and error classification.
func WithRetryCondition(fn RetryCondition) Option {
	return func(c *Client) {
		c.retryCondition = fn
	}
}

// WithCircuitBreaker enables a circuit breaker around the transport.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.circuitBreaker = NewCircuitBreaker(config)
	}
}

// WithRateLimiter enables a token-bucket rate limiter in front of the
// retry loop.
func WithRateLimiter(maxTokens int, refillRate time.Duration) Option {
	return func(c *Client) {
		c.rateLimiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithMiddleware appends middleware wrapping the underlying transport,
// outermost first.
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
		if c.timeout != 0 {
			c.httpClient.Timeout = c.timeout
		}
	}
}

// WithTimeout sets the per-request timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
		if c.httpClient != nil {
			c.httpClient.Timeout = d
		}
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a pre-built metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithLogger sets the structured logger for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithZerolog enables logging through a console-writer zerolog.Logger at
// the given level.
func WithZerolog(level zerolog.Level) Option {
	return func(c *Client) {
		zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(level).
			With().
			Timestamp().
			Logger()
		c.logger = NewZerologLogger(zl)
	}
}

// ValidateConfiguration checks the client configuration and returns a
// ClientError of type Validation listing every problem found.
func (c *Client) ValidateConfiguration() error {
	var problems []string

	problems = append(problems, c.validateRetryConfig()...)
	problems = append(problems, c.validateCacheConfig()...)
	problems = append(problems, c.validateRateLimiterConfig()...)
	problems = append(problems, c.validateCircuitBreakerConfig()...)
	problems = append(problems, c.validateMiddlewareConfig()...)
	problems = append(problems, c.validateHTTPClientConfig()...)

	if len(problems) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}
	return nil
}

func (c *Client) validateRetryConfig() []string {
	var problems []string

	if c.maxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if c.baseDelay <= 0 {
		problems = append(problems, "baseDelay must be positive")
	}
	if c.maxDelay < c.baseDelay {
		problems = append(problems, "maxDelay must be greater than or equal to baseDelay")
	}
	if c.jitter < 0 || c.jitter > 1 {
		problems = append(problems, "jitter must be between 0 and 1")
	}
	for _, code := range c.retryOn {
		if code < 100 || code > 599 {
			problems = append(problems, fmt.Sprintf("retryOn status code %d is not a valid HTTP status", code))
		}
	}

	return problems
}

func (c *Client) validateCacheConfig() []string {
	var problems []string

	switch c.cacheMode {
	case CacheModeOff, CacheModeManual, CacheModeForce, CacheModeStandard:
	default:
		problems = append(problems, fmt.Sprintf("unknown cache mode %q", c.cacheMode))
	}
	if c.maxEntries < 0 {
		problems = append(problems, "maxEntries must be non-negative")
	}
	if c.cacheTTL <= 0 {
		problems = append(problems, "cache TTL must be positive")
	}
	if c.staleWindow < 0 {
		problems = append(problems, "staleWhileRevalidate must be non-negative")
	}
	if c.cacheCondition == nil {
		problems = append(problems, "cache condition cannot be nil")
	}

	return problems
}

func (c *Client) validateRateLimiterConfig() []string {
	var problems []string

	if c.rateLimiter != nil {
		if c.rateLimiter.maxTokens <= 0 {
			problems = append(problems, "rateLimiter maxTokens must be positive")
		}
		if c.rateLimiter.refillRate <= 0 {
			problems = append(problems, "rateLimiter refillRate must be positive")
		}
	}

	return problems
}

func (c *Client) validateCircuitBreakerConfig() []string {
	var problems []string

	if c.circuitBreaker != nil {
		if c.circuitBreaker.config.FailureThreshold <= 0 {
			problems = append(problems, "circuitBreaker FailureThreshold must be positive")
		}
		if c.circuitBreaker.config.RecoveryTimeout <= 0 {
			problems = append(problems, "circuitBreaker RecoveryTimeout must be positive")
		}
	}

	return problems
}

func (c *Client) validateMiddlewareConfig() []string {
	var problems []string

	for i, mw := range c.middleware {
		if mw == nil {
			problems = append(problems, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return problems
}

func (c *Client) validateHTTPClientConfig() []string {
	var problems []string

	if c.httpClient == nil {
		problems = append(problems, "HTTP client cannot be nil")
	}
	if c.timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}

	return problems
}
