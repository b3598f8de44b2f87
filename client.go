package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is an HTTP client that layers response caching, conditional
// revalidation, request deduplication, retries with exponential backoff,
// circuit breaking, rate limiting, middleware and metrics around the
// standard net/http Client. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration

	maxEntries     int
	cacheTTL       time.Duration
	staleWindow    time.Duration
	cacheMode      CacheMode
	varyHeaders    []string
	storage        Storage
	cacheCondition CacheCondition

	maxRetries     int
	retryOn        []int
	baseDelay      time.Duration
	maxDelay       time.Duration
	jitter         float64
	retryCondition RetryCondition

	circuitBreaker *CircuitBreaker
	rateLimiter    *RateLimiter

	dedupe         *Deduplicator
	dedupCondition DeduplicationCondition

	middleware []Middleware
	metrics    *MetricsCollector
	logger     Logger

	cache *CacheSystem
	retry *RetryStrategy

	validationError error
}

// New constructs a Client from the provided functional options. The
// configuration is validated at construction; check IsValid or
// ValidationError before use when options come from untrusted input.
func New(options ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		timeout:        30 * time.Second,
		maxEntries:     100,
		cacheTTL:       60 * time.Second,
		staleWindow:    0,
		cacheMode:      CacheModeStandard,
		cacheCondition: DefaultCacheCondition,
		maxRetries:     3,
		retryOn:        DefaultRetryStatusCodes,
		baseDelay:      time.Second,
		maxDelay:       30 * time.Second,
		jitter:         0.1,
		dedupCondition: DefaultDeduplicationCondition,
	}

	for _, option := range options {
		option(c)
	}

	if err := c.ValidateConfiguration(); err != nil {
		c.validationError = err
	}

	c.cache = NewCacheSystem(CacheSystemConfig{
		MaxEntries:  c.maxEntries,
		DefaultTTL:  c.cacheTTL,
		StaleWindow: c.staleWindow,
		Mode:        c.cacheMode,
		VaryHeaders: c.varyHeaders,
		Storage:     c.storage,
		Logger:      c.logger,
		Metrics:     c.metrics,
	})

	c.retry = NewRetryStrategy(RetryConfig{
		MaxRetries: c.maxRetries,
		RetryOn:    c.retryOn,
		BaseDelay:  c.baseDelay,
		MaxDelay:   c.maxDelay,
		Jitter:     c.jitter,
		Condition:  c.retryCondition,
		Breaker:    c.circuitBreaker,
	})

	return c
}

// Get performs an HTTP GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST with the given content type.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Do executes a prepared *http.Request applying every configured layer:
// deduplication, cache lookup with stale-while-revalidate, rate limiting,
// retries and circuit breaking.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	start := time.Now()
	endpoint := endpointLabel(req)

	c.metrics.RecordRequestStart(req.Method, endpoint)
	defer c.metrics.RecordRequestEnd(req.Method, endpoint)

	resp, err := c.dispatch(req, endpoint)

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, endpoint, statusCode, time.Since(start))

	return resp, err
}

// dispatch funnels concurrent identical requests through the
// deduplication ledger before they reach the cache and transport layers.
func (c *Client) dispatch(req *http.Request, endpoint string) (*http.Response, error) {
	if c.dedupe == nil || c.dedupCondition == nil || !c.dedupCondition(req) {
		return c.serve(req, endpoint)
	}

	key := c.cache.Key(req)
	entry, owner := c.dedupe.Join(key)
	if !owner {
		if c.logger != nil {
			c.logger.Debug("coalescing onto in-flight request", "key", key)
		}
		c.metrics.RecordDeduplicationHit(req.Method, endpoint)
		return entry.Wait(req.Context())
	}

	resp, err := c.serve(req, endpoint)
	c.dedupe.Complete(key, entry, resp, err)
	return resp, err
}

func (c *Client) serve(req *http.Request, endpoint string) (*http.Response, error) {
	if !c.cacheParticipates(req) {
		return c.fetch(req.Context(), req, nil, endpoint)
	}

	resp, err := c.cache.GetWithRevalidation(req.Context(), req, func(ctx context.Context, prior *CacheEntry) (*http.Response, error) {
		return c.fetch(ctx, req, prior, endpoint)
	})
	c.metrics.RecordCacheSize("default", c.cache.Stats().Entries)
	return resp, err
}

// cacheParticipates decides whether req goes through the cache layer at
// all. A per-request override from WithRequestCache wins in every mode
// except off; without one, manual mode opts out and the remaining modes
// defer to the cache condition.
func (c *Client) cacheParticipates(req *http.Request) bool {
	if c.cacheMode == CacheModeOff {
		return false
	}
	if rc, ok := requestCacheFromContext(req.Context()); ok {
		return rc.Enabled
	}
	if c.cacheMode == CacheModeManual {
		return false
	}
	return c.cacheCondition(req)
}

// fetch performs the network round trip for original, revalidating prior
// when one exists, inside the rate limiter and retry strategy.
func (c *Client) fetch(ctx context.Context, original *http.Request, prior *CacheEntry, endpoint string) (*http.Response, error) {
	if c.rateLimiter != nil {
		if !c.rateLimiter.Allow() {
			if c.logger != nil {
				c.logger.Warn("rate limit exceeded", "endpoint", endpoint)
			}
			c.metrics.RecordError(ErrorTypeRateLimit, original.Method, endpoint)
			return nil, &ClientError{
				Type:      ErrorTypeRateLimit,
				Message:   "rate limit exceeded",
				Cause:     ErrRateLimited,
				Method:    original.Method,
				URL:       original.URL.String(),
				Timestamp: time.Now(),
			}
		}
		c.metrics.RecordRateLimiterTokens("default", c.rateLimiter.Tokens())
	}

	req := original.Clone(ctx)
	if prior != nil && CanRevalidate(prior) {
		AddConditionalHeaders(req, prior)
	}

	attempts := 0
	resp, err := c.retry.Execute(ctx, func(ctx context.Context) (*http.Response, error) {
		if attempts > 0 {
			if c.logger != nil {
				c.logger.Info("retrying request", "attempt", attempts, "maxRetries", c.maxRetries, "endpoint", endpoint)
			}
			c.metrics.RecordRetry(req.Method, endpoint)
		}
		attempts++
		return c.transport(req)
	})

	if c.circuitBreaker != nil {
		c.metrics.RecordCircuitBreakerState("default", c.circuitBreaker.State())
	}
	if err != nil {
		c.metrics.RecordError(errorTypeOf(err), req.Method, endpoint)
	}

	return resp, err
}

// transport runs the middleware chain around the underlying HTTP client.
func (c *Client) transport(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripper(RoundTripperFunc(c.httpClient.Do))
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return mw(r, next)
		})
	}

	return current.RoundTrip(req)
}

// InvalidateCache removes the entry stored under the cache key of req.
func (c *Client) InvalidateCache(req *http.Request) {
	c.cache.Invalidate(c.cache.Key(req))
}

// InvalidateCacheKey removes the entry stored under key.
func (c *Client) InvalidateCacheKey(key string) {
	c.cache.Invalidate(key)
}

// InvalidateCacheByTag removes every entry tagged with tag, returning the
// number of entries removed.
func (c *Client) InvalidateCacheByTag(tag string) int {
	return c.cache.InvalidateByTag(tag)
}

// InvalidateCacheByPattern removes every entry whose key matches the glob
// pattern (* and ? wildcards), returning the number removed.
func (c *Client) InvalidateCacheByPattern(pattern string) int {
	return c.cache.InvalidateByPattern(pattern)
}

// ClearCache drops every cached entry and tag association.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// CacheStats returns the cache hit/miss/eviction counters.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// CacheKey returns the cache key the client would use for req.
func (c *Client) CacheKey(req *http.Request) string {
	return c.cache.Key(req)
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

func errorTypeOf(err error) string {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	if isTimeout(err) {
		return ErrorTypeTimeout
	}
	return ErrorTypeNetwork
}

// endpointLabel reduces a request to a low-cardinality host+path label
// for metrics.
func endpointLabel(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	var b strings.Builder
	b.WriteString(req.URL.Host)
	if path := req.URL.Path; path != "" && path != "/" {
		b.WriteString(path)
	} else {
		b.WriteByte('/')
	}
	return b.String()
}
