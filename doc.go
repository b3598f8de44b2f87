// Package httpclient provides an HTTP client with response caching and
// composable reliability primitives:
//
//   - Standards-aware response caching (Cache-Control, Expires, Vary)
//     with LRU + TTL eviction, tag and wildcard invalidation
//   - Stale-while-revalidate serving with single-flight background refresh
//   - Conditional revalidation via ETag / Last-Modified
//   - Retries with exponential backoff + jitter and Retry-After support
//   - Circuit breaker (closed / open / half-open states)
//   - Rate limiting (token bucket)
//   - Request de-duplication (merges concurrent identical in-flight requests)
//   - Middleware chain for cross-cutting concerns (auth, logging, tracing, etc.)
//   - Prometheus metrics and structured logging via zerolog
//
// Design goals:
//   - Small surface area – functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - Extensibility via user supplied middleware and pluggable storage
//     (in-memory by default, Redis adapter included)
//
// Typical usage:
//
//	client := httpclient.New(
//	    httpclient.WithTTL(time.Minute),
//	    httpclient.WithStaleWhileRevalidate(30*time.Second),
//	    httpclient.WithMaxRetries(3),
//	    httpclient.WithCircuitBreaker(httpclient.CircuitBreakerConfig{}),
//	    httpclient.WithDeduplication(),
//	)
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// Per-request cache behavior (force-enable, custom TTL, invalidation tags)
// is set through WithRequestCache on the request context. Responses served
// from the cache carry an X-Cache-Status header of "fresh" or "stale".
package httpclient
