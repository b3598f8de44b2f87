package httpclient

import (
	"context"
	"net/http"
	"time"
)

// CacheMode controls how response cacheability is decided.
type CacheMode string

const (
	// CacheModeOff disables caching entirely.
	CacheModeOff CacheMode = "off"
	// CacheModeManual caches only requests explicitly opted in via
	// WithRequestCache on the request context.
	CacheModeManual CacheMode = "manual"
	// CacheModeForce caches every response unless no-store is present.
	CacheModeForce CacheMode = "force"
	// CacheModeStandard follows response Cache-Control directives and
	// defaults to cacheable when the server is silent (this is a private
	// client-side cache, not a shared cache).
	CacheModeStandard CacheMode = "standard"
)

// CacheHit classifies the freshness of a cache lookup.
type CacheHit int

const (
	// CacheMiss means no servable entry existed.
	CacheMiss CacheHit = iota
	// CacheHitFresh means the entry was within its TTL.
	CacheHitFresh
	// CacheHitStale means the entry was past its TTL but within the
	// stale-while-revalidate window.
	CacheHitStale
)

func (h CacheHit) String() string {
	switch h {
	case CacheHitFresh:
		return "fresh"
	case CacheHitStale:
		return "stale"
	default:
		return "miss"
	}
}

// CacheStatusHeader is set on responses served by the cache layer, with
// value "fresh" or "stale".
const CacheStatusHeader = "X-Cache-Status"

// maxBodyCaptureBytes bounds how much of a response body is buffered for
// caching and deduplication.
const maxBodyCaptureBytes = 10 * 1024 * 1024

// CacheEntry is a cached response together with the metadata needed for
// freshness decisions and conditional revalidation. Entries are JSON
// serializable so persistent storage adapters can round-trip them.
//
// Invariant: StaleUntil is never before Timestamp.Add(TTL).
type CacheEntry struct {
	Body         []byte            `json:"body"`
	StatusCode   int               `json:"status_code"`
	Header       http.Header       `json:"header"`
	Timestamp    time.Time         `json:"timestamp"`
	TTL          time.Duration     `json:"ttl"`
	StaleUntil   time.Time         `json:"stale_until"`
	ETag         string            `json:"etag,omitempty"`
	LastModified time.Time         `json:"last_modified,omitempty"`
	VaryHeaders  map[string]string `json:"vary_headers,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
}

// IsFresh reports whether the entry is within its TTL at now.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return !now.After(e.Timestamp.Add(e.TTL))
}

// IsExpired reports whether the entry is past its stale window at now.
// Expired entries are unservable and are deleted on access.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return now.After(e.StaleUntil)
}

// RetryCondition decides whether a failed attempt should be retried. When
// set it takes precedence over the built-in eligibility rules.
type RetryCondition func(resp *http.Response, err error) bool

// CacheCondition decides whether a request participates in caching.
type CacheCondition func(req *http.Request) bool

// DefaultCacheCondition caches GET requests only.
func DefaultCacheCondition(req *http.Request) bool {
	return req.Method == http.MethodGet
}

// DeduplicationCondition decides whether a request is eligible for
// in-flight deduplication.
type DeduplicationCondition func(req *http.Request) bool

// DefaultDeduplicationCondition enables deduplication for safe methods.
func DefaultDeduplicationCondition(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// Middleware wraps the underlying transport for cross-cutting concerns.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper is the transport interface middleware chains around.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to the RoundTripper interface.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option configures a Client.
type Option func(*Client)

type contextKey string

const requestCacheKey contextKey = "httpclient_request_cache"

// RequestCache carries per-request cache overrides through the context.
type RequestCache struct {
	// Enabled forces caching on or off for the request regardless of the
	// configured cache condition. In manual mode Enabled=true is the only
	// way a request becomes cacheable.
	Enabled bool
	// TTL overrides the entry TTL when positive.
	TTL time.Duration
	// Tags are attached to the stored entry for grouped invalidation.
	Tags []string
}

// WithRequestCache attaches per-request cache overrides to ctx.
func WithRequestCache(ctx context.Context, rc RequestCache) context.Context {
	return context.WithValue(ctx, requestCacheKey, &rc)
}

func requestCacheFromContext(ctx context.Context) (*RequestCache, bool) {
	rc, ok := ctx.Value(requestCacheKey).(*RequestCache)
	return rc, ok
}
