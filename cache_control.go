package httpclient

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// immutableTTLFactor scales the default TTL for responses marked immutable.
const immutableTTLFactor = 10

// CacheDirectives are the parsed Cache-Control response directives.
type CacheDirectives struct {
	NoStore              bool
	NoCache              bool
	MaxAge               *time.Duration
	SMaxAge              *time.Duration
	StaleWhileRevalidate *time.Duration
	MustRevalidate       bool
	Immutable            bool
	Public               bool
	Private              bool
}

// ParseCacheControl parses a raw Cache-Control header value. Numeric
// directives are converted from seconds to durations; malformed numeric
// tokens leave the directive absent rather than zero.
func ParseCacheControl(header string) *CacheDirectives {
	directives := &CacheDirectives{}
	if header == "" {
		return directives
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "=") {
			kv := strings.SplitN(part, "=", 2)
			if len(kv) != 2 {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(kv[0]))
			value := strings.Trim(strings.TrimSpace(kv[1]), "\"")

			seconds, err := strconv.Atoi(value)
			if err != nil {
				continue
			}
			d := time.Duration(seconds) * time.Second

			switch key {
			case "max-age":
				directives.MaxAge = &d
			case "s-maxage":
				directives.SMaxAge = &d
			case "stale-while-revalidate":
				directives.StaleWhileRevalidate = &d
			}
			continue
		}

		switch strings.ToLower(part) {
		case "no-store":
			directives.NoStore = true
		case "no-cache":
			directives.NoCache = true
		case "must-revalidate":
			directives.MustRevalidate = true
		case "immutable":
			directives.Immutable = true
		case "public":
			directives.Public = true
		case "private":
			directives.Private = true
		}
	}

	return directives
}

// CachePolicy is the caching decision for a single response.
type CachePolicy struct {
	// Cacheable reports whether the response may be stored.
	Cacheable bool
	// TTL is the freshness lifetime to store the entry with.
	TTL time.Duration
	// NeedsRevalidation advises the caller to attach conditional headers
	// on the next fetch for this key (no-cache / must-revalidate).
	NeedsRevalidation bool
}

// EvaluateCachePolicy interprets a response's caching headers under the
// given mode. defaultTTL applies when the server supplies no explicit
// freshness information.
func EvaluateCachePolicy(resp *http.Response, mode CacheMode, defaultTTL time.Duration) CachePolicy {
	directives := ParseCacheControl(resp.Header.Get("Cache-Control"))

	policy := CachePolicy{
		// TTL is resolved regardless of cacheability so per-request opt-ins
		// (manual mode) still get the server's freshness lifetime.
		TTL:               computeTTL(resp, directives, defaultTTL),
		NeedsRevalidation: directives.NoCache || directives.MustRevalidate,
	}

	switch mode {
	case CacheModeOff, CacheModeManual:
		// Manual opt-in happens before this point; at the response level
		// neither mode auto-caches.
	case CacheModeForce:
		policy.Cacheable = !directives.NoStore
	case CacheModeStandard:
		// This is a private client-side cache: silence from the server
		// means cacheable, only no-store opts out.
		policy.Cacheable = !directives.NoStore
	}

	return policy
}

// computeTTL resolves the freshness lifetime in precedence order:
// max-age, s-maxage, Expires (clamped at zero), immutable (a multiple of
// the default), then the configured default.
func computeTTL(resp *http.Response, directives *CacheDirectives, defaultTTL time.Duration) time.Duration {
	if directives.MaxAge != nil {
		return *directives.MaxAge
	}
	if directives.SMaxAge != nil {
		return *directives.SMaxAge
	}
	if expires := parseHTTPDate(resp.Header.Get("Expires")); !expires.IsZero() {
		ttl := time.Until(expires)
		if ttl < 0 {
			ttl = 0
		}
		return ttl
	}
	if directives.Immutable {
		return immutableTTLFactor * defaultTTL
	}
	return defaultTTL
}

// parseHTTPDate parses an HTTP date header value, trying the formats
// allowed by RFC 7231. The zero time is returned on failure.
func parseHTTPDate(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return t
}
