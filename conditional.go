package httpclient

import (
	"net/http"
	"time"
)

// Validators are the server-supplied revalidation tokens extracted from a
// response at store time.
type Validators struct {
	ETag         string
	LastModified time.Time
}

// ExtractValidators pulls ETag and Last-Modified from response headers.
func ExtractValidators(resp *http.Response) Validators {
	return Validators{
		ETag:         resp.Header.Get("ETag"),
		LastModified: parseHTTPDate(resp.Header.Get("Last-Modified")),
	}
}

// CanRevalidate reports whether entry carries at least one validator.
func CanRevalidate(entry *CacheEntry) bool {
	return entry != nil && (entry.ETag != "" || !entry.LastModified.IsZero())
}

// AddConditionalHeaders attaches If-None-Match and If-Modified-Since to
// req from the stored entry's validators.
func AddConditionalHeaders(req *http.Request, entry *CacheEntry) {
	if req == nil || entry == nil {
		return
	}
	if entry.ETag != "" {
		req.Header.Set("If-None-Match", entry.ETag)
	}
	if !entry.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", entry.LastModified.Format(http.TimeFormat))
	}
}

// IsNotModified reports whether resp says the cached body is still valid.
func IsNotModified(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotModified
}

// RefreshEntry renews the freshness metadata of entry after a 304,
// keeping its body untouched. New validators from the 304 response
// replace the stored ones when present.
func RefreshEntry(entry *CacheEntry, resp *http.Response, now time.Time, ttl, staleWindow time.Duration) {
	if entry == nil {
		return
	}
	entry.Timestamp = now
	entry.TTL = ttl
	entry.StaleUntil = now.Add(ttl + staleWindow)

	if resp == nil {
		return
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		entry.ETag = etag
	}
	if lm := parseHTTPDate(resp.Header.Get("Last-Modified")); !lm.IsZero() {
		entry.LastModified = lm
	}
}
