package httpclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/NextNodeSolutions/http-client/internal/glob"
	"github.com/NextNodeSolutions/http-client/internal/singleflight"
)

// FetchFunc performs the network fetch for a cache fill or revalidation.
// prior is the stale entry being revalidated, or nil on a plain miss; an
// implementation should attach conditional headers from it.
type FetchFunc func(ctx context.Context, prior *CacheEntry) (*http.Response, error)

// CacheSystemConfig configures a CacheSystem. Zero values fall back to
// 100 entries, a 60s TTL, no stale window and standard mode.
type CacheSystemConfig struct {
	MaxEntries  int
	DefaultTTL  time.Duration
	StaleWindow time.Duration
	Mode        CacheMode
	VaryHeaders []string
	// Storage overrides the built-in memory store when set.
	Storage Storage
	Logger  Logger
	Metrics *MetricsCollector
}

// CacheSystem is the cache composition root: it owns the key generator,
// the LRU/TTL cache, the tag registry and the background revalidation
// gate, and exposes them behind one facade. A CacheSystem instance
// exclusively owns its indices; entries are only mutated through it.
type CacheSystem struct {
	keys          *KeyGenerator
	cache         *LRUCache
	tags          *TagRegistry
	revalidations *singleflight.Group

	mode        CacheMode
	defaultTTL  time.Duration
	staleWindow time.Duration

	logger  Logger
	metrics *MetricsCollector

	now func() time.Time
}

// NewCacheSystem wires a cache system from cfg.
func NewCacheSystem(cfg CacheSystemConfig) *CacheSystem {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 60 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = CacheModeStandard
	}

	var cache *LRUCache
	if cfg.Storage != nil {
		cache = NewLRUCacheWithStorage(cfg.Storage, cfg.DefaultTTL, cfg.StaleWindow)
	} else {
		cache = NewLRUCache(cfg.MaxEntries, cfg.DefaultTTL, cfg.StaleWindow)
	}

	s := &CacheSystem{
		keys:          NewKeyGenerator(cfg.VaryHeaders),
		cache:         cache,
		tags:          NewTagRegistry(),
		revalidations: singleflight.New(),
		mode:          cfg.Mode,
		defaultTTL:    cfg.DefaultTTL,
		staleWindow:   cfg.StaleWindow,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		now:           time.Now,
	}

	// Evicted and expired keys must not leave tag references behind.
	cache.OnDrop(s.tags.Unregister)

	return s
}

// Key returns the cache key for req.
func (s *CacheSystem) Key(req *http.Request) string {
	return s.keys.Key(req)
}

// GetWithRevalidation serves req from the cache when possible:
//
//  1. No usable entry: fetch synchronously, store on success, return.
//  2. Fresh entry: return it, no network call.
//  3. Stale entry within the window: return it immediately and kick off
//     at most one background revalidation whose success replaces the
//     entry and whose failure is discarded, leaving the stale data
//     authoritative until a fresh fetch succeeds.
func (s *CacheSystem) GetWithRevalidation(ctx context.Context, req *http.Request, fetch FetchFunc) (*http.Response, error) {
	key := s.keys.Key(req)

	entry, hit := s.cache.Get(key)
	switch hit {
	case CacheHitFresh:
		s.metrics.RecordCacheHit(req.Method, endpointLabel(req), CacheHitFresh)
		return s.respond(entry, CacheHitFresh), nil

	case CacheHitStale:
		s.metrics.RecordCacheHit(req.Method, endpointLabel(req), CacheHitStale)
		s.revalidateInBackground(req, key, entry, fetch)
		return s.respond(entry, CacheHitStale), nil

	default:
		s.metrics.RecordCacheMiss(req.Method, endpointLabel(req))
	}

	resp, err := fetch(ctx, nil)
	if err != nil {
		return nil, err
	}

	s.absorb(req, key, nil, resp)
	return resp, nil
}

// revalidateInBackground starts a fire-and-forget refresh for key unless
// one is already in flight. The result is only ever observed by the
// cache-write path; failures are deliberately dropped.
func (s *CacheSystem) revalidateInBackground(req *http.Request, key string, prior *CacheEntry, fetch FetchFunc) {
	// The caller's context must not cancel the background refresh, but its
	// values (the per-request cache override) still govern how the
	// refreshed response is stored.
	bgReq := req.Clone(context.WithoutCancel(req.Context()))

	go func() {
		_, _, _ = s.revalidations.TryDo(key, func() (interface{}, error) {
			resp, err := fetch(bgReq.Context(), prior)
			if err != nil {
				if s.logger != nil {
					s.logger.Debug("background revalidation failed", "key", key, "error", err.Error())
				}
				return nil, err
			}
			s.absorb(bgReq, key, prior, resp)
			drainBody(resp)
			return nil, nil
		})
	}()
}

// absorb applies a fetched response to the cache: a 304 re-stores the
// prior entry with refreshed freshness metadata, anything else is stored
// as a new entry when the response is cacheable. Failed responses
// (>= 400) are never cached.
func (s *CacheSystem) absorb(req *http.Request, key string, prior *CacheEntry, resp *http.Response) {
	policy := EvaluateCachePolicy(resp, s.mode, s.defaultTTL)

	if IsNotModified(resp) && prior != nil {
		// Refresh a copy: the prior entry is still being read by concurrent
		// stale hits.
		refreshed := *prior
		RefreshEntry(&refreshed, resp, s.now(), policy.TTL, s.staleWindow)
		s.cache.Set(key, &refreshed)
		return
	}

	override, hasOverride := requestCacheFromContext(req.Context())

	cacheable := policy.Cacheable
	switch s.mode {
	case CacheModeOff:
		cacheable = false
	case CacheModeManual:
		cacheable = hasOverride && override.Enabled
	default:
		if hasOverride && !override.Enabled {
			cacheable = false
		}
	}

	if !cacheable || resp.StatusCode >= 400 {
		return
	}

	body, err := captureBody(resp)
	if err != nil {
		return
	}

	now := s.now()
	ttl := policy.TTL
	if hasOverride && override.TTL > 0 {
		ttl = override.TTL
	}

	validators := ExtractValidators(resp)
	entry := &CacheEntry{
		Body:         body,
		StatusCode:   resp.StatusCode,
		Header:       resp.Header.Clone(),
		Timestamp:    now,
		TTL:          ttl,
		StaleUntil:   now.Add(ttl + s.staleWindow),
		ETag:         validators.ETag,
		LastModified: validators.LastModified,
		VaryHeaders:  s.keys.VaryValues(req),
	}
	if hasOverride {
		entry.Tags = append([]string(nil), override.Tags...)
	}

	s.cache.Set(key, entry)
	s.tags.Register(key, entry.Tags)
}

// respond reconstructs an HTTP response from a cache entry, marking its
// freshness in the CacheStatusHeader.
func (s *CacheSystem) respond(entry *CacheEntry, hit CacheHit) *http.Response {
	header := entry.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(CacheStatusHeader, hit.String())

	return &http.Response{
		StatusCode: entry.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(entry.Body)),
	}
}

// Invalidate removes the entry for key and its tag memberships.
func (s *CacheSystem) Invalidate(key string) {
	s.cache.Delete(key)
}

// InvalidateByTag removes every entry registered under tag. It returns
// the number of removed entries.
func (s *CacheSystem) InvalidateByTag(tag string) int {
	keys := s.tags.KeysByTag(tag)
	for _, key := range keys {
		s.cache.Delete(key)
	}
	return len(keys)
}

// InvalidateByPattern removes every cached entry whose key matches the
// glob pattern. It returns the number of removed entries.
func (s *CacheSystem) InvalidateByPattern(pattern string) int {
	removed := 0
	for _, key := range s.cache.Keys() {
		if glob.Match(pattern, key) {
			s.cache.Delete(key)
			removed++
		}
	}
	return removed
}

// Clear drops every entry and tag association.
func (s *CacheSystem) Clear() {
	s.cache.Clear()
	s.tags.Clear()
}

// Stats returns the cache counters.
func (s *CacheSystem) Stats() CacheStats {
	return s.cache.Stats()
}

// Keys returns the currently cached keys.
func (s *CacheSystem) Keys() []string {
	return s.cache.Keys()
}

// Tags exposes the tag registry for inspection.
func (s *CacheSystem) Tags() *TagRegistry {
	return s.tags
}

// InFlightRevalidations reports running background refreshes.
func (s *CacheSystem) InFlightRevalidations() int {
	return s.revalidations.InFlight()
}
