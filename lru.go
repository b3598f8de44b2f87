package httpclient

import (
	"sync"
	"time"
)

// CacheStats are the running counters of a cache instance.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	StaleHits uint64
	Evictions uint64
	Entries   int
}

// LRUCache layers freshness and staleness semantics over a Storage. A
// lookup is a miss once the entry is past its stale window (the entry is
// deleted on the spot), a fresh hit within the TTL, and a stale hit in
// between. The default backing store is an access-ordered MemoryStorage,
// so hits protect an entry from the next eviction.
type LRUCache struct {
	mu          sync.Mutex
	storage     Storage
	defaultTTL  time.Duration
	staleWindow time.Duration

	hits      uint64
	misses    uint64
	staleHits uint64
	evictions uint64

	// onDrop is notified when a key leaves the cache through eviction or
	// hard expiry, so the owner can clean up tag memberships.
	onDrop func(key string)

	now func() time.Time
}

// NewLRUCache creates a cache bounded to maxEntries backed by memory.
func NewLRUCache(maxEntries int, defaultTTL, staleWindow time.Duration) *LRUCache {
	c := &LRUCache{
		defaultTTL:  defaultTTL,
		staleWindow: staleWindow,
		now:         time.Now,
	}
	storage := NewMemoryStorage(maxEntries)
	storage.SetOnEvict(func(key string, _ *CacheEntry) {
		c.evictions++
		if c.onDrop != nil {
			c.onDrop(key)
		}
	})
	c.storage = storage
	return c
}

// NewLRUCacheWithStorage creates a cache over a caller-supplied Storage.
// Evictions performed internally by the adapter are not reflected in the
// eviction counter.
func NewLRUCacheWithStorage(storage Storage, defaultTTL, staleWindow time.Duration) *LRUCache {
	return &LRUCache{
		storage:     storage,
		defaultTTL:  defaultTTL,
		staleWindow: staleWindow,
		now:         time.Now,
	}
}

// OnDrop registers a callback invoked whenever a key is removed by
// eviction or expiry cleanup.
func (c *LRUCache) OnDrop(fn func(key string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDrop = fn
}

// Get returns the entry for key together with its freshness class.
// Hard-expired entries are deleted and reported as a miss.
func (c *LRUCache) Get(key string) (*CacheEntry, CacheHit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.storage.Get(key)
	if !ok {
		c.misses++
		return nil, CacheMiss
	}

	now := c.now()
	if entry.IsExpired(now) {
		c.storage.Delete(key)
		if c.onDrop != nil {
			c.onDrop(key)
		}
		c.misses++
		return nil, CacheMiss
	}

	if entry.IsFresh(now) {
		c.hits++
		return entry, CacheHitFresh
	}

	c.staleHits++
	return entry, CacheHitStale
}

// Set stores entry under key, filling in defaults for unset freshness
// metadata. An explicit zero TTL alongside a set StaleUntil is preserved,
// so an immediately-stale entry (max-age=0) stays representable.
func (c *LRUCache) Set(key string, entry *CacheEntry) {
	if entry == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now()
	}
	if entry.TTL <= 0 && entry.StaleUntil.IsZero() {
		entry.TTL = c.defaultTTL
	}
	if entry.StaleUntil.IsZero() {
		entry.StaleUntil = entry.Timestamp.Add(entry.TTL + c.staleWindow)
	}

	c.storage.Set(key, entry)
}

// Has reports whether a servable entry exists for key, deleting it first
// if it turns out to be hard-expired.
func (c *LRUCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.storage.Get(key)
	if !ok {
		return false
	}
	if entry.IsExpired(c.now()) {
		c.storage.Delete(key)
		if c.onDrop != nil {
			c.onDrop(key)
		}
		return false
	}
	return true
}

// IsStale reports whether the entry for key exists and is past its TTL
// but still within the stale window.
func (c *LRUCache) IsStale(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.storage.Get(key)
	if !ok {
		return false
	}
	now := c.now()
	return !entry.IsExpired(now) && !entry.IsFresh(now)
}

// Delete removes key from the cache.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.storage.Delete(key)
	if c.onDrop != nil {
		c.onDrop(key)
	}
}

// Clear removes every entry. Counters are preserved.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storage.Clear()
}

// Keys returns the currently stored keys, least recently used first for
// the memory-backed store.
func (c *LRUCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storage.Keys()
}

// Stats returns a snapshot of the running counters.
func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		StaleHits: c.staleHits,
		Evictions: c.evictions,
		Entries:   c.storage.Size(),
	}
}
