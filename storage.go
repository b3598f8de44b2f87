package httpclient

import (
	"container/list"
	"sync"
)

// Storage is the pluggable backing store for cache entries. Implementations
// own their eviction policy; MemoryStorage evicts in access order while
// persistent adapters may use coarser schemes.
type Storage interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry)
	Delete(key string)
	Clear()
	Has(key string) bool
	Keys() []string
	Size() int
}

// MemoryStorage is a bounded in-memory Storage with access-ordered
// eviction: reading or writing a key promotes it, and inserting beyond
// capacity drops the least recently used entry. Safe for concurrent use.
type MemoryStorage struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List // front = most recently used
	items      map[string]*list.Element
	onEvict    func(key string, entry *CacheEntry)
}

type storageItem struct {
	key   string
	entry *CacheEntry
}

// NewMemoryStorage creates a store holding at most maxEntries entries.
// maxEntries <= 0 means unbounded.
func NewMemoryStorage(maxEntries int) *MemoryStorage {
	return &MemoryStorage{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
	}
}

// SetOnEvict registers a callback invoked for each capacity eviction.
// It runs while the store's lock is held; the callback must not call back
// into the store.
func (s *MemoryStorage) SetOnEvict(fn func(key string, entry *CacheEntry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Get returns the entry for key and promotes it to most recently used.
func (s *MemoryStorage) Get(key string) (*CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.ll.MoveToFront(elem)
	return elem.Value.(*storageItem).entry, true
}

// Set stores entry under key, evicting the least recently used entry
// first when the store is full.
func (s *MemoryStorage) Set(key string, entry *CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		elem.Value.(*storageItem).entry = entry
		s.ll.MoveToFront(elem)
		return
	}

	if s.maxEntries > 0 && s.ll.Len() >= s.maxEntries {
		s.evictOldest()
	}

	s.items[key] = s.ll.PushFront(&storageItem{key: key, entry: entry})
}

// evictOldest drops the back of the recency list. Caller holds the lock.
func (s *MemoryStorage) evictOldest() {
	elem := s.ll.Back()
	if elem == nil {
		return
	}
	item := elem.Value.(*storageItem)
	s.ll.Remove(elem)
	delete(s.items, item.key)
	if s.onEvict != nil {
		s.onEvict(item.key, item.entry)
	}
}

// Delete removes key if present.
func (s *MemoryStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[key]; ok {
		s.ll.Remove(elem)
		delete(s.items, key)
	}
}

// Clear removes every entry.
func (s *MemoryStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ll.Init()
	s.items = make(map[string]*list.Element)
}

// Has reports whether key is present without promoting it.
func (s *MemoryStorage) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.items[key]
	return ok
}

// Keys returns all keys ordered least to most recently used.
func (s *MemoryStorage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, s.ll.Len())
	for elem := s.ll.Back(); elem != nil; elem = elem.Prev() {
		keys = append(keys, elem.Value.(*storageItem).key)
	}
	return keys
}

// Size returns the number of stored entries.
func (s *MemoryStorage) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}
