package httpclient

import (
	"sync"

	"github.com/NextNodeSolutions/http-client/internal/glob"
)

// TagRegistry is a bidirectional index between tag names and cache keys,
// enabling grouped invalidation. Registration cost is proportional to the
// number of tags on the key, not to the registry size.
type TagRegistry struct {
	mu        sync.Mutex
	keysByTag map[string]map[string]struct{}
	tagsByKey map[string]map[string]struct{}
	allKeys   map[string]struct{}
}

// NewTagRegistry creates an empty registry.
func NewTagRegistry() *TagRegistry {
	return &TagRegistry{
		keysByTag: make(map[string]map[string]struct{}),
		tagsByKey: make(map[string]map[string]struct{}),
		allKeys:   make(map[string]struct{}),
	}
}

// Register associates key with each tag. An empty tag list is a no-op.
func (r *TagRegistry) Register(key string, tags []string) {
	if len(tags) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tagSet, ok := r.tagsByKey[key]
	if !ok {
		tagSet = make(map[string]struct{}, len(tags))
		r.tagsByKey[key] = tagSet
	}
	r.allKeys[key] = struct{}{}

	for _, tag := range tags {
		tagSet[tag] = struct{}{}
		keySet, ok := r.keysByTag[tag]
		if !ok {
			keySet = make(map[string]struct{})
			r.keysByTag[tag] = keySet
		}
		keySet[key] = struct{}{}
	}
}

// Unregister removes key from every tag it belongs to, pruning tag sets
// that become empty.
func (r *TagRegistry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tagSet, ok := r.tagsByKey[key]
	if !ok {
		return
	}

	for tag := range tagSet {
		keySet := r.keysByTag[tag]
		delete(keySet, key)
		if len(keySet) == 0 {
			delete(r.keysByTag, tag)
		}
	}

	delete(r.tagsByKey, key)
	delete(r.allKeys, key)
}

// KeysByTag returns the keys registered under tag. Unknown tags yield an
// empty slice.
func (r *TagRegistry) KeysByTag(tag string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keySet := r.keysByTag[tag]
	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	return keys
}

// KeysByPattern returns every registered key matching the glob pattern.
func (r *TagRegistry) KeysByPattern(pattern string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keys []string
	for key := range r.allKeys {
		if glob.Match(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Tags returns the tags recorded for key.
func (r *TagRegistry) Tags(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	tagSet := r.tagsByKey[key]
	tags := make([]string, 0, len(tagSet))
	for tag := range tagSet {
		tags = append(tags, tag)
	}
	return tags
}

// Clear resets all three internal indices.
func (r *TagRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keysByTag = make(map[string]map[string]struct{})
	r.tagsByKey = make(map[string]map[string]struct{})
	r.allKeys = make(map[string]struct{})
}
