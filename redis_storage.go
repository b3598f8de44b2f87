package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix    = "httpclient:cache:"
	defaultRedisOpTimeout = 2 * time.Second
)

// RedisStorage is a Storage adapter backed by Redis, for sharing a cache
// across processes. Entries are stored as JSON with a Redis TTL matching
// their stale deadline, plus a sorted-set index ordered by write time
// that drives quota eviction and key listing.
//
// The Storage interface is non-failing, so Redis errors degrade to cache
// misses and dropped writes; the entry index is the source of truth for
// Keys and Size.
type RedisStorage struct {
	client     *redis.Client
	prefix     string
	maxEntries int
	opTimeout  time.Duration
	logger     Logger
}

// RedisStorageConfig configures a RedisStorage.
type RedisStorageConfig struct {
	// Prefix namespaces the keys, default "httpclient:cache:".
	Prefix string
	// MaxEntries caps stored entries; <= 0 means unbounded. When the cap
	// is reached roughly the oldest quarter of entries is evicted.
	MaxEntries int
	// OpTimeout bounds each Redis operation, default 2s.
	OpTimeout time.Duration
	Logger    Logger
}

// NewRedisStorage creates a storage adapter on client.
func NewRedisStorage(client *redis.Client, cfg RedisStorageConfig) *RedisStorage {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultRedisPrefix
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultRedisOpTimeout
	}
	return &RedisStorage{
		client:     client,
		prefix:     cfg.Prefix,
		maxEntries: cfg.MaxEntries,
		opTimeout:  cfg.OpTimeout,
		logger:     cfg.Logger,
	}
}

func (r *RedisStorage) entryKey(key string) string {
	return r.prefix + key
}

func (r *RedisStorage) indexKey() string {
	return r.prefix + "!index"
}

func (r *RedisStorage) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.opTimeout)
}

// Get returns the entry for key, treating any Redis failure as a miss.
func (r *RedisStorage) Get(key string) (*CacheEntry, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	data, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// The value expired under Redis TTL; drop its index entry.
			r.client.ZRem(ctx, r.indexKey(), key)
		} else {
			r.logError("redis get failed", key, err)
		}
		return nil, false
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		r.logError("corrupt cache entry", key, err)
		r.Delete(key)
		return nil, false
	}

	return &entry, true
}

// Set stores entry under key with a Redis TTL at its stale deadline,
// evicting old entries first when the quota is reached.
func (r *RedisStorage) Set(key string, entry *CacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		r.logError("marshal cache entry failed", key, err)
		return
	}

	r.ensureCapacity(key)

	expiration := time.Until(entry.StaleUntil)
	if expiration <= 0 {
		expiration = entry.TTL
	}

	ctx, cancel := r.opContext()
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.entryKey(key), data, expiration)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: key,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		r.logError("redis set failed", key, err)
	}
}

// ensureCapacity evicts roughly the oldest quarter of entries when the
// quota is reached. A failed eviction is retried once and then the write
// proceeds anyway; Redis key expiry eventually reclaims the space.
func (r *RedisStorage) ensureCapacity(incoming string) {
	if r.maxEntries <= 0 {
		return
	}

	ctx, cancel := r.opContext()
	defer cancel()

	size, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		r.logError("redis zcard failed", incoming, err)
		return
	}
	if int(size) < r.maxEntries {
		return
	}
	if exists, err := r.client.Exists(ctx, r.entryKey(incoming)).Result(); err == nil && exists > 0 {
		// Overwrite, no growth.
		return
	}

	batch := r.maxEntries / 4
	if batch < 1 {
		batch = 1
	}

	if err := r.evictOldest(ctx, batch); err != nil {
		r.logError("redis eviction failed, retrying", incoming, err)
		if err := r.evictOldest(ctx, batch); err != nil {
			r.logError("redis eviction failed", incoming, err)
		}
	}
}

func (r *RedisStorage) evictOldest(ctx context.Context, n int) error {
	victims, err := r.client.ZRange(ctx, r.indexKey(), 0, int64(n-1)).Result()
	if err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}

	keys := make([]string, len(victims))
	members := make([]interface{}, len(victims))
	for i, v := range victims {
		keys[i] = r.entryKey(v)
		members[i] = v
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, r.indexKey(), members...)
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes key if present.
func (r *RedisStorage) Delete(key string) {
	ctx, cancel := r.opContext()
	defer cancel()

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.entryKey(key))
	pipe.ZRem(ctx, r.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logError("redis delete failed", key, err)
	}
}

// Clear removes every entry under the prefix.
func (r *RedisStorage) Clear() {
	ctx, cancel := r.opContext()
	defer cancel()

	keys, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		r.logError("redis clear failed", "", err)
		return
	}

	pipe := r.client.TxPipeline()
	for _, key := range keys {
		pipe.Del(ctx, r.entryKey(key))
	}
	pipe.Del(ctx, r.indexKey())
	if _, err := pipe.Exec(ctx); err != nil {
		r.logError("redis clear failed", "", err)
	}
}

// Has reports whether key currently resolves to a value.
func (r *RedisStorage) Has(key string) bool {
	ctx, cancel := r.opContext()
	defer cancel()

	exists, err := r.client.Exists(ctx, r.entryKey(key)).Result()
	if err != nil {
		r.logError("redis exists failed", key, err)
		return false
	}
	return exists > 0
}

// Keys returns the stored keys ordered oldest write first.
func (r *RedisStorage) Keys() []string {
	ctx, cancel := r.opContext()
	defer cancel()

	keys, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		r.logError("redis keys failed", "", err)
		return nil
	}
	return keys
}

// Size returns the number of indexed entries.
func (r *RedisStorage) Size() int {
	ctx, cancel := r.opContext()
	defer cancel()

	size, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		r.logError("redis size failed", "", err)
		return 0
	}
	return int(size)
}

func (r *RedisStorage) logError(msg, key string, err error) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(msg, "key", key, "error", err.Error())
}
