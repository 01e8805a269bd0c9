package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores and retrieves short strings keyed by IP, used for both
// reputation and geolocation lookups. ok is false on a cache miss.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache is the production cache backend, grounded on the teacher's
// RedisClient threat-intel/geoip key helpers.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps an existing Redis client. prefix namespaces keys so
// the reputation and geolocation caches can share one Redis instance
// without colliding.
func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, c.prefix+key, value, ttl).Err()
}

// memCacheLimit is the point at which the in-process fallback cache
// starts evicting its oldest entries, matching the prototype's in-memory
// cache eviction threshold.
const memCacheLimit = 1000

type memEntry struct {
	value   string
	expires time.Time
	created time.Time
}

// MemCache is an in-process map+mutex cache used when Redis is not
// configured. It is not shared across instances and is bounded to
// memCacheLimit entries via oldest-first eviction.
type MemCache struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

// NewMemCache creates an empty in-process cache.
func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[string]memEntry)}
}

func (c *MemCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if time.Now().After(e.expires) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= memCacheLimit {
		c.evictOldestLocked()
	}

	c.entries[key] = memEntry{value: value, expires: time.Now().Add(ttl), created: time.Now()}
	return nil
}

// evictOldestLocked drops the single oldest entry. Called with mu held.
func (c *MemCache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for k, e := range c.entries {
		if first || e.created.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.created, false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// Size reports the current entry count, for operational metrics.
func (c *MemCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
