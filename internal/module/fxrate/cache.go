package fxrate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores fetched rates with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) (float64, bool)
	Set(ctx context.Context, key string, rate float64, ttl time.Duration)
}

// RedisCache is a redis-backed rate cache shared across instances.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache creates a redis-backed rate cache.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) key(key string) string {
	return fmt.Sprintf("fxrate:%s", key)
}

// Get returns the cached rate for key, if present and unexpired.
func (c *RedisCache) Get(ctx context.Context, key string) (float64, bool) {
	val, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		return 0, false
	}
	rate, err := strconv.ParseFloat(val, 64)
	if err != nil || rate <= 0 {
		return 0, false
	}
	return rate, true
}

// Set stores the rate for key with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, rate float64, ttl time.Duration) {
	c.client.Set(ctx, c.key(key), strconv.FormatFloat(rate, 'f', -1, 64), ttl)
}

// MemoryCache is an in-process rate cache used when redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	rate      float64
	expiresAt time.Time
}

// NewMemoryCache creates an in-process rate cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the cached rate for key, if present and unexpired.
func (c *MemoryCache) Get(_ context.Context, key string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.rate, true
}

// Set stores the rate for key with the given TTL.
func (c *MemoryCache) Set(_ context.Context, key string, rate float64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{rate: rate, expiresAt: c.now().Add(ttl)}
}
