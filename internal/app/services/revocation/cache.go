package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache stores fetched revocation chunks keyed by key-space and prefix.
// Chunks are short-lived: revocations must propagate, so entries expire.
type Cache interface {
	Get(keySpace, prefix string) ([]string, bool)
	Set(keySpace, prefix string, hashes []string)
}

// MemoryCache is a TTL-bounded in-process chunk cache.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	hashes    []string
	fetchedAt time.Time
}

// NewMemoryCache creates a cache with the given TTL; zero means 15 minutes.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(keySpace, prefix string) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[keySpace+"/"+prefix]
	if !ok || time.Since(entry.fetchedAt) > c.ttl {
		return nil, false
	}
	return entry.hashes, true
}

func (c *MemoryCache) Set(keySpace, prefix string, hashes []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[keySpace+"/"+prefix] = memoryEntry{
		hashes:    append([]string(nil), hashes...),
		fetchedAt: time.Now(),
	}
}

// RedisCache shares fetched chunks across processes through Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects the cache to a Redis instance.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

func redisKey(keySpace, prefix string) string {
	return fmt.Sprintf("walletcore:revocation:%s:%s", keySpace, prefix)
}

func (c *RedisCache) Get(keySpace, prefix string) ([]string, bool) {
	raw, err := c.client.Get(context.Background(), redisKey(keySpace, prefix)).Bytes()
	if err != nil {
		return nil, false
	}
	var hashes []string
	if err := json.Unmarshal(raw, &hashes); err != nil {
		return nil, false
	}
	return hashes, true
}

func (c *RedisCache) Set(keySpace, prefix string, hashes []string) {
	raw, err := json.Marshal(hashes)
	if err != nil {
		return
	}
	c.client.Set(context.Background(), redisKey(keySpace, prefix), raw, c.ttl)
}
