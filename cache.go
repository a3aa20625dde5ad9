package runicrpc

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const defaultCacheShards = 16

// InMemoryCache is a sharded TTL+LRU response cache. Each shard holds an
// LRU bounded to its slice of the configured capacity; expired entries are
// purged lazily on access and insertion over capacity evicts
// least-recently-used entries. The cache is best-effort: a miss never
// blocks and a failed store is silently dropped.
type InMemoryCache struct {
	shards    []*cacheShard
	numShards int
}

type cacheShard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *CacheEntry]
}

// NewInMemoryCache creates a cache bounded to maxEntries resident entries.
func NewInMemoryCache(maxEntries int) *InMemoryCache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	perShard := maxEntries / defaultCacheShards
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]*cacheShard, defaultCacheShards)
	for i := range shards {
		lru, _ := simplelru.NewLRU[string, *CacheEntry](perShard, nil)
		shards[i] = &cacheShard{lru: lru}
	}
	return &InMemoryCache{shards: shards, numShards: defaultCacheShards}
}

func (c *InMemoryCache) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns the entry for key, treating expired entries as misses and
// removing them.
func (c *InMemoryCache) Get(key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.ExpiresAt) {
		shard.lru.Remove(key)
		return nil, false
	}
	return entry, true
}

// Set stores an entry under key with the given TTL, evicting LRU victims
// when the shard is over capacity.
func (c *InMemoryCache) Set(key string, entry *CacheEntry, ttl time.Duration) {
	if entry == nil || ttl <= 0 {
		return
	}
	now := time.Now()
	entry.InsertedAt = now
	entry.ExpiresAt = now.Add(ttl)

	shard := c.getShard(key)
	shard.mu.Lock()
	shard.lru.Add(key, entry)
	shard.mu.Unlock()
}

// Delete removes the entry for key, if present.
func (c *InMemoryCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.lru.Remove(key)
	shard.mu.Unlock()
}

// Clear removes all entries.
func (c *InMemoryCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.lru.Purge()
		shard.mu.Unlock()
	}
}

// Len returns the number of resident entries, expired ones included until
// their lazy purge.
func (c *InMemoryCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		total += shard.lru.Len()
		shard.mu.Unlock()
	}
	return total
}

func (c *Client) shouldCacheRequest(ctx context.Context, req *Request) bool {
	if c.cache == nil {
		return false
	}
	if cacheControl, ok := ctx.Value(CacheControlKey).(*CacheControl); ok {
		return cacheControl.Enabled
	}
	return c.cacheCondition(req)
}

func (c *Client) cacheTTLForRequest(ctx context.Context) time.Duration {
	if cacheControl, ok := ctx.Value(CacheControlKey).(*CacheControl); ok && cacheControl.TTL > 0 {
		return cacheControl.TTL
	}
	return c.cacheTTL
}

// WithContextCacheEnabled returns a context that enables caching for the
// request regardless of the configured cache condition.
func WithContextCacheEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: true})
}

// WithContextCacheDisabled returns a context that disables caching for the
// request.
func WithContextCacheDisabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: false})
}

// WithContextCacheTTL returns a context that enables caching with a custom
// TTL for the request.
func WithContextCacheTTL(ctx context.Context, ttl time.Duration) context.Context {
	return context.WithValue(ctx, CacheControlKey, &CacheControl{Enabled: true, TTL: ttl})
}
