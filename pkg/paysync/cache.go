package paysync

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache maps processor identifiers (subscription / customer ids) to
// organization ids for the tenant resolver. It is passed to the resolver
// by reference; there is no package-level cache.
type Cache interface {
	// Get returns the cached organization id and true if found and not expired
	Get(key string) (string, bool)

	// Set stores an organization id with TTL
	Set(key, organizationID string, ttl time.Duration)

	// Invalidate removes a key
	Invalidate(key string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// cacheEntry wraps a cached value with its expiration time
type cacheEntry struct {
	value      string
	expiration time.Time
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

// NewNoopCache creates a new no-op cache
func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(_ string) (string, bool)      { return "", false }
func (c *NoopCache) Set(_, _ string, _ time.Duration) {}
func (c *NoopCache) Invalidate(_ string)              {}
func (c *NoopCache) Clear()                           {}
func (c *NoopCache) Stats() CacheStats                { return CacheStats{} }

// LRUCache implements Cache using an in-memory LRU cache with TTL support.
// Recency and eviction are kept by golang-lru; expired entries are dropped
// when they are read.
type LRUCache struct {
	entries    *lru.Cache[string, cacheEntry]
	maxEntries int
	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	now        func() time.Time
}

// NewLRUCache creates a new LRU cache holding at most maxEntries keys
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 10000 // default
	}

	return &LRUCache{
		entries:    newEntries(maxEntries),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func newEntries(size int) *lru.Cache[string, cacheEntry] {
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return entries
}

func (c *LRUCache) Get(key string) (string, bool) {
	entry, exists := c.entries.Get(key)
	if !exists || entry.isExpired(c.now()) {
		if exists {
			c.entries.Remove(key)
		}
		c.misses.Add(1)
		return "", false
	}

	c.hits.Add(1)
	return entry.value, true
}

func (c *LRUCache) Set(key, organizationID string, ttl time.Duration) {
	if ttl <= 0 || organizationID == "" {
		return
	}

	evicted := c.entries.Add(key, cacheEntry{
		value:      organizationID,
		expiration: c.now().Add(ttl),
	})
	if evicted {
		c.evictions.Add(1)
	}
}

func (c *LRUCache) Invalidate(key string) {
	c.entries.Remove(key)
}

func (c *LRUCache) Clear() {
	c.entries.Purge()
}

func (c *LRUCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.entries.Len(),
	}
}
