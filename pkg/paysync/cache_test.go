package paysync

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLRUCache_GetSet(t *testing.T) {
	cache := NewLRUCache(10)

	_, ok := cache.Get("sub:sub_1")
	assert.False(t, ok)

	cache.Set("sub:sub_1", "org_1", time.Minute)
	got, ok := cache.Get("sub:sub_1")
	assert.True(t, ok)
	assert.Equal(t, "org_1", got)

	cache.Invalidate("sub:sub_1")
	_, ok = cache.Get("sub:sub_1")
	assert.False(t, ok)
}

func TestLRUCache_IgnoresEmptyValuesAndTTL(t *testing.T) {
	cache := NewLRUCache(10)

	cache.Set("cus:cus_1", "", time.Minute)
	cache.Set("cus:cus_2", "org_2", 0)

	assert.Equal(t, 0, cache.Stats().Size)
}

func TestLRUCache_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewLRUCache(10)
	cache.now = clock.Now

	cache.Set("sub:sub_1", "org_1", 5*time.Minute)

	clock.Advance(4 * time.Minute)
	_, ok := cache.Get("sub:sub_1")
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	_, ok = cache.Get("sub:sub_1")
	assert.False(t, ok, "entry should expire after its TTL")
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestLRUCache_Eviction(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewLRUCache(2)
	cache.now = clock.Now

	cache.Set("a", "org_a", time.Hour)
	clock.Advance(time.Second)
	cache.Set("b", "org_b", time.Hour)
	clock.Advance(time.Second)

	// touch a so b becomes least recently used
	_, _ = cache.Get("a")
	clock.Advance(time.Second)
	cache.Set("c", "org_c", time.Hour)

	_, okA := cache.Get("a")
	_, okB := cache.Get("b")
	_, okC := cache.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestLRUCache_EvictsInRecencyOrderAtCapacity(t *testing.T) {
	const size = 10000
	cache := NewLRUCache(size)

	for i := 0; i < size; i++ {
		cache.Set(fmt.Sprintf("sub:%d", i), "org", time.Hour)
	}
	_, ok := cache.Get("sub:0")
	assert.True(t, ok)

	for i := 0; i < size/2; i++ {
		cache.Set(fmt.Sprintf("new:%d", i), "org", time.Hour)
	}

	stats := cache.Stats()
	assert.Equal(t, size, stats.Size)
	assert.Equal(t, int64(size/2), stats.Evictions)

	_, ok = cache.Get("sub:0")
	assert.True(t, ok, "recently read entry survives")
	_, ok = cache.Get("sub:1")
	assert.False(t, ok, "least recently used entries go first")
	_, ok = cache.Get(fmt.Sprintf("sub:%d", size/2+1))
	assert.True(t, ok)

	cache.Invalidate("sub:0")
	assert.Equal(t, int64(size/2), cache.Stats().Evictions, "invalidation is not an eviction")
}

func TestLRUCache_Stats(t *testing.T) {
	cache := NewLRUCache(10)
	cache.Set("a", "org_a", time.Hour)

	_, _ = cache.Get("a")
	_, _ = cache.Get("a")
	_, _ = cache.Get("missing")

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)

	cache.Clear()
	assert.Equal(t, 0, cache.Stats().Size)
}

func TestLRUCache_Concurrent(t *testing.T) {
	cache := NewLRUCache(50)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("sub:%d", (i*100+j)%80)
				cache.Set(key, "org", time.Minute)
				_, _ = cache.Get(key)
				if j%10 == 0 {
					cache.Invalidate(key)
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, cache.Stats().Size, 50)
}

func TestNoopCache(t *testing.T) {
	cache := NewNoopCache()
	cache.Set("a", "org_a", time.Hour)

	_, ok := cache.Get("a")
	assert.False(t, ok)
	cache.Invalidate("a")
	cache.Clear()
	assert.Equal(t, CacheStats{}, cache.Stats())
}
