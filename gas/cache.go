package gas

import (
	"sync"
	"time"
)

// CacheStats reports hit/miss counters for health reporting.
type CacheStats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// ttlCache is a read-mostly cache with TTL-based invalidation. Slightly
// stale reads are acceptable for prices and token metadata; the safety
// multiplier absorbs the drift.
type ttlCache[V any] struct {
	ttl time.Duration

	mu     sync.RWMutex
	items  map[string]cacheItem[V]
	hits   uint64
	misses uint64
}

type cacheItem[V any] struct {
	value   V
	expires time.Time
}

func newTTLCache[V any](ttl time.Duration) *ttlCache[V] {
	return &ttlCache[V]{
		ttl:   ttl,
		items: make(map[string]cacheItem[V]),
	}
}

func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if ok && time.Now().Before(item.expires) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return item.value, true
	}

	var zero V
	c.mu.Lock()
	c.misses++
	if ok {
		delete(c.items, key)
	}
	c.mu.Unlock()
	return zero, false
}

func (c *ttlCache[V]) put(key string, value V) {
	c.mu.Lock()
	c.items[key] = cacheItem[V]{value: value, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *ttlCache[V]) stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.items),
	}
}
