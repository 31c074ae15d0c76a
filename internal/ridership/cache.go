package ridership

import (
	"sync"
	"time"
)

// cache is an in-memory TTL cache of trip stop lists.
type cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
	ttl     time.Duration
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func newCache[V any](ttl time.Duration) *cache[V] {
	return &cache[V]{
		entries: make(map[string]cacheEntry[V]),
		ttl:     ttl,
		now:     time.Now,
	}
}

// get retrieves a cached value if it exists and hasn't expired.
func (c *cache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// set stores a value, dropping expired entries on the way.
func (c *cache[V]) set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(c.ttl),
	}
}

func (c *cache[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}
