package kv

import (
	"sync"
	"time"
)

// defaultHotCacheSize bounds the hot cache. The tradable universe is a few
// hundred instruments at most; the bound only guards against unbounded growth
// from malformed security ids.
const defaultHotCacheSize = 4096

// HotCache is the in-process tick cache on the critical read path of the risk
// loop. Reads never touch the network; entries carry a soft TTL (default 1s)
// after which callers fall through to the durable store.
type HotCache[V any] struct {
	mu      sync.RWMutex
	entries map[string]hotEntry[V]
	max     int
	ttl     time.Duration
	now     func() time.Time
}

type hotEntry[V any] struct {
	value    V
	storedAt time.Time
}

// NewHotCache creates a bounded hot cache with the given soft TTL.
func NewHotCache[V any](ttl time.Duration) *HotCache[V] {
	return &HotCache[V]{
		entries: make(map[string]hotEntry[V]),
		max:     defaultHotCacheSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock overrides the cache clock for tests.
func (c *HotCache[V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Put stores a value, evicting the stalest entry when the bound is hit.
func (c *HotCache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.max {
		c.evictOldestLocked()
	}
	c.entries[key] = hotEntry[V]{value: value, storedAt: c.now()}
}

// Get returns the cached value if present and within the soft TTL.
func (c *HotCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		return zero, false
	}
	return e.value, true
}

// Len returns the number of entries, expired or not.
func (c *HotCache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *HotCache[V]) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, e := range c.entries {
		if first || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.storedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
