package cache

import (
	"sync"
	"time"
)

// CacheEntry represents a cached item with expiration
type CacheEntry[V any] struct {
	Value      V
	Expiration time.Time
}

// IsExpired checks if the cache entry has expired
func (e *CacheEntry[V]) IsExpired(now time.Time) bool {
	return now.After(e.Expiration)
}

// MemoryCache is a TTL cache keyed by string. The zero TTL disables caching:
// Set becomes a no-op and Get always misses.
type MemoryCache[V any] struct {
	items map[string]*CacheEntry[V]
	mutex sync.RWMutex
	ttl   time.Duration
	now   func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryCache creates a new memory cache and starts its sweeper. Call Close
// to stop the sweeper.
func NewMemoryCache[V any](ttl time.Duration) *MemoryCache[V] {
	c := &MemoryCache[V]{
		items: make(map[string]*CacheEntry[V]),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}

	if ttl > 0 {
		go c.cleanupExpired(sweepInterval(ttl))
	}

	return c
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return 5 * time.Minute
}

// Set stores a value in the cache
func (c *MemoryCache[V]) Set(key string, value V) {
	if c.ttl <= 0 {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.items[key] = &CacheEntry[V]{
		Value:      value,
		Expiration: c.now().Add(c.ttl),
	}
}

// Get retrieves a value from the cache
func (c *MemoryCache[V]) Get(key string) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.items[key]
	if !exists || entry.IsExpired(c.now()) {
		var zero V
		return zero, false
	}

	return entry.Value, true
}

// Delete removes a value from the cache
func (c *MemoryCache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	delete(c.items, key)
}

// Size returns the number of items in the cache, expired ones included until
// the next sweep.
func (c *MemoryCache[V]) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.items)
}

// Close stops the background sweeper.
func (c *MemoryCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// sweep removes expired entries.
func (c *MemoryCache[V]) sweep() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	for key, entry := range c.items {
		if entry.IsExpired(now) {
			delete(c.items, key)
		}
	}
}

// cleanupExpired removes expired entries periodically
func (c *MemoryCache[V]) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}
