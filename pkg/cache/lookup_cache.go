// Package cache provides the bounded lookup cache used by the write-behind
// persister to translate logical element ids into system-of-record handles.
//
// Resolving an id against the SOR is a point query; the cache keeps the hot
// subset of those answers so replaying a commit usually touches the SOR only
// for the writes themselves.
//
// Features:
// - LRU eviction for bounded memory
// - TTL expiration so stale handles age out
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	c := cache.New[string, storage.Handle](10000, 10*time.Minute)
//
//	if h, ok := c.Get("v1"); ok {
//		return h // Cache hit
//	}
//
//	h := resolve("v1")
//	c.Put("v1", h)
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMaxSize is used when a non-positive capacity is requested.
const DefaultMaxSize = 1000

// LookupCache is a thread-safe LRU cache with per-entry TTL.
//
// Example:
//
//	c := cache.New[Key, storage.Handle](1000, 5*time.Minute)
//	c.Put(Key{Class: storage.ClassVertex, ID: "v1"}, handle)
//	h, ok := c.Get(Key{Class: storage.ClassVertex, ID: "v1"})
type LookupCache[K comparable, V any] struct {
	mu      sync.RWMutex
	lru     *expirable.LRU[K, V]
	maxSize int
	ttl     time.Duration
	enabled bool

	// Statistics
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a lookup cache.
//
// Parameters:
//   - maxSize: Maximum number of entries (LRU eviction when exceeded)
//   - ttl: Time-to-live for entries (0 = no expiration)
func New[K comparable, V any](maxSize int, ttl time.Duration) *LookupCache[K, V] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl < 0 {
		ttl = 0
	}
	return &LookupCache[K, V]{
		lru:     expirable.NewLRU[K, V](maxSize, nil, ttl),
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
	}
}

// Get returns the cached value if present and not expired.
func (c *LookupCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	enabled := c.enabled
	c.mu.RUnlock()

	if !enabled {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	v, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return v, false
	}
	c.hits.Add(1)
	return v, true
}

// Put adds or refreshes an entry. The least recently used entry is evicted
// when the cache is full.
func (c *LookupCache[K, V]) Put(key K, value V) {
	c.mu.RLock()
	enabled := c.enabled
	c.mu.RUnlock()

	if enabled {
		c.lru.Add(key, value)
	}
}

// Remove drops an entry.
func (c *LookupCache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// Clear removes all entries.
func (c *LookupCache[K, V]) Clear() {
	c.lru.Purge()
}

// Len returns the number of cached entries, expired ones included until
// they are swept.
func (c *LookupCache[K, V]) Len() int {
	return c.lru.Len()
}

// TTL returns the configured time-to-live.
func (c *LookupCache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Stats returns cache statistics.
func (c *LookupCache[K, V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Size    int     // Current number of entries
	MaxSize int     // Maximum capacity
	Hits    uint64  // Number of cache hits
	Misses  uint64  // Number of cache misses
	HitRate float64 // Hit rate percentage (0-100)
}

// SetEnabled enables or disables the cache. Disabling clears it.
func (c *LookupCache[K, V]) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled

	if !enabled {
		c.lru.Purge()
	}
}
