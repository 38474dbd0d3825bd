// Package cache provides a bounded in-memory cache with per-entry TTL.
package cache

import (
	"sync"
	"time"
)

// MemoryCache implements an in-memory cache with TTL support
type MemoryCache[K comparable, V any] struct {
	mu      sync.Mutex
	data    map[K]*cacheEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

// Option configures a MemoryCache
type Option[K comparable, V any] func(*MemoryCache[K, V])

// WithClock replaces time.Now
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(mc *MemoryCache[K, V]) { mc.now = now }
}

// NewMemoryCache creates a new in-memory cache. maxSize <= 0 means unbounded.
func NewMemoryCache[K comparable, V any](defaultTTL time.Duration, maxSize int, opts ...Option[K, V]) *MemoryCache[K, V] {
	mc := &MemoryCache[K, V]{
		data:    make(map[K]*cacheEntry[V]),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(mc)
	}
	return mc
}

// Set stores a value in the cache with TTL. A zero ttl uses the default.
func (mc *MemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}
	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.now()
	mc.data[key] = &cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}
}

// Get retrieves a value from the cache
func (mc *MemoryCache[K, V]) Get(key K) (V, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	entry, exists := mc.data[key]
	if !exists {
		var zero V
		return zero, false
	}
	if mc.now().After(entry.expiresAt) {
		delete(mc.data, key)
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Delete removes a value from the cache
func (mc *MemoryCache[K, V]) Delete(key K) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.data, key)
}

// Size returns the current number of entries in the cache
func (mc *MemoryCache[K, V]) Size() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.data)
}

// evictOldest removes the oldest entry. Caller holds mu.
func (mc *MemoryCache[K, V]) evictOldest() {
	var (
		oldestKey  K
		oldestTime time.Time
		found      bool
	)
	for key, entry := range mc.data {
		if !found || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
			found = true
		}
	}
	if found {
		delete(mc.data, oldestKey)
	}
}

// CleanupExpired removes expired entries and returns how many were dropped
func (mc *MemoryCache[K, V]) CleanupExpired() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	expired := 0
	for key, entry := range mc.data {
		if now.After(entry.expiresAt) {
			delete(mc.data, key)
			expired++
		}
	}
	return expired
}

// StartCleanup starts a goroutine to clean up expired entries.
// Returns a stop function that cancels it.
func (mc *MemoryCache[K, V]) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.CleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}
