/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package lrucache

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

type cacheEntry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

func (e *cacheEntry[K, V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// LRUCache is a concurrency-safe cache that holds at most maxEntries entries.
// Adding to a full cache evicts the least recently used entry.
type LRUCache[K comparable, V any] struct {
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	lruList *list.List
	entries map[K]*list.Element

	metrics MetricsCollector
}

// Options represents options for the cache.
type Options struct {
	// DefaultTTL is used by Add. Zero means entries never expire.
	// Expired entries are dropped lazily on access or by DeleteExpired.
	DefaultTTL time.Duration

	// Now is the time source for expiration. time.Now is used if nil.
	Now func() time.Time
}

// New creates a new LRUCache. metrics may be nil.
func New[K comparable, V any](maxEntries int, metrics MetricsCollector) (*LRUCache[K, V], error) {
	return NewWithOpts[K, V](maxEntries, metrics, Options{})
}

// NewWithOpts creates a new LRUCache with options. metrics may be nil.
func NewWithOpts[K comparable, V any](maxEntries int, metrics MetricsCollector, opts Options) (*LRUCache[K, V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("maxEntries must be greater than 0")
	}
	if opts.DefaultTTL < 0 {
		return nil, fmt.Errorf("defaultTTL must be greater or equal to 0 (no expiration)")
	}
	if metrics == nil {
		metrics = disabledMetrics{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LRUCache[K, V]{
		maxEntries: maxEntries,
		defaultTTL: opts.DefaultTTL,
		now:        opts.Now,
		lruList:    list.New(),
		entries:    make(map[K]*list.Element),
		metrics:    metrics,
	}, nil
}

// Get returns a not expired value and marks it as recently used.
func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, hit := c.entries[key]
	if !hit {
		c.metrics.IncMisses()
		return value, false
	}
	entry := elem.Value.(*cacheEntry[K, V])
	if entry.expired(c.now()) {
		c.removeElement(elem)
		c.metrics.SetAmount(len(c.entries))
		c.metrics.IncMisses()
		return value, false
	}
	c.lruList.MoveToFront(elem)
	c.metrics.IncHits()
	return entry.value, true
}

// Add stores a value with the default TTL.
func (c *LRUCache[K, V]) Add(key K, value V) {
	c.AddWithTTL(key, value, c.defaultTTL)
}

// AddWithTTL stores a value that expires after ttl. Zero ttl means no expiration.
func (c *LRUCache[K, V]) AddWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	entry := &cacheEntry[K, V]{key: key, value: value, expiresAt: expiresAt}

	if elem, ok := c.entries[key]; ok {
		elem.Value = entry
		c.lruList.MoveToFront(elem)
		return
	}
	c.entries[key] = c.lruList.PushFront(entry)
	if len(c.entries) > c.maxEntries {
		c.removeElement(c.lruList.Back())
		c.metrics.AddEvictions(1)
	}
	c.metrics.SetAmount(len(c.entries))
}

// Remove deletes the entry and reports whether it was present.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeElement(elem)
	c.metrics.SetAmount(len(c.entries))
	return true
}

// DeleteExpired drops all expired entries and returns how many were dropped.
func (c *LRUCache[K, V]) DeleteExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	deleted := 0
	for elem := c.lruList.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*cacheEntry[K, V]).expired(now) {
			c.removeElement(elem)
			deleted++
		}
		elem = prev
	}
	c.metrics.SetAmount(len(c.entries))
	return deleted
}

// Purge drops all entries. Dropped entries are not counted as evictions.
func (c *LRUCache[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*list.Element)
	c.lruList.Init()
	c.metrics.SetAmount(0)
}

// Len returns the number of entries including expired ones not yet dropped.
func (c *LRUCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *LRUCache[K, V]) removeElement(elem *list.Element) {
	c.lruList.Remove(elem)
	delete(c.entries, elem.Value.(*cacheEntry[K, V]).key)
}
