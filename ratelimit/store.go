/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"time"

	"github.com/secureshare/secureshare/lrucache"
)

// Store keeps fixed-window records by key.
type Store interface {
	Get(ctx context.Context, key string) (rec Record, found bool, err error)
	// Set stores the record. The store may forget it after ttl.
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// AtomicStore is a Store that can perform the whole fixed-window step in one atomic operation.
// FixedWindowLimiter doesn't take its per-key lock for such stores.
type AtomicStore interface {
	Store
	Increment(ctx context.Context, key string, policy Policy, now time.Time) (rec Record, allowed bool, err error)
}

// DefaultMemoryStoreMaxKeys bounds the number of tracked identifiers in MemoryStore.
const DefaultMemoryStoreMaxKeys = 100000

// MemoryStore is the process-local Store. It holds at most maxKeys records,
// evicting the least recently checked ones, and forgets every record when its window is over.
// An evicted record starts a fresh window on the next check.
type MemoryStore struct {
	cache *lrucache.LRUCache[string, Record]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore. Zero maxKeys means DefaultMemoryStoreMaxKeys.
// metrics may be nil.
func NewMemoryStore(maxKeys int, metrics lrucache.MetricsCollector, clock Clock) (*MemoryStore, error) {
	if maxKeys == 0 {
		maxKeys = DefaultMemoryStoreMaxKeys
	}
	if clock == nil {
		clock = SystemClock{}
	}
	cache, err := lrucache.NewWithOpts[string, Record](maxKeys, metrics, lrucache.Options{Now: clock.Now})
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cache: cache}, nil
}

// Get returns the record for the key.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	rec, ok := s.cache.Get(key)
	return rec, ok, nil
}

// Set stores the record for ttl.
func (s *MemoryStore) Set(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.cache.AddWithTTL(key, rec, ttl)
	return nil
}

// Delete removes the record.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	return s.cache.Len()
}

// DeleteExpired drops records whose window is over and returns their number.
func (s *MemoryStore) DeleteExpired(_ context.Context) int {
	return s.cache.DeleteExpired()
}
