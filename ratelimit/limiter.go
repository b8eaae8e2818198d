/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Limiter decides whether an attempt of the identifier is allowed under the policy.
type Limiter interface {
	Check(ctx context.Context, identifier string, policy Policy) (Result, error)
}

const keyLockShards = 256

// FixedWindowLimiter counts attempts per key in fixed windows that start at the first attempt.
type FixedWindowLimiter struct {
	store   Store
	clock   Clock
	metrics MetricsCollector
	locks   [keyLockShards]sync.Mutex
}

var _ Limiter = (*FixedWindowLimiter)(nil)

// FixedWindowLimiterOpts represents options for FixedWindowLimiter.
type FixedWindowLimiterOpts struct {
	Clock   Clock
	Metrics MetricsCollector
}

// NewFixedWindowLimiter creates a new FixedWindowLimiter on top of the store.
func NewFixedWindowLimiter(store Store) *FixedWindowLimiter {
	return NewFixedWindowLimiterWithOpts(store, FixedWindowLimiterOpts{})
}

// NewFixedWindowLimiterWithOpts creates a new FixedWindowLimiter with the given options.
func NewFixedWindowLimiterWithOpts(store Store, opts FixedWindowLimiterOpts) *FixedWindowLimiter {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = disabledMetrics{}
	}
	return &FixedWindowLimiter{store: store, clock: opts.Clock, metrics: opts.Metrics}
}

// Check records an attempt of the identifier and reports whether it is within the policy.
// A denied attempt is not counted.
func (l *FixedWindowLimiter) Check(ctx context.Context, identifier string, policy Policy) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}
	key := policy.Key(identifier)
	now := l.clock.Now()

	var rec Record
	var allowed bool
	var err error
	if atomicStore, ok := l.store.(AtomicStore); ok {
		rec, allowed, err = atomicStore.Increment(ctx, key, policy, now)
	} else {
		rec, allowed, err = l.checkLocked(ctx, key, policy, now)
	}
	if err != nil {
		l.metrics.IncStoreErrors(policy.Name)
		return Result{}, fmt.Errorf("check rate limit for key %q: %w", key, err)
	}
	l.metrics.IncDecisions(policy.Name, allowed)
	return makeResult(policy, rec, allowed), nil
}

func (l *FixedWindowLimiter) checkLocked(ctx context.Context, key string, policy Policy, now time.Time) (Record, bool, error) {
	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	rec, found, err := l.store.Get(ctx, key)
	if err != nil {
		return Record{}, false, fmt.Errorf("get record: %w", err)
	}
	rec, allowed, changed := applyFixedWindow(rec, found, policy, now)
	if changed {
		ttl := rec.WindowStart.Add(policy.Window).Sub(now)
		if err = l.store.Set(ctx, key, rec, ttl); err != nil {
			return Record{}, false, fmt.Errorf("set record: %w", err)
		}
	}
	return rec, allowed, nil
}

// Reset forgets the counter of the identifier under the policy.
func (l *FixedWindowLimiter) Reset(ctx context.Context, identifier string, policy Policy) error {
	key := policy.Key(identifier)
	mu := l.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("reset rate limit for key %q: %w", key, err)
	}
	return nil
}

func (l *FixedWindowLimiter) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.locks[h.Sum32()%keyLockShards]
}
