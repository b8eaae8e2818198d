/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/secureshare/secureshare/testutil"
)

func newFakeClock() *testutil.FakeClock {
	return testutil.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
}

func newTestLimiter(t *testing.T, clock *testutil.FakeClock) (*FixedWindowLimiter, *MemoryStore) {
	t.Helper()
	store, err := NewMemoryStore(0, nil, clock)
	require.NoError(t, err)
	return NewFixedWindowLimiterWithOpts(store, FixedWindowLimiterOpts{Clock: clock}), store
}

func TestFixedWindowLimiter_Check(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, clock)
	policy := Policy{Name: "login", Limit: 5, Window: time.Minute}
	start := clock.Now()

	for _, wantRemaining := range []int{4, 3, 2, 1, 0} {
		res, err := limiter.Check(ctx, "ip1", policy)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.Equal(t, wantRemaining, res.Remaining)
		require.Equal(t, 5, res.Limit)
		require.Equal(t, start.Add(time.Minute), res.ResetTime)
		clock.Advance(time.Second)
	}

	res, err := limiter.Check(ctx, "ip1", policy)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, 0, res.Remaining)
	require.Equal(t, start.Add(time.Minute), res.ResetTime)
	require.Equal(t, 55*time.Second, res.RetryAfter(clock.Now()))
}

func TestFixedWindowLimiter_WindowReset(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	limiter, _ := newTestLimiter(t, clock)
	policy := Policy{Name: "login", Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		res, err := limiter.Check(ctx, "ip1", policy)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// Denied attempts are not counted and don't extend the window.
	for i := 0; i < 10; i++ {
		clock.Advance(5 * time.Second)
		res, err := limiter.Check(ctx, "ip1", policy)
		require.NoError(t, err)
		require.False(t, res.Allowed)
	}

	clock.Advance(9*time.Second + 999*time.Millisecond)
	res, err := limiter.Check(ctx, "ip1", policy)
	require.NoError(t, err)
	require.False(t, res.Allowed, "window is not over yet")

	clock.Advance(time.Millisecond)
	res, err = limiter.Check(ctx, "ip1", policy)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 1, res.Remaining)
	require.Equal(t, clock.Now().Add(time.Minute), res.ResetTime)
}

func TestFixedWindowLimiter_KeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, newFakeClock())
	login := Policy{Name: "login", Limit: 1, Window: time.Minute}
	upload := Policy{Name: "upload", Limit: 1, Window: time.Minute}

	res, err := limiter.Check(ctx, "ip1", login)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = limiter.Check(ctx, "ip2", login)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = limiter.Check(ctx, "ip1", upload)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = limiter.Check(ctx, "ip1", login)
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestFixedWindowLimiter_InvalidPolicy(t *testing.T) {
	limiter, store := newTestLimiter(t, newFakeClock())
	for _, policy := range []Policy{
		{Name: "zero-limit", Limit: 0, Window: time.Minute},
		{Name: "negative-limit", Limit: -1, Window: time.Minute},
		{Name: "zero-window", Limit: 5, Window: 0},
		{Name: "negative-window", Limit: 5, Window: -time.Second},
	} {
		_, err := limiter.Check(context.Background(), "ip1", policy)
		require.ErrorIs(t, err, ErrInvalidPolicy, policy.Name)
	}
	require.Equal(t, 0, store.Len())
}

func TestFixedWindowLimiter_Concurrency(t *testing.T) {
	limiter, _ := newTestLimiter(t, newFakeClock())
	policy := Policy{Name: "upload", Limit: 50, Window: time.Hour}

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Check(context.Background(), "ip1", policy)
			if assert.NoError(t, err) && res.Allowed {
				allowed.Inc()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(50), allowed.Load())
}

func TestFixedWindowLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	limiter, _ := newTestLimiter(t, newFakeClock())
	policy := Policy{Name: "login", Limit: 1, Window: time.Minute}

	_, err := limiter.Check(ctx, "ip1", policy)
	require.NoError(t, err)
	res, err := limiter.Check(ctx, "ip1", policy)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	require.NoError(t, limiter.Reset(ctx, "ip1", policy))
	res, err = limiter.Check(ctx, "ip1", policy)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

type failingStore struct {
	MemoryStore
	err error
}

func (s *failingStore) Get(context.Context, string) (Record, bool, error) {
	return Record{}, false, s.err
}

func TestFixedWindowLimiter_StoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	metrics := NewPrometheusMetrics()
	limiter := NewFixedWindowLimiterWithOpts(&failingStore{err: storeErr}, FixedWindowLimiterOpts{Metrics: metrics})

	_, err := limiter.Check(context.Background(), "ip1", Policy{Name: "login", Limit: 5, Window: time.Minute})
	require.ErrorIs(t, err, storeErr)
	require.Equal(t, 1.0, promtest.ToFloat64(metrics.StoreErrorsTotal.WithLabelValues("login")))
	require.Equal(t, 0, promtest.CollectAndCount(metrics.DecisionsTotal))
}

func TestFixedWindowLimiter_Metrics(t *testing.T) {
	clock := newFakeClock()
	store, err := NewMemoryStore(0, nil, clock)
	require.NoError(t, err)
	metrics := NewPrometheusMetrics()
	limiter := NewFixedWindowLimiterWithOpts(store, FixedWindowLimiterOpts{Clock: clock, Metrics: metrics})
	policy := Policy{Name: "signup", Limit: 2, Window: time.Hour}

	for i := 0; i < 3; i++ {
		_, err = limiter.Check(context.Background(), "ip1", policy)
		require.NoError(t, err)
	}
	require.Equal(t, 2.0, promtest.ToFloat64(metrics.DecisionsTotal.WithLabelValues("signup", "allowed")))
	require.Equal(t, 1.0, promtest.ToFloat64(metrics.DecisionsTotal.WithLabelValues("signup", "denied")))
}

func TestPolicy_Key(t *testing.T) {
	require.Equal(t, "login:ip1", Policy{Name: "login"}.Key("ip1"))
	require.Equal(t, "ip1:login", Policy{}.Key("ip1:login"))
}

func TestResult_RetryAfter(t *testing.T) {
	now := time.Now()
	require.Zero(t, Result{Allowed: true, ResetTime: now.Add(time.Minute)}.RetryAfter(now))
	require.Zero(t, Result{Allowed: false, ResetTime: now.Add(-time.Second)}.RetryAfter(now))
	require.Equal(t, time.Minute, Result{Allowed: false, ResetTime: now.Add(time.Minute)}.RetryAfter(now))
}
