/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
)

// GCRALimiter implements GCRA (Generic Cell Rate Algorithm), a leaky bucket variant.
// Unlike FixedWindowLimiter it spreads Limit attempts evenly over Window, allowing Burst extra attempts at once.
// The quota is fixed at construction, so Check uses only the name of the passed policy.
// The GCRA state is kept in process memory, even when fixed window counters are shared via Redis.
type GCRALimiter struct {
	policy  Policy
	limiter *throttled.GCRARateLimiterCtx
	metrics MetricsCollector
	clock   Clock
}

var _ Limiter = (*GCRALimiter)(nil)

// GCRALimiterOpts represents options for NewGCRALimiterWithOpts.
type GCRALimiterOpts struct {
	// Burst is the number of attempts allowed at once on top of the steady rate.
	Burst int
	// MaxKeys bounds the number of tracked identifiers, zero means DefaultMemoryStoreMaxKeys.
	MaxKeys int
	Metrics MetricsCollector
	// Clock is used for ResetTime in results.
	Clock Clock
}

// NewGCRALimiter creates a new GCRALimiter for the policy with no burst.
func NewGCRALimiter(policy Policy) (*GCRALimiter, error) {
	return NewGCRALimiterWithOpts(policy, GCRALimiterOpts{})
}

// NewGCRALimiterWithOpts creates a new GCRALimiter for the policy with the given options.
func NewGCRALimiterWithOpts(policy Policy, opts GCRALimiterOpts) (*GCRALimiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Burst < 0 {
		return nil, fmt.Errorf("%w %q: burst must not be negative, got %d", ErrInvalidPolicy, policy.Name, opts.Burst)
	}
	if opts.MaxKeys == 0 {
		opts.MaxKeys = DefaultMemoryStoreMaxKeys
	}
	if opts.Metrics == nil {
		opts.Metrics = disabledMetrics{}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	gcraStore, err := memstore.NewCtx(opts.MaxKeys)
	if err != nil {
		return nil, fmt.Errorf("new in-memory store: %w", err)
	}
	quota := throttled.RateQuota{
		MaxRate:  throttled.PerDuration(policy.Limit, policy.Window),
		MaxBurst: opts.Burst,
	}
	gcraLimiter, err := throttled.NewGCRARateLimiterCtx(gcraStore, quota)
	if err != nil {
		return nil, fmt.Errorf("new GCRA rate limiter: %w", err)
	}
	return &GCRALimiter{policy: policy, limiter: gcraLimiter, metrics: opts.Metrics, clock: opts.Clock}, nil
}

// Check records an attempt of the identifier.
func (l *GCRALimiter) Check(ctx context.Context, identifier string, _ Policy) (Result, error) {
	key := l.policy.Key(identifier)
	limited, res, err := l.limiter.RateLimitCtx(ctx, key, 1)
	if err != nil {
		l.metrics.IncStoreErrors(l.policy.Name)
		return Result{}, fmt.Errorf("check rate limit for key %q: %w", key, err)
	}
	l.metrics.IncDecisions(l.policy.Name, !limited)
	now := l.clock.Now()
	resetTime := now.Add(res.ResetAfter)
	if limited && res.RetryAfter > 0 {
		resetTime = now.Add(res.RetryAfter)
	}
	return Result{Allowed: !limited, Limit: res.Limit, Remaining: res.Remaining, ResetTime: resetTime}, nil
}
