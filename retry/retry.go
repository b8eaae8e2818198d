/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package retry runs operations against flaky backends (SQLite busy locks, Redis reconnects)
// with backoff policies built on cenkalti/backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable reports whether the error is transient.
type IsRetryable func(error) bool

// RetryableFunc is an operation that may be retried.
type RetryableFunc func(ctx context.Context) error

// Notify is called before every retry with the error and the upcoming delay.
type Notify = backoff.Notify

// Policy creates a fresh backoff for every DoWithRetry call.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// PolicyFunc is an adapter to allow the use of ordinary functions as Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// DoWithRetry calls fn until it succeeds, returns a not retryable error, the policy gives up or ctx is done.
// A nil isRetryable treats every error as retryable. notify may be nil.
func DoWithRetry(ctx context.Context, p Policy, isRetryable IsRetryable, notify Notify, fn RetryableFunc) error {
	b := backoff.WithContext(p.NewBackOff(), ctx)
	op := func() error {
		err := fn(ctx)
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, b, notify)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

// ExponentialBackoffPolicy retries up to maxAttempts times with delays growing from initialInterval.
type ExponentialBackoffPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxAttempts     int
}

// NewExponentialBackoffPolicy returns an exponential policy. Zero maxAttempts means retry until ctx is done.
func NewExponentialBackoffPolicy(initialInterval time.Duration, maxAttempts int) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{InitialInterval: initialInterval, MaxAttempts: maxAttempts}
}

// NewBackOff implements Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0
	return withMaxAttempts(eb, p.MaxAttempts)
}

// ConstantBackoffPolicy retries up to maxAttempts times with the same interval.
type ConstantBackoffPolicy struct {
	Interval    time.Duration
	MaxAttempts int
}

// NewConstantBackoffPolicy returns a constant policy. Zero maxAttempts means retry until ctx is done.
func NewConstantBackoffPolicy(interval time.Duration, maxAttempts int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{Interval: interval, MaxAttempts: maxAttempts}
}

// NewBackOff implements Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	return withMaxAttempts(backoff.NewConstantBackOff(p.Interval), p.MaxAttempts)
}

func withMaxAttempts(b backoff.BackOff, maxAttempts int) backoff.BackOff {
	if maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxAttempts))
	}
	b.Reset()
	return b
}
