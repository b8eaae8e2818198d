/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPolicy is returned for policies with a non-positive limit or window.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// ErrUnknownPolicy is returned by Registry for policy names that were never registered.
var ErrUnknownPolicy = errors.New("unknown rate limit policy")

// Policy is a named limit: at most Limit attempts per Window.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Validate checks that the policy can be enforced.
func (p Policy) Validate() error {
	if p.Limit <= 0 {
		return fmt.Errorf("%w %q: limit must be positive, got %d", ErrInvalidPolicy, p.Name, p.Limit)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w %q: window must be positive, got %s", ErrInvalidPolicy, p.Name, p.Window)
	}
	return nil
}

// Key returns the storage key of the identifier under this policy ("login:10.0.0.1").
func (p Policy) Key(identifier string) string {
	if p.Name == "" {
		return identifier
	}
	return p.Name + ":" + identifier
}

// Record is the state of a single fixed window.
type Record struct {
	Count       int
	WindowStart time.Time
}

// Result is the outcome of a single check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

// RetryAfter returns how long a denied caller has to wait. It is zero for allowed results.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !r.ResetTime.After(now) {
		return 0
	}
	return r.ResetTime.Sub(now)
}

// applyFixedWindow performs one fixed-window step on the record.
// The window restarts when there is no record or when it is over.
// A full window denies the attempt without counting it.
func applyFixedWindow(rec Record, found bool, policy Policy, now time.Time) (next Record, allowed bool, changed bool) {
	if !found || now.Sub(rec.WindowStart) >= policy.Window {
		rec = Record{Count: 0, WindowStart: now}
		changed = true
	}
	if rec.Count >= policy.Limit {
		return rec, false, changed
	}
	rec.Count++
	return rec, true, true
}

func makeResult(policy Policy, rec Record, allowed bool) Result {
	remaining := policy.Limit - rec.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   allowed,
		Limit:     policy.Limit,
		Remaining: remaining,
		ResetTime: rec.WindowStart.Add(policy.Window),
	}
}
