/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package testutil contains helpers shared by tests of the repository packages.
package testutil

import (
	"sync"
	"time"
)

type tHelper interface {
	Helper()
}

// MockT records failures instead of stopping the test. It's used to test assertion helpers.
type MockT struct {
	Failed bool
	Format string
	Args   []interface{}
}

// FailNow marks the test as failed.
func (t *MockT) FailNow() {
	t.Failed = true
}

// Errorf records the failure message.
func (t *MockT) Errorf(format string, args ...interface{}) {
	t.Format, t.Args = format, args
}

// FakeClock is a manually advanced clock. It's safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a new FakeClock showing the given time.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to the given time.
func (c *FakeClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}
