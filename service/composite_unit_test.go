/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type mockUnit struct {
	startErr   error
	stopErr    error
	stop       chan struct{}
	started    atomic.Int32
	stopped    atomic.Int32
	gracefully atomic.Bool
	registered atomic.Int32
}

func newMockUnit(startErr, stopErr error) *mockUnit {
	return &mockUnit{startErr: startErr, stopErr: stopErr, stop: make(chan struct{})}
}

func (u *mockUnit) Start(fatalErr chan<- error) {
	u.started.Inc()
	if u.startErr != nil {
		fatalErr <- u.startErr
		return
	}
	<-u.stop
}

func (u *mockUnit) Stop(gracefully bool) error {
	if u.stopped.Inc() == 1 {
		close(u.stop)
	}
	u.gracefully.Store(gracefully)
	return u.stopErr
}

func (u *mockUnit) MustRegisterMetrics() { u.registered.Inc() }
func (u *mockUnit) UnregisterMetrics()   { u.registered.Dec() }

func TestCompositeUnit(t *testing.T) {
	t.Run("start and stop", func(t *testing.T) {
		u1, u2 := newMockUnit(nil, nil), newMockUnit(nil, nil)
		cu := NewCompositeUnit(u1, u2)
		fatalErr := make(chan error, 1)
		done := make(chan struct{})
		go func() {
			cu.Start(fatalErr)
			close(done)
		}()
		require.Eventually(t, func() bool { return u1.started.Load() == 1 && u2.started.Load() == 1 }, time.Second, time.Millisecond)
		require.NoError(t, cu.Stop(true))
		<-done
		require.Empty(t, fatalErr)
		require.True(t, u1.gracefully.Load())
		require.True(t, u2.gracefully.Load())
	})

	t.Run("fatal error stops other units", func(t *testing.T) {
		startErr := errors.New("listen tcp: address in use")
		stopErr := errors.New("flush failed")
		failing, running := newMockUnit(startErr, nil), newMockUnit(nil, stopErr)
		cu := NewCompositeUnit(failing, running)
		fatalErr := make(chan error, 1)
		cu.Start(fatalErr)

		err := <-fatalErr
		var cuErr *CompositeUnitError
		require.ErrorAs(t, err, &cuErr)
		require.ErrorIs(t, err, startErr)
		require.ErrorIs(t, err, stopErr)
		require.EqualValues(t, 1, running.stopped.Load())
		require.False(t, running.gracefully.Load())
	})

	t.Run("metrics", func(t *testing.T) {
		u1, u2 := newMockUnit(nil, nil), newMockUnit(nil, nil)
		cu := NewCompositeUnit(u1, u2)
		cu.MustRegisterMetrics()
		require.EqualValues(t, 1, u1.registered.Load())
		require.EqualValues(t, 1, u2.registered.Load())
		cu.UnregisterMetrics()
		require.EqualValues(t, 0, u1.registered.Load())
	})
}
