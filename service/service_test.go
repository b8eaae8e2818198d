/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secureshare/secureshare/log/logtest"
)

func TestService_StartContext(t *testing.T) {
	t.Run("stopped by signal", func(t *testing.T) {
		unit := newMockUnit(nil, nil)
		svc := New(logtest.NewRecorder(), unit)
		svc.Signals <- syscall.SIGTERM
		require.NoError(t, svc.Start())
		require.True(t, unit.gracefully.Load())
		require.EqualValues(t, 0, unit.registered.Load())
	})

	t.Run("stopped by context", func(t *testing.T) {
		unit := newMockUnit(nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.NoError(t, NewWithOpts(logtest.NewRecorder(), unit, Opts{}).StartContext(ctx))
		require.EqualValues(t, 1, unit.stopped.Load())
	})

	t.Run("fatal error", func(t *testing.T) {
		startErr := errors.New("boom")
		err := NewWithOpts(logtest.NewRecorder(), newMockUnit(startErr, nil), Opts{}).StartContext(context.Background())
		require.ErrorIs(t, err, startErr)
	})
}
