/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package retry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/secureshare/secureshare/config"
)

var errBusy = errors.New("database is locked")

func TestDoWithRetry(t *testing.T) {
	t.Run("succeeds after transient errors", func(t *testing.T) {
		calls := 0
		var notified int
		err := DoWithRetry(context.Background(), NewConstantBackoffPolicy(time.Millisecond, 5), nil,
			func(error, time.Duration) { notified++ },
			func(ctx context.Context) error {
				calls++
				if calls < 3 {
					return errBusy
				}
				return nil
			})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
		require.Equal(t, 2, notified)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		calls := 0
		err := DoWithRetry(context.Background(), NewExponentialBackoffPolicy(time.Millisecond, 2), nil, nil,
			func(ctx context.Context) error {
				calls++
				return errBusy
			})
		require.ErrorIs(t, err, errBusy)
		require.Equal(t, 3, calls)
	})

	t.Run("not retryable error stops immediately", func(t *testing.T) {
		errConstraint := errors.New("constraint failed")
		calls := 0
		err := DoWithRetry(context.Background(), NewConstantBackoffPolicy(time.Millisecond, 5),
			func(err error) bool { return errors.Is(err, errBusy) }, nil,
			func(ctx context.Context) error {
				calls++
				return errConstraint
			})
		require.Equal(t, errConstraint, err)
		require.Equal(t, 1, calls)
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := DoWithRetry(ctx, NewConstantBackoffPolicy(time.Hour, 0), nil, nil,
			func(ctx context.Context) error { return errBusy })
		require.Error(t, err)
	})
}

func TestConfig(t *testing.T) {
	cfg := NewConfig("jobs.store.retry")
	err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(
		bytes.NewBufferString(`{"jobs":{"store":{"retry":{"maxAttempts":3}}}}`), config.DataTypeJSON, cfg)
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, cfg.InitialInterval)
	require.Equal(t, time.Second, cfg.MaxInterval)
	require.Equal(t, 3, cfg.Policy().MaxAttempts)
}
