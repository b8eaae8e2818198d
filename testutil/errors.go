/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"time"

	"github.com/stretchr/testify/require"
)

// RequireNoErrorInChannel asserts that there is no error in buffered channel.
func RequireNoErrorInChannel(t require.TestingT, c <-chan error, msgAndArgs ...interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	var err error
	select {
	case err = <-c:
	default:
	}
	require.NoError(t, err, msgAndArgs...)
}

// RequireErrorInChannel waits for an error in the channel for the given time.
func RequireErrorInChannel(t require.TestingT, c <-chan error, timeout time.Duration, msgAndArgs ...interface{}) error {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	select {
	case err := <-c:
		require.Error(t, err, msgAndArgs...)
		return err
	case <-time.After(timeout):
		require.FailNow(t, "no error in channel", msgAndArgs...)
		return nil
	}
}
