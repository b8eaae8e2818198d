/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secureshare/secureshare/log"
)

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	logger := rec.With(log.String("job_id", "42"))
	logger.Info("job completed", log.Int("attempt", 1))
	logger.WithLevel(log.LevelWarn).Info("filtered out")
	rec.Errorf("job %s failed", "43")

	entries := rec.Entries()
	require.Len(t, entries, 2)

	entry, found := rec.FindEntry("job completed")
	require.True(t, found)
	require.Equal(t, log.LevelInfo, entry.Level)
	field, found := entry.FindField("job_id")
	require.True(t, found)
	require.Equal(t, "42", string(field.Bytes))

	entry, found = rec.FindEntry("job 43 failed")
	require.True(t, found)
	require.Equal(t, log.LevelError, entry.Level)

	rec.Reset()
	require.Empty(t, rec.Entries())
}
