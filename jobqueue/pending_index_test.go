/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingIndex(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	pi := newPendingIndex()
	add := func(id string, p Priority, runAt time.Time, seq uint64) {
		pi.add(&Job{ID: id, Priority: p, CreatedAt: now.Add(time.Duration(seq) * time.Millisecond), RunAt: runAt, Seq: seq})
	}
	add("low", PriorityLow, now, 1)
	add("normal-late", PriorityNormal, now.Add(time.Second), 2)
	add("normal", PriorityNormal, now, 3)
	add("high-delayed", PriorityHigh, now.Add(time.Minute), 4)
	add("cancelled", PriorityHigh, now, 5)
	add("low", PriorityHigh, now, 6) // duplicate ID is ignored
	require.Equal(t, 5, pi.len())

	require.True(t, pi.remove("cancelled"))
	require.False(t, pi.remove("cancelled"))

	var order []string
	for {
		e, ok := pi.pop(now.Add(time.Second))
		if !ok {
			break
		}
		order = append(order, e.id)
	}
	require.Equal(t, []string{"normal-late", "normal", "low"}, order, "delay does not change the place within a priority")

	runAt, ok := pi.nextRunAt()
	require.True(t, ok)
	require.Equal(t, now.Add(time.Minute), runAt)

	e, ok := pi.pop(now.Add(time.Minute))
	require.True(t, ok)
	require.Equal(t, "high-delayed", e.id)
	pi.restore(e)
	require.Equal(t, 1, pi.len())
	e, ok = pi.pop(now)
	require.True(t, ok, "restored entry stays eligible")
	require.Equal(t, "high-delayed", e.id)

	_, ok = pi.nextRunAt()
	require.False(t, ok)
}
