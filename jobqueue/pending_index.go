/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"container/heap"
	"time"
)

type pendingEntry struct {
	id        string
	rank      int
	createdAt time.Time
	runAt     time.Time
	seq       uint64
	ready     bool
	index     int
}

type entryHeap struct {
	entries []*pendingEntry
	less    func(a, b *pendingEntry) bool
}

func (h *entryHeap) Len() int           { return len(h.entries) }
func (h *entryHeap) Less(i, j int) bool { return h.less(h.entries[i], h.entries[j]) }

func (h *entryHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].index = i
	h.entries[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	e := x.(*pendingEntry)
	e.index = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *entryHeap) Pop() interface{} {
	n := len(h.entries)
	e := h.entries[n-1]
	h.entries[n-1] = nil
	h.entries = h.entries[:n-1]
	e.index = -1
	return e
}

// pendingIndex orders pending jobs for dispatching.
// Jobs whose RunAt is in the future wait in the delayed heap (ordered by RunAt),
// eligible ones are in the ready heap (ordered by priority, CreatedAt, Seq).
// RunAt only decides eligibility, a delayed job keeps its place among jobs created after it.
// It's not safe for concurrent use.
type pendingIndex struct {
	byID    map[string]*pendingEntry
	ready   *entryHeap
	delayed *entryHeap
}

func newPendingIndex() *pendingIndex {
	return &pendingIndex{
		byID: make(map[string]*pendingEntry),
		ready: &entryHeap{less: func(a, b *pendingEntry) bool {
			if a.rank != b.rank {
				return a.rank > b.rank
			}
			if !a.createdAt.Equal(b.createdAt) {
				return a.createdAt.Before(b.createdAt)
			}
			return a.seq < b.seq
		}},
		delayed: &entryHeap{less: func(a, b *pendingEntry) bool {
			if !a.runAt.Equal(b.runAt) {
				return a.runAt.Before(b.runAt)
			}
			return a.seq < b.seq
		}},
	}
}

func (pi *pendingIndex) len() int {
	return len(pi.byID)
}

func (pi *pendingIndex) add(job *Job) {
	if _, ok := pi.byID[job.ID]; ok {
		return
	}
	e := &pendingEntry{id: job.ID, rank: job.Priority.Rank(), createdAt: job.CreatedAt, runAt: job.RunAt, seq: job.Seq}
	pi.byID[job.ID] = e
	heap.Push(pi.delayed, e)
}

func (pi *pendingIndex) remove(id string) bool {
	e, ok := pi.byID[id]
	if !ok {
		return false
	}
	delete(pi.byID, id)
	if e.ready {
		heap.Remove(pi.ready, e.index)
	} else {
		heap.Remove(pi.delayed, e.index)
	}
	return true
}

// promote moves jobs that became eligible at now into the ready heap.
func (pi *pendingIndex) promote(now time.Time) {
	for pi.delayed.Len() > 0 && !pi.delayed.entries[0].runAt.After(now) {
		e := heap.Pop(pi.delayed).(*pendingEntry)
		e.ready = true
		heap.Push(pi.ready, e)
	}
}

// pop removes and returns the next eligible entry.
func (pi *pendingIndex) pop(now time.Time) (*pendingEntry, bool) {
	pi.promote(now)
	if pi.ready.Len() == 0 {
		return nil, false
	}
	e := heap.Pop(pi.ready).(*pendingEntry)
	delete(pi.byID, e.id)
	return e, true
}

// restore puts back an entry returned by pop.
func (pi *pendingIndex) restore(e *pendingEntry) {
	if _, ok := pi.byID[e.id]; ok {
		return
	}
	pi.byID[e.id] = e
	e.ready = true
	heap.Push(pi.ready, e)
}

// nextRunAt returns the earliest RunAt among not yet eligible jobs.
func (pi *pendingIndex) nextRunAt() (time.Time, bool) {
	if pi.delayed.Len() == 0 {
		return time.Time{}, false
	}
	return pi.delayed.entries[0].runAt, true
}
