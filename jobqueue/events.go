/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"sync"
	"time"
)

// EventType is a kind of job lifecycle event.
type EventType string

// Event types.
const (
	EventAdded     EventType = "added"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventRemoved   EventType = "removed"
)

// Event is published on every job state change.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Job  *Job      `json:"job"`
}

type eventBus struct {
	mu        sync.RWMutex
	nextID    uint64
	subs      map[uint64]chan Event
	onDropped func()
}

func newEventBus(onDropped func()) *eventBus {
	return &eventBus{subs: make(map[uint64]chan Event), onDropped: onDropped}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// publish never blocks, events are dropped for subscribers with a full buffer.
func (b *eventBus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.onDropped()
		}
	}
}

func (b *eventBus) subscribersCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
