/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Handler executes jobs of a single type.
// The returned result is stored in Job.Result, a returned error fails the job.
// The context carries the per-job deadline, if any is configured, and handlers are expected to honor it.
type Handler interface {
	Handle(ctx context.Context, job *Job) (json.RawMessage, error)
}

// HandlerFunc is an adapter to allow the use of ordinary functions as Handler.
type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

// Handle calls f(ctx, job).
func (f HandlerFunc) Handle(ctx context.Context, job *Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Registry maps job types to their handlers. It's safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds (or replaces) the handler for the job type.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get returns the handler for the job type or *UnknownJobTypeError.
func (r *Registry) Get(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, &UnknownJobTypeError{JobType: jobType}
	}
	return h, nil
}

// Types returns registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
