/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"context"
	"sort"
	"sync"
)

// Store persists job records. Implementations must be safe for concurrent use.
// Get returns ErrJobNotFound for unknown IDs, List returns jobs ordered by Seq.
// Returned jobs must not share memory with the stored ones.
type Store interface {
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, filter Filter) ([]*Job, error)
	Upsert(ctx context.Context, job *Job) error
	Delete(ctx context.Context, ids ...string) (int, error)
	Count(ctx context.Context, filter Filter) (int, error)
}

// MemoryStore is a Store that keeps jobs in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Get returns a copy of the job.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns copies of jobs matching the filter.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Job, error) {
	s.mu.RLock()
	var jobs []*Job
	for _, job := range s.jobs {
		if filter.Match(job) {
			jobs = append(jobs, job.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Seq < jobs[j].Seq })
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// Upsert stores a copy of the job.
func (s *MemoryStore) Upsert(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Delete removes jobs and returns the number of removed ones.
func (s *MemoryStore) Delete(_ context.Context, ids ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// Count returns the number of jobs matching the filter.
func (s *MemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(filter.Statuses) == 0 && filter.Type == "" && filter.UpdatedBefore.IsZero() {
		return len(s.jobs), nil
	}
	n := 0
	for _, job := range s.jobs {
		if filter.Match(job) {
			n++
		}
	}
	return n, nil
}
