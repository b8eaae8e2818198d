/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/secureshare/secureshare/log"
)

// DefaultMaxJobs is the default maximum number of jobs (in any status) kept by the queue.
const DefaultMaxJobs = 10000

// Opts contains optional parameters for constructing Queue.
type Opts struct {
	// Store keeps job records. MemoryStore is used if nil.
	Store Store
	// Clock is the source of time for job timestamps and delays. System UTC clock is used if nil.
	Clock   Clock
	Metrics MetricsCollector
	// Concurrency is the number of jobs Run executes at the same time. Defaults to 1.
	Concurrency int
	// MaxJobs bounds the number of stored jobs. Zero means DefaultMaxJobs, negative means unbounded.
	MaxJobs int
	// JobTimeout, when positive, is the deadline of the context passed to handlers.
	JobTimeout time.Duration
	// PruneRetention is used to remove old terminal jobs when the queue is full.
	PruneRetention time.Duration
}

// Queue accepts jobs and drives them to completion by the registered handlers.
// Every state transition is done under a single lock, so concurrent Add, Cancel, Cleanup
// and dispatching never interleave within one transition.
type Queue struct {
	registry       *Registry
	store          Store
	clock          Clock
	logger         log.FieldLogger
	metrics        MetricsCollector
	concurrency    int
	maxJobs        int
	jobTimeout     time.Duration
	pruneRetention time.Duration

	mu      sync.Mutex
	pending *pendingIndex
	seq     uint64

	wake        chan struct{}
	dispatching atomic.Bool
	events      *eventBus
	stats       *statsCollector
}

// New creates a new Queue.
// Queue.Recover should be called before Run when the store may already contain jobs.
func New(registry *Registry, logger log.FieldLogger, opts Opts) *Queue {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = disabledMetrics{}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxJobs == 0 {
		opts.MaxJobs = DefaultMaxJobs
	}
	q := &Queue{
		registry:       registry,
		store:          opts.Store,
		clock:          opts.Clock,
		logger:         logger,
		metrics:        opts.Metrics,
		concurrency:    opts.Concurrency,
		maxJobs:        opts.MaxJobs,
		jobTimeout:     opts.JobTimeout,
		pruneRetention: opts.PruneRetention,
		pending:        newPendingIndex(),
		wake:           make(chan struct{}, 1),
		stats:          newStatsCollector(),
	}
	q.events = newEventBus(q.metrics.IncEventsDropped)
	return q
}

// Add creates a pending job and returns its ID. It never waits for the job execution.
func (q *Queue) Add(ctx context.Context, jobType string, payload json.RawMessage, opts AddOptions) (string, error) {
	if _, err := q.registry.Get(jobType); err != nil {
		return "", err
	}
	priority, err := ParsePriority(string(opts.Priority))
	if err != nil {
		return "", err
	}
	if opts.Delay < 0 {
		return "", fmt.Errorf("%w: delay cannot be negative", ErrInvalidJob)
	}
	if len(payload) != 0 && !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidJob)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxJobs > 0 {
		if err = q.ensureCapacityLocked(ctx); err != nil {
			return "", err
		}
	}

	now := q.clock.Now()
	job := &Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   cloneBytes(payload),
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
		RunAt:     now.Add(opts.Delay),
		Seq:       q.seq + 1,
	}
	if err = q.store.Upsert(ctx, job); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	q.seq++
	q.pending.add(job)

	q.metrics.IncEnqueued(jobType)
	q.metrics.AddJobs(StatusPending, 1)
	q.stats.enqueued(jobType)
	q.publishLocked(EventAdded, job)
	q.notify()

	q.logger.Debug("job added", log.String("job_id", job.ID), log.String("job_type", jobType),
		log.String("priority", string(priority)), log.Duration("delay", opts.Delay))
	return job.ID, nil
}

func (q *Queue) ensureCapacityLocked(ctx context.Context) error {
	n, err := q.store.Count(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	if n < q.maxJobs {
		return nil
	}
	removed, err := q.cleanupLocked(ctx, q.pruneRetention)
	if err != nil {
		return err
	}
	if n-removed >= q.maxJobs {
		return ErrQueueFull
	}
	q.logger.Info("pruned terminal jobs to free queue capacity", log.Int("removed", removed))
	return nil
}

// Get returns the job or ErrJobNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// ListByStatus returns jobs with the status ordered by creation.
func (q *Queue) ListByStatus(ctx context.Context, status Status) ([]*Job, error) {
	return q.store.List(ctx, Filter{Statuses: []Status{status}})
}

// ListByType returns jobs of the type ordered by creation.
func (q *Queue) ListByType(ctx context.Context, jobType string) ([]*Job, error) {
	return q.store.List(ctx, Filter{Type: jobType})
}

// Cancel moves a pending job to cancelled and returns true.
// For a job in any other status it returns false and changes nothing.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get job %q: %w", id, err)
	}
	if !job.Status.CanTransitionTo(StatusCancelled) {
		return false, nil
	}
	now := q.clock.Now()
	job.Status = StatusCancelled
	job.UpdatedAt = now
	job.FinishedAt = &now
	if err = q.store.Upsert(ctx, job); err != nil {
		return false, fmt.Errorf("store job: %w", err)
	}
	q.pending.remove(id)

	q.metrics.AddJobs(StatusPending, -1)
	q.metrics.AddJobs(StatusCancelled, 1)
	q.stats.cancelled(job.Type)
	q.publishLocked(EventCancelled, job)

	q.logger.Info("job cancelled", log.String("job_id", id), log.String("job_type", job.Type))
	return true, nil
}

// Cleanup removes terminal jobs older than retention (UpdatedAt < now - retention) and returns their number.
// Pending and running jobs are never removed.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if retention < 0 {
		return 0, fmt.Errorf("%w: %s", ErrInvalidRetention, retention)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cleanupLocked(ctx, retention)
}

func (q *Queue) cleanupLocked(ctx context.Context, retention time.Duration) (int, error) {
	threshold := q.clock.Now().Add(-retention)
	jobs, err := q.store.List(ctx, Filter{Statuses: TerminalStatuses, UpdatedBefore: threshold})
	if err != nil {
		return 0, fmt.Errorf("list expired jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	removed, err := q.store.Delete(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	for _, job := range jobs {
		q.metrics.AddJobs(job.Status, -1)
		q.publishLocked(EventRemoved, job)
	}
	q.stats.removed(removed)
	return removed, nil
}

// QueueStatus is a point-in-time summary of the queue.
type QueueStatus struct {
	Total             int            `json:"total"`
	ByStatus          map[Status]int `json:"byStatus"`
	ByType            map[string]int `json:"byType"`
	DispatcherRunning bool           `json:"dispatcherRunning"`
	Concurrency       int            `json:"concurrency"`
	MaxJobs           int            `json:"maxJobs"`
	Subscribers       int            `json:"subscribers"`
}

// Status returns counts of jobs by status and type. It doesn't change any state.
func (q *Queue) Status(ctx context.Context) (QueueStatus, error) {
	jobs, err := q.store.List(ctx, Filter{})
	if err != nil {
		return QueueStatus{}, fmt.Errorf("list jobs: %w", err)
	}
	st := QueueStatus{
		Total:             len(jobs),
		ByStatus:          make(map[Status]int, len(AllStatuses)),
		ByType:            make(map[string]int),
		DispatcherRunning: q.dispatching.Load(),
		Concurrency:       q.concurrency,
		MaxJobs:           q.maxJobs,
		Subscribers:       q.events.subscribersCount(),
	}
	for _, s := range AllStatuses {
		st.ByStatus[s] = 0
	}
	for _, job := range jobs {
		st.ByStatus[job.Status]++
		st.ByType[job.Type]++
	}
	return st, nil
}

// Metrics returns counters accumulated since the queue was created.
func (q *Queue) Metrics() QueueMetrics {
	return q.stats.snapshot()
}

// Subscribe returns a channel of job events and a function that cancels the subscription.
// Events are dropped when the channel buffer is full.
func (q *Queue) Subscribe(buffer int) (<-chan Event, func()) {
	return q.events.subscribe(buffer)
}

func (q *Queue) publishLocked(eventType EventType, job *Job) {
	q.events.publish(Event{Type: eventType, Time: q.clock.Now(), Job: job.Clone()})
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
