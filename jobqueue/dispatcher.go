/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/secureshare/secureshare/log"
)

const claimErrorDelay = time.Second

// ProcessNext executes the next eligible job synchronously.
// It returns false when there is no eligible job. The returned error is a store failure,
// a handler failure is recorded in the job and is not returned.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, err := q.claim(ctx)
	if err != nil || job == nil {
		return false, err
	}
	return true, q.execute(ctx, job)
}

// Run is the dispatcher loop. It selects eligible jobs by priority, then by creation time,
// then by enqueue order, and executes up to Concurrency of them at the same time.
// When ctx is done, Run stops picking jobs and waits for the running ones.
// Handlers are not interrupted by ctx, only by the per-job timeout.
func (q *Queue) Run(ctx context.Context) error {
	if !q.dispatching.CompareAndSwap(false, true) {
		return ErrDispatcherRunning
	}
	defer q.dispatching.Store(false)

	q.logger.Info("job dispatcher started", log.Int("concurrency", q.concurrency))
	defer q.logger.Info("job dispatcher stopped")

	jobCtx := context.WithoutCancel(ctx)
	slots := make(chan struct{}, q.concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		job, err := q.claim(jobCtx)
		if err != nil {
			<-slots
			q.logger.Error("failed to pick next job", log.Error(err))
			if !sleepCtx(ctx, claimErrorDelay) {
				return nil
			}
			continue
		}
		if job == nil {
			<-slots
			if !q.waitForJobs(ctx) {
				return nil
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer func() {
				<-slots
				wg.Done()
			}()
			if execErr := q.execute(jobCtx, job); execErr != nil {
				q.logger.Error("failed to save job result", log.String("job_id", job.ID), log.Error(execErr))
			}
		}()
	}
}

// Recover prepares the queue for a store that survived a restart.
// Jobs left running are failed with ErrInterruptedByRestart, pending ones become eligible for dispatching again.
func (q *Queue) Recover(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs, err := q.store.List(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	counts := make(map[Status]int, len(AllStatuses))
	var pending, interrupted int
	for _, job := range jobs {
		if job.Seq > q.seq {
			q.seq = job.Seq
		}
		switch job.Status {
		case StatusRunning:
			now := q.clock.Now()
			job.Status = StatusFailed
			job.Error = ErrInterruptedByRestart.Error()
			job.UpdatedAt = now
			job.FinishedAt = &now
			if err = q.store.Upsert(ctx, job); err != nil {
				return fmt.Errorf("store interrupted job %q: %w", job.ID, err)
			}
			q.publishLocked(EventFailed, job)
			interrupted++
		case StatusPending:
			q.pending.add(job)
			pending++
		}
		counts[job.Status]++
	}
	for _, st := range AllStatuses {
		q.metrics.SetJobs(st, counts[st])
	}
	q.notify()

	q.logger.Info("job queue recovered", log.Int("pending", pending), log.Int("interrupted", interrupted))
	return nil
}

// claim picks the next eligible job and marks it running.
func (q *Queue) claim(ctx context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for {
		entry, ok := q.pending.pop(now)
		if !ok {
			return nil, nil
		}
		job, err := q.store.Get(ctx, entry.id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			q.pending.restore(entry)
			return nil, fmt.Errorf("get job %q: %w", entry.id, err)
		}
		if job.Status != StatusPending {
			continue
		}
		job.Status = StatusRunning
		job.StartedAt = &now
		job.UpdatedAt = now
		if err = q.store.Upsert(ctx, job); err != nil {
			q.pending.restore(entry)
			return nil, fmt.Errorf("store job %q: %w", job.ID, err)
		}
		q.metrics.AddJobs(StatusPending, -1)
		q.metrics.AddJobs(StatusRunning, 1)
		q.publishLocked(EventStarted, job)
		return job, nil
	}
}

func (q *Queue) execute(ctx context.Context, job *Job) error {
	logger := q.logger.With(log.String("job_id", job.ID), log.String("job_type", job.Type))
	logger.Debug("job started")
	result, runErr := q.runHandler(ctx, job)
	return q.finish(ctx, job, result, runErr, logger)
}

func (q *Queue) runHandler(ctx context.Context, job *Job) (json.RawMessage, error) {
	handler, err := q.registry.Get(job.Type)
	if err != nil {
		return nil, err
	}
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}
	result, err := invokeHandler(ctx, handler, job.Clone())
	if err != nil {
		return nil, err
	}
	if len(result) != 0 && !json.Valid(result) {
		return nil, fmt.Errorf("handler returned invalid JSON result")
	}
	return result, nil
}

func invokeHandler(ctx context.Context, handler Handler, job *Job) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			stack := make([]byte, 8192)
			stack = stack[:runtime.Stack(stack, false)]
			err = &HandlerPanicError{Value: p, Stack: stack}
		}
	}()
	return handler.Handle(ctx, job)
}

func (q *Queue) finish(ctx context.Context, job *Job, result json.RawMessage, runErr error, logger log.FieldLogger) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	job.UpdatedAt = now
	job.FinishedAt = &now
	if runErr != nil {
		job.Status = StatusFailed
		job.Error = runErr.Error()
		job.Result = nil
	} else {
		job.Status = StatusCompleted
		job.Result = result
	}
	if err := q.store.Upsert(ctx, job); err != nil {
		return fmt.Errorf("store job %q: %w", job.ID, err)
	}

	runDuration := now.Sub(*job.StartedAt)
	q.metrics.AddJobs(StatusRunning, -1)
	q.metrics.AddJobs(job.Status, 1)
	q.metrics.ObserveFinished(job.Type, job.Status, runDuration)
	q.stats.finished(job.Type, job.Status, runDuration)

	if runErr == nil {
		q.publishLocked(EventCompleted, job)
		logger.Info("job completed", log.Duration("duration", runDuration))
		return nil
	}
	q.publishLocked(EventFailed, job)
	var panicErr *HandlerPanicError
	if errors.As(runErr, &panicErr) {
		logger.Error("job handler panicked", log.Error(runErr), log.String("stack", string(panicErr.Stack)))
	} else {
		logger.Warn("job failed", log.Error(runErr), log.Duration("duration", runDuration))
	}
	return nil
}

func (q *Queue) waitForJobs(ctx context.Context) bool {
	q.mu.Lock()
	runAt, delayed := q.pending.nextRunAt()
	q.mu.Unlock()

	var timerC <-chan time.Time
	if delayed {
		timer := time.NewTimer(runAt.Sub(q.clock.Now()))
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-q.wake:
	case <-timerC:
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
