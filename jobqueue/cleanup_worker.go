/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"context"
	"time"

	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/service"
)

// CleanupWorker removes expired terminal jobs on every run.
type CleanupWorker struct {
	queue     *Queue
	retention time.Duration
	logger    log.FieldLogger
}

var _ service.Worker = (*CleanupWorker)(nil)

// NewCleanupWorker creates a new CleanupWorker.
func NewCleanupWorker(queue *Queue, retention time.Duration, logger log.FieldLogger) *CleanupWorker {
	return &CleanupWorker{queue: queue, retention: retention, logger: logger}
}

// Run performs a single cleanup.
func (w *CleanupWorker) Run(ctx context.Context) error {
	removed, err := w.queue.Cleanup(ctx, w.retention)
	if err != nil {
		return err
	}
	if removed > 0 {
		w.logger.Info("expired jobs removed", log.Int("removed", removed), log.Duration("retention", w.retention))
	}
	return nil
}

// NewPeriodicCleanupWorker returns a worker that runs CleanupWorker at the configured interval.
func NewPeriodicCleanupWorker(queue *Queue, cfg CleanupConfig, logger log.FieldLogger) *service.PeriodicWorker {
	return service.NewPeriodicWorkerWithOpts(NewCleanupWorker(queue, cfg.Retention, logger), cfg.Interval, logger,
		service.PeriodicWorkerOpts{Name: "job-queue-cleanup", InitialDelay: cfg.Interval})
}
