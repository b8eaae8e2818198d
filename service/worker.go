/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/secureshare/secureshare/log"
)

// ErrPeriodicWorkerStop may be returned by the underlying worker to finish PeriodicWorker's loop.
var ErrPeriodicWorkerStop = errors.New("stop periodic worker")

// Worker performs some (usually long-running) work until ctx is done.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc is an adapter to allow the use of ordinary functions as Worker.
type WorkerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f WorkerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// PeriodicWorker runs the underlying worker again and again with a delay between runs.
// Errors of a single run are logged and do not stop the loop.
type PeriodicWorker struct {
	worker       Worker
	logger       log.FieldLogger
	initialDelay time.Duration
	interval     time.Duration
	intervalFunc func(err error) time.Duration
}

// PeriodicWorkerOpts contains optional parameters for constructing PeriodicWorker.
type PeriodicWorkerOpts struct {
	// Name is added to log messages.
	Name         string
	InitialDelay time.Duration
	// IntervalFunc, when set, computes the delay after each run from its result.
	IntervalFunc func(err error) time.Duration
}

// NewPeriodicWorker creates a PeriodicWorker with a constant interval.
func NewPeriodicWorker(worker Worker, interval time.Duration, logger log.FieldLogger) *PeriodicWorker {
	return NewPeriodicWorkerWithOpts(worker, interval, logger, PeriodicWorkerOpts{})
}

// NewPeriodicWorkerWithOpts creates a PeriodicWorker with optional parameters.
func NewPeriodicWorkerWithOpts(
	worker Worker, interval time.Duration, logger log.FieldLogger, opts PeriodicWorkerOpts,
) *PeriodicWorker {
	if opts.Name != "" {
		logger = logger.With(log.String("worker", opts.Name))
	}
	return &PeriodicWorker{
		worker:       worker,
		logger:       logger,
		initialDelay: opts.InitialDelay,
		interval:     interval,
		intervalFunc: opts.IntervalFunc,
	}
}

// Run runs the loop until ctx is done or the worker returns ErrPeriodicWorkerStop.
func (pw *PeriodicWorker) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			stack := make([]byte, 8192)
			stack = stack[:runtime.Stack(stack, false)]
			pw.logger.Error(fmt.Sprintf("panic: %+v", p), log.String("stack", string(stack)))
			panic(p)
		}
		pw.logger.Info("periodic worker stopped")
	}()

	pw.logger.Info("running periodic worker",
		log.Duration("initial_delay", pw.initialDelay), log.Duration("interval", pw.interval))

	timer := time.NewTimer(pw.initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		runErr := pw.worker.Run(ctx)
		if errors.Is(runErr, ErrPeriodicWorkerStop) {
			return nil
		}
		if runErr != nil {
			pw.logger.Error("periodic worker run failed", log.Error(runErr))
		}

		next := pw.interval
		if pw.intervalFunc != nil {
			next = pw.intervalFunc(runErr)
		}
		timer.Reset(next)
	}
}
