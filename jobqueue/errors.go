/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"errors"
	"fmt"
)

// ErrJobNotFound is returned when a job with the given ID does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrQueueFull is returned by Queue.Add when the queue holds the maximum number of jobs
// and no expired terminal jobs could be pruned.
var ErrQueueFull = errors.New("job queue is full")

// ErrInvalidJob is returned by Queue.Add for malformed jobs (bad priority, negative delay, invalid JSON payload).
var ErrInvalidJob = errors.New("invalid job")

// ErrInvalidRetention is returned by Queue.Cleanup for a negative retention.
var ErrInvalidRetention = errors.New("retention cannot be negative")

// UnknownJobTypeError is returned when no handler is registered for a job type.
type UnknownJobTypeError struct {
	JobType string
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("no handler registered for job type %q", e.JobType)
}

// HandlerPanicError is recorded as the failure of a job whose handler panicked.
type HandlerPanicError struct {
	Value interface{}
	Stack []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// ErrInterruptedByRestart is recorded for jobs found running by Queue.Recover.
var ErrInterruptedByRestart = errors.New("interrupted by restart")

// ErrDispatcherRunning is returned by Queue.Run when another dispatcher loop is already running.
var ErrDispatcherRunning = errors.New("job dispatcher is already running")
