/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package jobqueue provides an in-process queue of deferred jobs with a priority+FIFO dispatcher.
//
// Jobs are created pending by Queue.Add and executed by handlers registered per job type.
// A job moves pending -> running -> completed|failed, or pending -> cancelled; completed, failed
// and cancelled are terminal. There are no automatic retries: a failed job stays failed and the caller
// re-enqueues a fresh one if needed. Running jobs cannot be preempted, Queue.Cancel only prevents a start.
//
// The dispatcher (Queue.Run) picks the eligible pending job with the highest priority,
// ties are broken by the earliest CreatedAt and then by enqueue order. A delay only postpones eligibility,
// so a delayed job still runs before a same-priority job created after it.
// Queue.ProcessNext executes exactly one job synchronously and is meant for deterministic tests and tools.
//
// Job records live in a Store. MemoryStore is the default and loses everything on restart,
// sqlitestore keeps jobs across restarts and Queue.Recover fails the ones interrupted while running.
package jobqueue
