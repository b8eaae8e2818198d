/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package jobqueue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is a state of a job.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// TerminalStatuses lists statuses without outgoing transitions.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// ParseStatus parses a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo reports whether the job may move from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Priority defines the order in which eligible jobs are dispatched.
type Priority string

// Priorities.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority parses a priority name. Empty string means PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(s)); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidJob, s)
}

// Rank returns a number that is greater for more urgent priorities.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	}
	return 0
}

// Job is a unit of deferred work.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     Status          `json:"status"`
	Priority   Priority        `json:"priority"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	RunAt      time.Time       `json:"runAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	// Seq is the enqueue order within the queue.
	Seq uint64 `json:"-"`
}

// Clone returns a copy of the job that shares nothing mutable with the original.
func (j *Job) Clone() *Job {
	c := *j
	c.Payload = cloneBytes(j.Payload)
	c.Result = cloneBytes(j.Result)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func cloneBytes(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// AddOptions contains optional parameters of Queue.Add.
type AddOptions struct {
	Priority Priority
	// Delay postpones the eligibility of the job. RunAt = CreatedAt + Delay.
	Delay time.Duration
}

// Filter selects jobs in Store.List, Store.Count.
// Zero fields do not restrict the selection.
type Filter struct {
	Statuses []Status
	Type     string
	// UpdatedBefore keeps jobs with UpdatedAt strictly before it.
	UpdatedBefore time.Time
	Limit         int
}

// Match reports whether the job satisfies the filter (Limit is ignored).
func (f Filter) Match(job *Job) bool {
	if f.Type != "" && job.Type != f.Type {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if job.Status == st {
			return true
		}
	}
	return false
}
