/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package scheduler enqueues jobs on cron schedules.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/service"
)

const enqueueTimeout = 10 * time.Second

// ErrEntryNotFound is returned when there is no scheduled entry with the given name.
var ErrEntryNotFound = errors.New("scheduled entry not found")

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression ("0 3 * * *", with optional leading seconds field)
// or a descriptor ("@daily", "@every 15m").
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

// Enqueuer adds jobs to a queue. *jobqueue.Queue implements it.
type Enqueuer interface {
	Add(ctx context.Context, jobType string, payload json.RawMessage, opts jobqueue.AddOptions) (string, error)
}

// Entry describes a job enqueued on a schedule.
type Entry struct {
	Name     string
	Schedule string
	JobType  string
	Payload  json.RawMessage
	Priority jobqueue.Priority
}

// EntryInfo is the runtime state of a scheduled entry.
type EntryInfo struct {
	Name      string            `json:"name"`
	Schedule  string            `json:"schedule"`
	JobType   string            `json:"type"`
	Priority  jobqueue.Priority `json:"priority"`
	Next      *time.Time        `json:"next,omitempty"`
	Prev      *time.Time        `json:"prev,omitempty"`
	LastJobID string            `json:"lastJobId,omitempty"`
	LastError string            `json:"lastError,omitempty"`
}

type scheduledEntry struct {
	Entry
	id        cron.EntryID
	lastJobID string
	lastErr   string
}

// Opts contains optional parameters for constructing Scheduler.
type Opts struct {
	// Location is used to interpret schedules. UTC by default.
	Location *time.Location
}

// Scheduler is a service.Worker that runs cron entries until its context is cancelled.
type Scheduler struct {
	cron     *cron.Cron
	enqueuer Enqueuer
	logger   log.FieldLogger

	mu      sync.Mutex
	entries []*scheduledEntry
	byName  map[string]*scheduledEntry
	running bool
}

var _ service.Worker = (*Scheduler)(nil)

// New creates a new Scheduler. All entries are validated here, so Run cannot fail because of them.
func New(entries []Entry, enqueuer Enqueuer, logger log.FieldLogger, opts Opts) (*Scheduler, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	cronLogger := cronLoggerAdapter{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithParser(scheduleParser),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		enqueuer: enqueuer,
		logger:   logger,
		byName:   make(map[string]*scheduledEntry, len(entries)),
	}
	for i := range entries {
		if err := s.addEntry(entries[i]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) addEntry(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("entry name is required")
	}
	if _, dup := s.byName[e.Name]; dup {
		return fmt.Errorf("duplicate entry %q", e.Name)
	}
	if e.JobType == "" {
		return fmt.Errorf("entry %q: job type is required", e.Name)
	}
	priority, err := jobqueue.ParsePriority(string(e.Priority))
	if err != nil {
		return fmt.Errorf("entry %q: %w", e.Name, err)
	}
	e.Priority = priority
	if len(e.Payload) != 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("entry %q: payload is not valid JSON", e.Name)
	}
	schedule, err := ParseSchedule(e.Schedule)
	if err != nil {
		return fmt.Errorf("entry %q: parse schedule %q: %w", e.Name, e.Schedule, err)
	}
	se := &scheduledEntry{Entry: e}
	se.id = s.cron.Schedule(schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()
		_, _ = s.fire(ctx, se) // errors are logged and kept in the entry state
	}))
	s.entries = append(s.entries, se)
	s.byName[e.Name] = se
	return nil
}

// Run starts the cron loop and blocks until ctx is done. Enqueues in progress are awaited.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("job scheduler started", log.Int("entries", len(s.entries)))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("job scheduler stopped")

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Trigger enqueues the job of the named entry right away. The regular schedule is not affected.
func (s *Scheduler) Trigger(ctx context.Context, name string) (string, error) {
	se, ok := s.byName[name]
	if !ok {
		return "", ErrEntryNotFound
	}
	return s.fire(ctx, se)
}

// Entries returns the state of all entries in configuration order.
func (s *Scheduler) Entries() []EntryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]EntryInfo, 0, len(s.entries))
	for _, se := range s.entries {
		info := EntryInfo{
			Name:      se.Name,
			Schedule:  se.Schedule,
			JobType:   se.JobType,
			Priority:  se.Priority,
			LastJobID: se.lastJobID,
			LastError: se.lastErr,
		}
		if s.running {
			ce := s.cron.Entry(se.id)
			info.Next = nonZeroTime(ce.Next)
			info.Prev = nonZeroTime(ce.Prev)
		}
		infos = append(infos, info)
	}
	return infos
}

func (s *Scheduler) fire(ctx context.Context, se *scheduledEntry) (string, error) {
	jobID, err := s.enqueuer.Add(ctx, se.JobType, se.Payload, jobqueue.AddOptions{Priority: se.Priority})

	s.mu.Lock()
	if err != nil {
		se.lastErr = err.Error()
	} else {
		se.lastJobID, se.lastErr = jobID, ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("failed to enqueue scheduled job",
			log.String("entry", se.Name), log.String("job_type", se.JobType), log.Error(err))
		return "", err
	}
	s.logger.Info("scheduled job enqueued",
		log.String("entry", se.Name), log.String("job_type", se.JobType), log.String("job_id", jobID))
	return jobID, nil
}

func nonZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

type cronLoggerAdapter struct {
	logger log.FieldLogger
}

var _ cron.Logger = cronLoggerAdapter{}

func (a cronLoggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (a cronLoggerAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append(kvFields(keysAndValues), log.Error(err))...)
}

func kvFields(keysAndValues []interface{}) []log.Field {
	fields := make([]log.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, log.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
