/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package sqlitestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log/logtest"
	"github.com/secureshare/secureshare/retry"
	"github.com/secureshare/secureshare/testutil"
)

type StoreTestSuite struct {
	suite.Suite
	store *Store
	now   time.Time
}

func TestStore(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func (s *StoreTestSuite) SetupTest() {
	var err error
	s.store, err = Open(context.Background(), ":memory:", Opts{
		RetryPolicy: retry.NewConstantBackoffPolicy(time.Millisecond, 3),
		Logger:      logtest.NewLogger(),
	})
	s.Require().NoError(err)
	s.now = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
}

func (s *StoreTestSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *StoreTestSuite) newJob(id string, status jobqueue.Status, seq uint64) *jobqueue.Job {
	return &jobqueue.Job{
		ID:        id,
		Type:      "file-compression",
		Payload:   json.RawMessage(`{"path":"blobs/a.enc"}`),
		Status:    status,
		Priority:  jobqueue.PriorityNormal,
		CreatedAt: s.now,
		UpdatedAt: s.now,
		RunAt:     s.now.Add(time.Minute),
		Seq:       seq,
	}
}

func (s *StoreTestSuite) TestUpsertAndGet() {
	ctx := context.Background()
	job := s.newJob("job-1", jobqueue.StatusPending, 1)
	s.Require().NoError(s.store.Upsert(ctx, job))

	got, err := s.store.Get(ctx, "job-1")
	s.Require().NoError(err)
	s.Require().Equal(job, got)

	started := s.now.Add(time.Minute)
	finished := started.Add(1500 * time.Millisecond)
	job.Status = jobqueue.StatusCompleted
	job.StartedAt = &started
	job.FinishedAt = &finished
	job.UpdatedAt = finished
	job.Result = json.RawMessage(`{"ratio":0.5}`)
	s.Require().NoError(s.store.Upsert(ctx, job))

	got, err = s.store.Get(ctx, "job-1")
	s.Require().NoError(err)
	s.Require().Equal(job, got)

	_, err = s.store.Get(ctx, "missing")
	s.Require().ErrorIs(err, jobqueue.ErrJobNotFound)
}

func (s *StoreTestSuite) TestListCountDelete() {
	ctx := context.Background()
	statuses := []jobqueue.Status{
		jobqueue.StatusPending, jobqueue.StatusCompleted, jobqueue.StatusFailed, jobqueue.StatusPending,
	}
	for i, st := range statuses {
		job := s.newJob(fmt.Sprintf("job-%d", i), st, uint64(10-i))
		job.UpdatedAt = s.now.Add(time.Duration(i) * time.Hour)
		if i == 3 {
			job.Type = "cleanup"
		}
		s.Require().NoError(s.store.Upsert(ctx, job))
	}

	jobs, err := s.store.List(ctx, jobqueue.Filter{})
	s.Require().NoError(err)
	s.Require().Len(jobs, 4)
	s.Require().Equal("job-3", jobs[0].ID, "ordered by seq")

	jobs, err = s.store.List(ctx, jobqueue.Filter{Statuses: []jobqueue.Status{jobqueue.StatusPending}})
	s.Require().NoError(err)
	s.Require().Len(jobs, 2)

	jobs, err = s.store.List(ctx, jobqueue.Filter{Type: "cleanup"})
	s.Require().NoError(err)
	s.Require().Len(jobs, 1)
	s.Require().Equal("job-3", jobs[0].ID)

	jobs, err = s.store.List(ctx, jobqueue.Filter{
		Statuses:      jobqueue.TerminalStatuses,
		UpdatedBefore: s.now.Add(2 * time.Hour),
	})
	s.Require().NoError(err)
	s.Require().Len(jobs, 1, "job updated exactly at the bound is excluded")
	s.Require().Equal("job-1", jobs[0].ID)

	jobs, err = s.store.List(ctx, jobqueue.Filter{Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(jobs, 2)

	n, err := s.store.Count(ctx, jobqueue.Filter{})
	s.Require().NoError(err)
	s.Require().Equal(4, n)
	n, err = s.store.Count(ctx, jobqueue.Filter{Statuses: jobqueue.TerminalStatuses})
	s.Require().NoError(err)
	s.Require().Equal(2, n)

	removed, err := s.store.Delete(ctx, "job-1", "job-2", "missing")
	s.Require().NoError(err)
	s.Require().Equal(2, removed)
	removed, err = s.store.Delete(ctx)
	s.Require().NoError(err)
	s.Require().Equal(0, removed)

	n, err = s.store.Count(ctx, jobqueue.Filter{})
	s.Require().NoError(err)
	s.Require().Equal(2, n)
}

func (s *StoreTestSuite) TestQueueOnTop() {
	ctx := context.Background()
	clock := testutil.NewFakeClock(s.now)
	registry := jobqueue.NewRegistry()
	registry.Register("echo", jobqueue.HandlerFunc(func(_ context.Context, job *jobqueue.Job) (json.RawMessage, error) {
		return job.Payload, nil
	}))
	q := jobqueue.New(registry, logtest.NewLogger(), jobqueue.Opts{Store: s.store, Clock: clock})

	lowID, err := q.Add(ctx, "echo", json.RawMessage(`{"n":1}`), jobqueue.AddOptions{Priority: jobqueue.PriorityLow})
	s.Require().NoError(err)
	highID, err := q.Add(ctx, "echo", json.RawMessage(`{"n":2}`), jobqueue.AddOptions{Priority: jobqueue.PriorityHigh})
	s.Require().NoError(err)

	processed, err := q.ProcessNext(ctx)
	s.Require().NoError(err)
	s.Require().True(processed)

	job, err := q.Get(ctx, highID)
	s.Require().NoError(err)
	s.Require().Equal(jobqueue.StatusCompleted, job.Status)
	s.Require().JSONEq(`{"n":2}`, string(job.Result))

	job, err = q.Get(ctx, lowID)
	s.Require().NoError(err)
	s.Require().Equal(jobqueue.StatusPending, job.Status)
}

func TestStore_RecoverAfterRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	clock := testutil.NewFakeClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	registry := jobqueue.NewRegistry()
	started := make(chan struct{})
	registry.Register("stuck", jobqueue.HandlerFunc(func(ctx context.Context, _ *jobqueue.Job) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	registry.Register("echo", jobqueue.HandlerFunc(func(_ context.Context, job *jobqueue.Job) (json.RawMessage, error) {
		return job.Payload, nil
	}))

	store, err := Open(ctx, dbPath, Opts{})
	require.NoError(t, err)
	q := jobqueue.New(registry, logtest.NewLogger(), jobqueue.Opts{Store: store, Clock: clock})
	stuckID, err := q.Add(ctx, "stuck", nil, jobqueue.AddOptions{Priority: jobqueue.PriorityHigh})
	require.NoError(t, err)
	pendingID, err := q.Add(ctx, "echo", json.RawMessage(`{"n":1}`), jobqueue.AddOptions{})
	require.NoError(t, err)

	// Simulate a crash while the first job is running.
	runCtx, cancelRun := context.WithCancel(ctx)
	processDone := make(chan struct{})
	go func() {
		defer close(processDone)
		_, _ = q.ProcessNext(runCtx)
	}()
	<-started
	require.NoError(t, store.Close())
	cancelRun()
	<-processDone

	store, err = Open(ctx, dbPath, Opts{})
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	q = jobqueue.New(registry, logtest.NewLogger(), jobqueue.Opts{Store: store, Clock: clock})
	require.NoError(t, q.Recover(ctx))

	job, err := q.Get(ctx, stuckID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusFailed, job.Status)
	require.Equal(t, jobqueue.ErrInterruptedByRestart.Error(), job.Error)

	processed, err := q.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	job, err = q.Get(ctx, pendingID)
	require.NoError(t, err)
	require.Equal(t, jobqueue.StatusCompleted, job.Status)
}

type codeError struct{ code int }

func (e codeError) Error() string { return fmt.Sprintf("code %d", e.code) }

func TestIsBusyError(t *testing.T) {
	require.False(t, IsBusyError(nil))
	require.False(t, IsBusyError(errors.New("some error")))
	require.False(t, IsBusyError(codeError{sqlite3.SQLITE_BUSY}), "only sqlite driver errors are recognized")
}
