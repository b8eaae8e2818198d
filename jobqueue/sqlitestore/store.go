/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package sqlitestore provides a durable jobqueue.Store backed by SQLite (pure Go driver, no cgo).
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/retry"
)

// DriverName is the database/sql driver name registered by modernc.org/sqlite.
const DriverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	payload     BLOB,
	status      TEXT NOT NULL,
	priority    TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	run_at      INTEGER NOT NULL,
	started_at  INTEGER,
	finished_at INTEGER,
	error       TEXT NOT NULL DEFAULT '',
	result      BLOB,
	seq         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
CREATE INDEX IF NOT EXISTS jobs_type_idx ON jobs (type);
CREATE INDEX IF NOT EXISTS jobs_updated_at_idx ON jobs (updated_at);
`

const selectColumns = `id, type, payload, status, priority, created_at, updated_at, run_at,
	started_at, finished_at, error, result, seq`

// Opts contains optional parameters for constructing Store.
type Opts struct {
	// RetryPolicy is used when the database is busy or locked. No retries if nil.
	RetryPolicy retry.Policy
	Logger      log.FieldLogger
}

// Store is a jobqueue.Store backed by an SQLite database.
type Store struct {
	db          *sql.DB
	retryPolicy retry.Policy
	logger      log.FieldLogger
}

var _ jobqueue.Store = (*Store)(nil)

// Open opens (creating if needed) the database file and prepares the schema.
// The path ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string, opts Opts) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	// SQLite allows a single writer, in-memory databases also live in a single connection.
	db.SetMaxOpenConns(1)
	s, err := New(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New creates a Store on top of the opened database and prepares the schema.
func New(ctx context.Context, db *sql.DB, opts Opts) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewDisabledLogger()
	}
	s := &Store{db: db, retryPolicy: opts.RetryPolicy, logger: opts.Logger}
	if err := s.exec(ctx, func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, schema)
		return err
	}); err != nil {
		return nil, fmt.Errorf("create jobs schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the job or jobqueue.ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*jobqueue.Job, error) {
	var job *jobqueue.Job
	err := s.exec(ctx, func(ctx context.Context) error {
		row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM jobs WHERE id = ?", id)
		var scanErr error
		job, scanErr = scanJob(row)
		return scanErr
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobqueue.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns jobs matching the filter ordered by seq.
func (s *Store) List(ctx context.Context, filter jobqueue.Filter) ([]*jobqueue.Job, error) {
	where, args := buildWhere(filter)
	query := "SELECT " + selectColumns + " FROM jobs" + where + " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	var jobs []*jobqueue.Job
	err := s.exec(ctx, func(ctx context.Context) error {
		jobs = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close() // nolint: errcheck
		for rows.Next() {
			job, scanErr := scanJob(rows)
			if scanErr != nil {
				return scanErr
			}
			jobs = append(jobs, job)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Upsert inserts the job or replaces all its fields.
func (s *Store) Upsert(ctx context.Context, job *jobqueue.Job) error {
	const query = `INSERT INTO jobs (` + selectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type, payload = excluded.payload, status = excluded.status,
			priority = excluded.priority, created_at = excluded.created_at, updated_at = excluded.updated_at,
			run_at = excluded.run_at, started_at = excluded.started_at, finished_at = excluded.finished_at,
			error = excluded.error, result = excluded.result, seq = excluded.seq`
	return s.exec(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			job.ID, job.Type, nullBytes(job.Payload), string(job.Status), string(job.Priority),
			job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(), job.RunAt.UnixNano(),
			nullTime(job.StartedAt), nullTime(job.FinishedAt), job.Error, nullBytes(job.Result), int64(job.Seq)) //nolint:gosec // seq fits into int64
		return err
	})
}

// Delete removes jobs by IDs and returns the number of removed ones.
func (s *Store) Delete(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := "DELETE FROM jobs WHERE id IN (" + placeholders(len(ids)) + ")"
	var affected int64
	err := s.exec(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return int(affected), err
}

// Count returns the number of jobs matching the filter.
func (s *Store) Count(ctx context.Context, filter jobqueue.Filter) (int, error) {
	where, args := buildWhere(filter)
	var n int
	err := s.exec(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs"+where, args...).Scan(&n)
	})
	return n, err
}

func (s *Store) exec(ctx context.Context, fn retry.RetryableFunc) error {
	if s.retryPolicy == nil {
		return fn(ctx)
	}
	return retry.DoWithRetry(ctx, s.retryPolicy, IsBusyError, func(err error, delay time.Duration) {
		s.logger.Warn("sqlite database is busy, retrying", log.Error(err), log.Duration("delay", delay))
	}, fn)
}

// IsBusyError reports whether the error means the database is temporarily busy or locked.
func IsBusyError(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*jobqueue.Job, error) {
	var (
		job                         jobqueue.Job
		status, priority            string
		payload, result             []byte
		createdAt, updatedAt, runAt int64
		startedAt, finishedAt       sql.NullInt64
		seq                         int64
	)
	if err := row.Scan(&job.ID, &job.Type, &payload, &status, &priority, &createdAt, &updatedAt, &runAt,
		&startedAt, &finishedAt, &job.Error, &result, &seq); err != nil {
		return nil, err
	}
	job.Status = jobqueue.Status(status)
	job.Priority = jobqueue.Priority(priority)
	job.Payload = rawJSON(payload)
	job.Result = rawJSON(result)
	job.CreatedAt = fromUnixNano(createdAt)
	job.UpdatedAt = fromUnixNano(updatedAt)
	job.RunAt = fromUnixNano(runAt)
	if startedAt.Valid {
		t := fromUnixNano(startedAt.Int64)
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := fromUnixNano(finishedAt.Int64)
		job.FinishedAt = &t
	}
	job.Seq = uint64(seq) //nolint:gosec // seq is never negative
	return &job, nil
}

func buildWhere(filter jobqueue.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if len(filter.Statuses) != 0 {
		conds = append(conds, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, filter.Type)
	}
	if !filter.UpdatedBefore.IsZero() {
		conds = append(conds, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UnixNano())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullBytes(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
