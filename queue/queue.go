// Package queue implements the durable ingestion job queue backed by SQLite.
//
// Rows are invisible to consumers for a configurable duration after being
// claimed. If the holder processes the row successfully it acks (deletes) it.
// If the holder crashes or exceeds the visibility timeout the row reappears
// automatically and another worker can claim it. A claimed row is invisible
// to every other consumer, which gives at most one in-flight attempt per job.
//
// Jobs that exhaust their attempt budget are moved to a dead-letter table
// that preserves the original payload and the last error for manual replay.
//
// The queue is pure SQLite — no external broker, no cloud dependency.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/engram/idgen"
)

// Job is one unit of ingestion work: fetch, normalize and ingest a single
// source item identified by (SourceKind, ResourceID) for a tenant.
type Job struct {
	ID             string
	SourceKind     string
	ResourceID     string
	Tenant         string
	EnqueuedAt     time.Time
	NextEligibleAt time.Time
	Attempts       int
}

// DeadLetter is a job that exhausted its retry budget, kept for manual replay.
type DeadLetter struct {
	Job
	LastError string
	DeadAt    time.Time
}

// ErrNotFound is returned when an operation references an unknown job id.
var ErrNotFound = errors.New("queue: job not found")

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. Default: 60s.
	Visibility time.Duration
	// NewID generates job ids for enqueued jobs without one. Default:
	// idgen.Prefixed("job_", idgen.Default).
	NewID idgen.Generator
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 60 * time.Second
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("job_", idgen.Default)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS ingest_jobs (
    id           TEXT PRIMARY KEY,
    source_kind  TEXT NOT NULL,
    resource_id  TEXT NOT NULL,
    tenant       TEXT NOT NULL,
    enqueued_at  INTEGER NOT NULL,
    visible_at   INTEGER NOT NULL DEFAULT 0,
    attempts     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_ingest_visible ON ingest_jobs (visible_at);
CREATE TABLE IF NOT EXISTS ingest_dead_letters (
    id           TEXT PRIMARY KEY,
    source_kind  TEXT NOT NULL,
    resource_id  TEXT NOT NULL,
    tenant       TEXT NOT NULL,
    enqueued_at  INTEGER NOT NULL,
    attempts     INTEGER NOT NULL,
    last_error   TEXT NOT NULL DEFAULT '',
    dead_at      INTEGER NOT NULL
);
`

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureSchema once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureSchema creates the queue tables and indexes if they don't exist.
func (q *Q) EnsureSchema(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, schema)
	return err
}

// Enqueue inserts a job that is immediately visible. If j.ID is empty a fresh
// id is generated. Duplicate enqueues for the same resource produce separate
// rows; the idempotency ledger downstream makes that safe.
func (q *Q) Enqueue(ctx context.Context, j *Job) error {
	if j.ID == "" {
		j.ID = q.opts.NewID()
	}
	now := time.Now()
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO ingest_jobs (id, source_kind, resource_id, tenant, enqueued_at, visible_at, attempts)
		 VALUES (?,?,?,?,?,?,?)`,
		j.ID, j.SourceKind, j.ResourceID, j.Tenant,
		j.EnqueuedAt.UnixMilli(), now.UnixMilli(), j.Attempts,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Claim atomically picks the oldest visible job, marks it invisible for the
// configured visibility duration, and returns it. Returns nil, nil if no job
// is available.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE ingest_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM ingest_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, source_kind, resource_id, tenant, enqueued_at, visible_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return j, nil
}

// BatchClaim atomically claims up to n visible jobs. It returns an empty
// (non-nil) slice when no jobs are available.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE ingest_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM ingest_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, source_kind, resource_id, tenant, enqueued_at, visible_at, attempts`,
		hideUntil, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: batch claim: %w", err)
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: batch claim scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: batch claim rows: %w", err)
	}
	return jobs, nil
}

// Ack deletes a successfully processed (or terminally resolved) job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM ingest_jobs WHERE id = ?`, id)
	return err
}

// Nack schedules a job for redelivery after retryAfter. Zero means
// immediately visible again.
func (q *Q) Nack(ctx context.Context, id string, retryAfter time.Duration) error {
	visibleAt := int64(0)
	if retryAfter > 0 {
		visibleAt = time.Now().Add(retryAfter).UnixMilli()
	}
	res, err := q.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET visible_at = ? WHERE id = ?`, visibleAt, id)
	if err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Extend pushes the visibility timeout forward for a job that needs more
// processing time (heartbeat pattern).
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET visible_at = ? WHERE id = ?`, hideUntil, id)
	return err
}

// DeadLetter moves a job to the dead-letter table, preserving its payload and
// recording the last error. The move is transactional: the job either lands
// in dead letters or stays in the queue.
func (q *Q) DeadLetter(ctx context.Context, id, lastError string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: dead-letter begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_dead_letters (id, source_kind, resource_id, tenant, enqueued_at, attempts, last_error, dead_at)
		SELECT id, source_kind, resource_id, tenant, enqueued_at, attempts, ?, ?
		FROM ingest_jobs WHERE id = ?`,
		lastError, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("queue: dead-letter insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ingest_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: dead-letter delete: %w", err)
	}
	return tx.Commit()
}

// ListDeadLetters returns up to limit dead-lettered jobs, newest first.
func (q *Q) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, source_kind, resource_id, tenant, enqueued_at, attempts, last_error, dead_at
		FROM ingest_dead_letters ORDER BY dead_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	defer rows.Close()

	out := []*DeadLetter{}
	for rows.Next() {
		var d DeadLetter
		var enq, dead int64
		if err := rows.Scan(&d.ID, &d.SourceKind, &d.ResourceID, &d.Tenant, &enq, &d.Attempts, &d.LastError, &dead); err != nil {
			return nil, err
		}
		d.EnqueuedAt = time.UnixMilli(enq)
		d.DeadAt = time.UnixMilli(dead)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Replay moves a dead-lettered job back into the queue with a reset attempt
// counter. The replayed job re-enters the normal pipeline; the idempotency
// ledger still applies downstream.
func (q *Q) Replay(ctx context.Context, id string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: replay begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ingest_jobs (id, source_kind, resource_id, tenant, enqueued_at, visible_at, attempts)
		SELECT id, source_kind, resource_id, tenant, ?, ?, 0
		FROM ingest_dead_letters WHERE id = ?`,
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("queue: replay insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ingest_dead_letters WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: replay delete: %w", err)
	}
	return tx.Commit()
}

// Depth returns the total number of jobs (visible + invisible) in the queue.
func (q *Q) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_jobs`).Scan(&n)
	return n, err
}

// DeadLetterCount returns the number of dead-lettered jobs.
func (q *Q) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_dead_letters`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var j Job
	var enq, vis int64
	if err := r.Scan(&j.ID, &j.SourceKind, &j.ResourceID, &j.Tenant, &enq, &vis, &j.Attempts); err != nil {
		return nil, err
	}
	j.EnqueuedAt = time.UnixMilli(enq)
	j.NextEligibleAt = time.UnixMilli(vis)
	return &j, nil
}
