// Package ledger implements the idempotency ledger: a durable record that a
// given source item has already produced a memory-store effect.
//
// Records carry an expiry. The retention window is deliberately bounded: a
// source item edited in place after the window can legitimately be
// re-ingested, while anything re-delivered inside the window is recognised as
// a duplicate. Default retention is 30 days.
//
// Reservation is a single atomic INSERT: concurrent callers racing on the
// same (sourceKind, sourceID) key observe exactly one Fresh and the rest
// Duplicate. Callers reserve after the memory-store write has been confirmed,
// so a crash mid-pipeline never leaves a reservation without its effect; the
// inverse window (effect committed, reservation lost) is a rare bounded
// duplicate, logged rather than treated as fatal.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Outcome of a reservation attempt.
type Outcome int

const (
	// Fresh means this caller won the reservation: no live record existed.
	Fresh Outcome = iota
	// Duplicate means a live record already exists for the key.
	Duplicate
)

func (o Outcome) String() string {
	if o == Fresh {
		return "fresh"
	}
	return "duplicate"
}

// DefaultRetention is how long a record blocks re-ingestion of its key.
const DefaultRetention = 30 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
    source_kind   TEXT NOT NULL,
    source_id     TEXT NOT NULL,
    first_seen_at INTEGER NOT NULL,
    expires_at    INTEGER NOT NULL,
    PRIMARY KEY (source_kind, source_id)
);
CREATE INDEX IF NOT EXISTS idx_idem_expires ON idempotency_records (expires_at);
`

// Ledger is the idempotency record store.
type Ledger struct {
	db        *sql.DB
	retention time.Duration
}

// New creates a Ledger. retention <= 0 selects DefaultRetention.
func New(db *sql.DB, retention time.Duration) *Ledger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Ledger{db: db, retention: retention}
}

// EnsureSchema creates the ledger table if it doesn't exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, schema)
	return err
}

// Seen reports whether a live (unexpired) record exists for the key. It is a
// cheap read-only check used before doing expensive work; Reserve remains the
// authoritative, atomic gate.
func (l *Ledger) Seen(ctx context.Context, sourceKind, sourceID string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx,
		`SELECT 1 FROM idempotency_records
		 WHERE source_kind = ? AND source_id = ? AND expires_at > ?`,
		sourceKind, sourceID, time.Now().UnixMilli(),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: seen: %w", err)
	}
	return true, nil
}

// Reserve atomically records that the key has produced an effect. Exactly one
// caller racing on the same key observes Fresh while a live record exists;
// everyone else observes Duplicate. An expired record is overwritten — its
// cool-down has passed and the key may legitimately produce a new effect.
func (l *Ledger) Reserve(ctx context.Context, sourceKind, sourceID string) (Outcome, error) {
	now := time.Now().UnixMilli()
	expires := time.Now().Add(l.retention).UnixMilli()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (source_kind, source_id, first_seen_at, expires_at)
		VALUES (?,?,?,?)
		ON CONFLICT (source_kind, source_id) DO UPDATE
		SET first_seen_at = excluded.first_seen_at, expires_at = excluded.expires_at
		WHERE idempotency_records.expires_at <= ?`,
		sourceKind, sourceID, now, expires, now,
	)
	if err != nil {
		return Duplicate, fmt.Errorf("ledger: reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Duplicate, fmt.Errorf("ledger: reserve rows: %w", err)
	}
	if n == 0 {
		return Duplicate, nil
	}
	return Fresh, nil
}

// PurgeExpired deletes expired records and returns how many were removed.
// Reserve tolerates expired rows on its own; the purge just keeps the table
// small.
func (l *Ledger) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at <= ?`,
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: purge: %w", err)
	}
	return res.RowsAffected()
}

// Size returns the number of live records.
func (l *Ledger) Size(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_records WHERE expires_at > ?`,
		time.Now().UnixMilli(),
	).Scan(&n)
	return n, err
}

// RunPurge purges expired records on the given interval until ctx is
// cancelled.
func (l *Ledger) RunPurge(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.PurgeExpired(ctx)
		}
	}
}
