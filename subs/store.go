package subs

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
    source_kind       TEXT NOT NULL,
    tenant            TEXT NOT NULL,
    external_id       TEXT NOT NULL DEFAULT '',
    state             TEXT NOT NULL,
    expires_at        INTEGER NOT NULL DEFAULT 0,
    renewal_attempts  INTEGER NOT NULL DEFAULT 0,
    next_attempt_at   INTEGER NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL,
    PRIMARY KEY (source_kind, tenant)
);
`

// State is the lifecycle state of one (kind, tenant) subscription.
type State string

const (
	StateDisabled        State = "disabled"
	StatePendingCreate   State = "pending-create"
	StateActive          State = "active"
	StateRenewing        State = "renewing"
	StateExpiredFallback State = "expired-fallback"
)

// Subscription is the persisted lifecycle record for one pair.
type Subscription struct {
	SourceKind      string
	Tenant          string
	ExternalID      string
	State           State
	ExpiresAt       time.Time
	RenewalAttempts int
	NextAttemptAt   time.Time
	UpdatedAt       time.Time
}

// Store persists subscription records. The manager is the only writer.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the subscriptions table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Get returns the record for the pair, or nil if none exists.
func (s *Store) Get(ctx context.Context, kind, tenant string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_kind, tenant, external_id, state, expires_at,
		       renewal_attempts, next_attempt_at, updated_at
		FROM subscriptions WHERE source_kind = ? AND tenant = ?`, kind, tenant)
	sub, err := scanSub(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subs: get: %w", err)
	}
	return sub, nil
}

// Put upserts the record, stamping updated_at.
func (s *Store) Put(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions
		    (source_kind, tenant, external_id, state, expires_at,
		     renewal_attempts, next_attempt_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (source_kind, tenant) DO UPDATE SET
		    external_id = excluded.external_id,
		    state = excluded.state,
		    expires_at = excluded.expires_at,
		    renewal_attempts = excluded.renewal_attempts,
		    next_attempt_at = excluded.next_attempt_at,
		    updated_at = excluded.updated_at`,
		sub.SourceKind, sub.Tenant, sub.ExternalID, string(sub.State),
		sub.ExpiresAt.UnixMilli(), sub.RenewalAttempts,
		sub.NextAttemptAt.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("subs: put: %w", err)
	}
	return nil
}

// List returns all records ordered by (kind, tenant).
func (s *Store) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_kind, tenant, external_id, state, expires_at,
		       renewal_attempts, next_attempt_at, updated_at
		FROM subscriptions ORDER BY source_kind, tenant`)
	if err != nil {
		return nil, fmt.Errorf("subs: list: %w", err)
	}
	defer rows.Close()
	var out []*Subscription
	for rows.Next() {
		sub, err := scanSub(rows)
		if err != nil {
			return nil, fmt.Errorf("subs: list: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSub(r rowScanner) (*Subscription, error) {
	var sub Subscription
	var state string
	var expires, next, updated int64
	if err := r.Scan(&sub.SourceKind, &sub.Tenant, &sub.ExternalID, &state,
		&expires, &sub.RenewalAttempts, &next, &updated); err != nil {
		return nil, err
	}
	sub.State = State(state)
	sub.ExpiresAt = time.UnixMilli(expires)
	sub.NextAttemptAt = time.UnixMilli(next)
	sub.UpdatedAt = time.UnixMilli(updated)
	return &sub, nil
}
