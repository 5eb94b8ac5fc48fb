package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const cursorSchema = `
CREATE TABLE IF NOT EXISTS delta_cursors (
    source_kind  TEXT NOT NULL,
    tenant       TEXT NOT NULL,
    cursor       TEXT NOT NULL,
    advanced_at  INTEGER NOT NULL,
    PRIMARY KEY (source_kind, tenant)
);
`

// Cursor is the persisted continuation token for one (kind, tenant) scan.
type Cursor struct {
	Token      string
	AdvancedAt time.Time
}

// CursorStore persists delta cursors. The reconciler is the only writer.
type CursorStore struct {
	db *sql.DB
}

// NewCursorStore creates a CursorStore.
func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

// EnsureSchema creates the cursor table if it doesn't exist.
func (s *CursorStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, cursorSchema)
	return err
}

// Get returns the cursor for the pair, or nil if no scan has completed yet.
func (s *CursorStore) Get(ctx context.Context, kind, tenant string) (*Cursor, error) {
	var c Cursor
	var advanced int64
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor, advanced_at FROM delta_cursors WHERE source_kind = ? AND tenant = ?`,
		kind, tenant,
	).Scan(&c.Token, &advanced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile: get cursor: %w", err)
	}
	c.AdvancedAt = time.UnixMilli(advanced)
	return &c, nil
}

// Set persists the cursor for the pair. Called only after every item of the
// scanned page has been durably enqueued.
func (s *CursorStore) Set(ctx context.Context, kind, tenant, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delta_cursors (source_kind, tenant, cursor, advanced_at)
		VALUES (?,?,?,?)
		ON CONFLICT (source_kind, tenant) DO UPDATE
		SET cursor = excluded.cursor, advanced_at = excluded.advanced_at`,
		kind, tenant, token, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("reconcile: set cursor: %w", err)
	}
	return nil
}

// Delete removes the cursor for the pair (source disablement).
func (s *CursorStore) Delete(ctx context.Context, kind, tenant string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM delta_cursors WHERE source_kind = ? AND tenant = ?`, kind, tenant)
	return err
}
