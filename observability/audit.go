package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/engram/idgen"
)

// CorrectionEntry is one audited human correction. Corrections are the only
// human-attended writes in the system, so every one is recorded whether it
// succeeded or not.
type CorrectionEntry struct {
	EntryID     string    `json:"entry_id"`
	Timestamp   time.Time `json:"timestamp"`
	BeliefID    string    `json:"belief_id"`
	Action      string    `json:"action"`
	NewBeliefID string    `json:"new_belief_id,omitempty"`
	Status      string    `json:"status"` // applied | failed
	Error       string    `json:"error,omitempty"`
}

// CorrectionAudit records correction outcomes, synchronously. Volume is
// human-scale; buffering would only risk losing entries on shutdown.
type CorrectionAudit struct {
	db    *sql.DB
	newID idgen.Generator
}

// NewCorrectionAudit creates a CorrectionAudit. Entry IDs carry a UTC
// timestamp so the trail reads chronologically in raw form.
func NewCorrectionAudit(db *sql.DB) *CorrectionAudit {
	return &CorrectionAudit{db: db, newID: idgen.Prefixed("aud_", idgen.Timestamped(idgen.NanoID(8)))}
}

// Record writes one entry. Timestamp and EntryID are filled when zero.
func (a *CorrectionAudit) Record(ctx context.Context, e *CorrectionEntry) error {
	if e.EntryID == "" {
		e.EntryID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO correction_audit
		    (entry_id, timestamp, belief_id, action, new_belief_id, status, error_message)
		VALUES (?,?,?,?,?,?,?)`,
		e.EntryID, e.Timestamp.Unix(), e.BeliefID, e.Action,
		e.NewBeliefID, e.Status, e.Error,
	)
	if err != nil {
		return fmt.Errorf("observability: record correction: %w", err)
	}
	return nil
}

// ForBelief returns the audit trail for one belief, newest first.
func (a *CorrectionAudit) ForBelief(ctx context.Context, beliefID string, limit int) ([]*CorrectionEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT entry_id, timestamp, belief_id, action, new_belief_id, status, error_message
		FROM correction_audit
		WHERE belief_id = ?
		ORDER BY timestamp DESC LIMIT ?`, beliefID, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: query corrections: %w", err)
	}
	defer rows.Close()

	var out []*CorrectionEntry
	for rows.Next() {
		var e CorrectionEntry
		var ts int64
		if err := rows.Scan(&e.EntryID, &ts, &e.BeliefID, &e.Action,
			&e.NewBeliefID, &e.Status, &e.Error); err != nil {
			return nil, fmt.Errorf("observability: scan correction: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retentionDays.
func (a *CorrectionAudit) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM correction_audit WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup corrections: %w", err)
	}
	return res.RowsAffected()
}
