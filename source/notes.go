package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hazyhaar/engram/idgen"
)

// Note is a manually entered note.
type Note struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"-"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

const notesSchema = `
CREATE TABLE IF NOT EXISTS notes (
    id         TEXT PRIMARY KEY,
    tenant     TEXT NOT NULL,
    title      TEXT NOT NULL DEFAULT '',
    body       TEXT NOT NULL,
    author     TEXT NOT NULL DEFAULT '',
    link       TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    seq        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_seq ON notes (tenant, seq);
`

// NoteStore holds manual notes in the local database. Unlike the networked
// source kinds it has no push path: new and edited notes surface exclusively
// through the delta scan, using a monotonic per-store sequence as cursor.
// It implements Fetcher and DeltaQuerier.
type NoteStore struct {
	db       *sql.DB
	newID    idgen.Generator
	pageSize int
}

// NewNoteStore creates a NoteStore. pageSize <= 0 selects 100.
func NewNoteStore(db *sql.DB, pageSize int) *NoteStore {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &NoteStore{db: db, newID: idgen.Prefixed("note_", idgen.Default), pageSize: pageSize}
}

// EnsureSchema creates the notes table if it doesn't exist.
func (n *NoteStore) EnsureSchema(ctx context.Context) error {
	_, err := n.db.ExecContext(ctx, notesSchema)
	return err
}

func (n *NoteStore) Kind() Kind { return KindNote }

// Add inserts a note and returns its id. Editing is Add with the same id:
// the row is replaced and its sequence bumped so the next delta scan picks
// it up again.
func (n *NoteStore) Add(ctx context.Context, note *Note) (string, error) {
	if note.ID == "" {
		note.ID = n.newID()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	_, err := n.db.ExecContext(ctx, `
		INSERT INTO notes (id, tenant, title, body, author, link, created_at, seq)
		VALUES (?,?,?,?,?,?,?, (SELECT IFNULL(MAX(seq),0)+1 FROM notes))
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title, body = excluded.body, author = excluded.author,
			link = excluded.link,
			seq = (SELECT IFNULL(MAX(seq),0)+1 FROM notes)`,
		note.ID, note.Tenant, note.Title, note.Text, note.Author, note.Link,
		note.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("source: add note: %w", err)
	}
	return note.ID, nil
}

// Delete removes a note. Subsequent fetches return ErrGone.
func (n *NoteStore) Delete(ctx context.Context, tenant, id string) error {
	_, err := n.db.ExecContext(ctx,
		`DELETE FROM notes WHERE id = ? AND tenant = ?`, id, tenant)
	return err
}

// FetchByID returns the note as a RawItem whose Data is the note's JSON.
func (n *NoteStore) FetchByID(ctx context.Context, tenant, resourceID string) (*RawItem, error) {
	var note Note
	var created int64
	err := n.db.QueryRowContext(ctx, `
		SELECT id, title, body, author, link, created_at
		FROM notes WHERE id = ? AND tenant = ?`, resourceID, tenant,
	).Scan(&note.ID, &note.Title, &note.Text, &note.Author, &note.Link, &created)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: note %s", ErrGone, resourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("source: fetch note: %w", err)
	}
	note.CreatedAt = time.UnixMilli(created).UTC()
	data, err := json.Marshal(&note)
	if err != nil {
		return nil, fmt.Errorf("source: marshal note: %w", err)
	}
	return &RawItem{Kind: KindNote, Tenant: tenant, Data: data}, nil
}

// DeltaQuery pages through notes changed since the cursor's sequence number.
// An empty cursor starts from the beginning of the since window.
func (n *NoteStore) DeltaQuery(ctx context.Context, tenant, cursor string, since time.Time) (*DeltaPage, error) {
	var afterSeq int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrCursorInvalid, cursor)
		}
		afterSeq = v
	}

	sinceMs := int64(0)
	if cursor == "" && !since.IsZero() {
		sinceMs = since.UnixMilli()
	}

	rows, err := n.db.QueryContext(ctx, `
		SELECT id, seq FROM notes
		WHERE tenant = ? AND seq > ? AND created_at >= ?
		ORDER BY seq ASC LIMIT ?`,
		tenant, afterSeq, sinceMs, n.pageSize+1,
	)
	if err != nil {
		return nil, fmt.Errorf("source: note delta: %w", err)
	}
	defer rows.Close()

	page := &DeltaPage{NextCursor: cursor}
	lastSeq := afterSeq
	count := 0
	for rows.Next() {
		var id string
		var seq int64
		if err := rows.Scan(&id, &seq); err != nil {
			return nil, err
		}
		count++
		if count > n.pageSize {
			break // next page exists
		}
		page.Items = append(page.Items, ChangedItem{ResourceID: id, ChangeType: "updated"})
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if count == 0 {
		// Nothing in range. Keep the cursor as-is: an empty first scan must
		// stay on the since window, not restart unbounded next run.
		page.Done = true
		return page, nil
	}
	page.NextCursor = strconv.FormatInt(lastSeq, 10)
	page.Done = count <= n.pageSize
	return page, nil
}
