package source

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/engram/dbopen"
)

func newNoteStore(t *testing.T) *NoteStore {
	t.Helper()
	db := dbopen.OpenMemory(t)
	ns := NewNoteStore(db, 2)
	if err := ns.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return ns
}

func TestNoteAddAndFetch(t *testing.T) {
	ns := newNoteStore(t)
	ctx := context.Background()

	id, err := ns.Add(ctx, &Note{Tenant: "t1", Title: "standup", Text: "ship it", Author: "ana"})
	if err != nil {
		t.Fatal(err)
	}

	item, err := ns.FetchByID(ctx, "t1", id)
	if err != nil {
		t.Fatal(err)
	}
	var note Note
	if err := json.Unmarshal(item.Data, &note); err != nil {
		t.Fatal(err)
	}
	if note.ID != id || note.Text != "ship it" || note.Author != "ana" {
		t.Fatalf("unexpected note: %+v", note)
	}
}

func TestNoteFetchGone(t *testing.T) {
	ns := newNoteStore(t)
	_, err := ns.FetchByID(context.Background(), "t1", "missing")
	if !errors.Is(err, ErrGone) {
		t.Fatalf("got %v, want ErrGone", err)
	}
}

func TestNoteDeltaPagination(t *testing.T) {
	ns := newNoteStore(t) // page size 2
	ctx := context.Background()

	for _, title := range []string{"a", "b", "c"} {
		if _, err := ns.Add(ctx, &Note{Tenant: "t1", Title: title, Text: title}); err != nil {
			t.Fatal(err)
		}
	}

	p1, err := ns.DeltaQuery(ctx, "t1", "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(p1.Items) != 2 || p1.Done {
		t.Fatalf("first page: %+v", p1)
	}

	p2, err := ns.DeltaQuery(ctx, "t1", p1.NextCursor, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(p2.Items) != 1 || !p2.Done {
		t.Fatalf("second page: %+v", p2)
	}

	// Scan is exhausted: next query from the final cursor is empty and done.
	p3, err := ns.DeltaQuery(ctx, "t1", p2.NextCursor, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(p3.Items) != 0 || !p3.Done {
		t.Fatalf("third page: %+v", p3)
	}
}

func TestNoteEditResurfacesInDelta(t *testing.T) {
	ns := newNoteStore(t)
	ctx := context.Background()

	id, _ := ns.Add(ctx, &Note{Tenant: "t1", Title: "v1", Text: "v1"})
	p1, _ := ns.DeltaQuery(ctx, "t1", "", time.Time{})
	if len(p1.Items) != 1 {
		t.Fatalf("want 1 item, got %+v", p1)
	}

	// Editing bumps the sequence: the note shows up again past the cursor.
	if _, err := ns.Add(ctx, &Note{ID: id, Tenant: "t1", Title: "v2", Text: "v2"}); err != nil {
		t.Fatal(err)
	}
	p2, err := ns.DeltaQuery(ctx, "t1", p1.NextCursor, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(p2.Items) != 1 || p2.Items[0].ResourceID != id {
		t.Fatalf("edited note should resurface: %+v", p2)
	}
}

func TestNoteDeltaEmptyScanKeepsWindow(t *testing.T) {
	ns := newNoteStore(t)
	ctx := context.Background()

	// Note created well before the since window.
	old := &Note{Tenant: "t1", Text: "ancient", CreatedAt: time.Now().Add(-72 * time.Hour)}
	if _, err := ns.Add(ctx, old); err != nil {
		t.Fatal(err)
	}

	since := time.Now().Add(-time.Hour)
	p1, err := ns.DeltaQuery(ctx, "t1", "", since)
	if err != nil {
		t.Fatal(err)
	}
	if len(p1.Items) != 0 || !p1.Done {
		t.Fatalf("first scan: %+v", p1)
	}
	if p1.NextCursor != "" {
		t.Fatalf("empty scan must not mint a cursor, got %q", p1.NextCursor)
	}

	// The persisted (still-empty) cursor keeps the window: the old note
	// never leaks into later runs.
	p2, err := ns.DeltaQuery(ctx, "t1", p1.NextCursor, since)
	if err != nil {
		t.Fatal(err)
	}
	if len(p2.Items) != 0 {
		t.Fatalf("old note leaked past the window: %+v", p2.Items)
	}
}

func TestNoteDeltaBadCursor(t *testing.T) {
	ns := newNoteStore(t)
	_, err := ns.DeltaQuery(context.Background(), "t1", "not-a-number", time.Time{})
	if !errors.Is(err, ErrCursorInvalid) {
		t.Fatalf("got %v, want ErrCursorInvalid", err)
	}
}

func TestNoteTenantIsolation(t *testing.T) {
	ns := newNoteStore(t)
	ctx := context.Background()

	ns.Add(ctx, &Note{Tenant: "t1", Text: "mine"})
	if _, err := ns.FetchByID(ctx, "t2", "nope"); !errors.Is(err, ErrGone) {
		t.Fatalf("got %v, want ErrGone", err)
	}
	p, err := ns.DeltaQuery(ctx, "t2", "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Items) != 0 {
		t.Fatalf("tenant t2 should see no notes, got %+v", p.Items)
	}
}
