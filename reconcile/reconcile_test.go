package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/engram/dbopen"
	"github.com/hazyhaar/engram/queue"
	"github.com/hazyhaar/engram/registry"
	"github.com/hazyhaar/engram/source"
)

type fakeEnqueuer struct {
	mu        sync.Mutex
	jobs      []*queue.Job
	failAfter int // fail on the (failAfter+1)-th enqueue; -1 never fails
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, j *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.jobs) >= f.failAfter {
		return errors.New("queue backend down")
	}
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeDelta struct {
	mu      sync.Mutex
	pages   map[string]*source.DeltaPage // keyed by cursor
	err     map[string]error
	calls   []string
	block   chan struct{} // if set, DeltaQuery blocks until closed
	sinceIn []time.Time
}

func (f *fakeDelta) DeltaQuery(ctx context.Context, tenant, cursor string, since time.Time) (*source.DeltaPage, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, cursor)
	f.sinceIn = append(f.sinceIn, since)
	f.mu.Unlock()
	if err, ok := f.err[cursor]; ok {
		return nil, err
	}
	p, ok := f.pages[cursor]
	if !ok {
		return &source.DeltaPage{NextCursor: cursor, Done: true}, nil
	}
	return p, nil
}

func page(next string, done bool, ids ...string) *source.DeltaPage {
	p := &source.DeltaPage{NextCursor: next, Done: done}
	for _, id := range ids {
		p.Items = append(p.Items, source.ChangedItem{ResourceID: id, ChangeType: "updated"})
	}
	return p
}

func newFixture(t *testing.T, fq *fakeEnqueuer, fd *fakeDelta) (*Reconciler, *CursorStore) {
	t.Helper()
	db := dbopen.OpenMemory(t)
	cs := NewCursorStore(db)
	if err := cs.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	reg, err := registry.Parse([]byte(`
sources:
  - kind: teams
    tenant: t1
    enabled: true
    backfill_days: 3
`))
	if err != nil {
		t.Fatal(err)
	}
	r := New(cs, fq, reg, map[source.Kind]source.DeltaQuerier{source.KindTeams: fd}, Config{})
	return r, cs
}

func TestRunOnce_EnqueuesAndAdvances(t *testing.T) {
	fq := &fakeEnqueuer{failAfter: -1}
	fd := &fakeDelta{pages: map[string]*source.DeltaPage{
		"C0": page("C1", true, "m1", "m2", "m3"),
	}}
	r, cs := newFixture(t, fq, fd)
	ctx := context.Background()

	if err := cs.Set(ctx, "teams", "t1", "C0"); err != nil {
		t.Fatal(err)
	}

	res, err := r.RunOnce(ctx, source.KindTeams, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Enqueued != 3 {
		t.Fatalf("enqueued %d, want 3", res.Enqueued)
	}
	if fq.count() != 3 {
		t.Fatalf("queue got %d jobs, want 3", fq.count())
	}
	cur, err := cs.Get(ctx, "teams", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Token != "C1" {
		t.Fatalf("cursor %q, want C1", cur.Token)
	}
}

func TestRunOnce_MidPageFailureLeavesCursor(t *testing.T) {
	fq := &fakeEnqueuer{failAfter: 1} // second enqueue fails
	fd := &fakeDelta{pages: map[string]*source.DeltaPage{
		"C0": page("C1", true, "m1", "m2", "m3"),
	}}
	r, cs := newFixture(t, fq, fd)
	ctx := context.Background()
	cs.Set(ctx, "teams", "t1", "C0")

	_, err := r.RunOnce(ctx, source.KindTeams, "t1")
	if err == nil {
		t.Fatal("expected enqueue failure")
	}
	// No silent loss: the cursor must not have moved past the failed page.
	cur, _ := cs.Get(ctx, "teams", "t1")
	if cur.Token != "C0" {
		t.Fatalf("cursor advanced to %q despite mid-page failure", cur.Token)
	}
}

func TestRunOnce_MultiPage(t *testing.T) {
	fq := &fakeEnqueuer{failAfter: -1}
	fd := &fakeDelta{pages: map[string]*source.DeltaPage{
		"C0": page("C1", false, "a"),
		"C1": page("C2", true, "b", "c"),
	}}
	r, cs := newFixture(t, fq, fd)
	ctx := context.Background()
	cs.Set(ctx, "teams", "t1", "C0")

	res, err := r.RunOnce(ctx, source.KindTeams, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Enqueued != 3 || res.Pages != 2 {
		t.Fatalf("result: %+v", res)
	}
	cur, _ := cs.Get(ctx, "teams", "t1")
	if cur.Token != "C2" {
		t.Fatalf("cursor %q, want C2", cur.Token)
	}
}

func TestRunOnce_CursorInvalidatedFallsBackToBackfill(t *testing.T) {
	fq := &fakeEnqueuer{failAfter: -1}
	fd := &fakeDelta{
		pages: map[string]*source.DeltaPage{
			"": page("F1", true, "x1", "x2"),
		},
		err: map[string]error{
			"STALE": fmt.Errorf("%w: token too old", source.ErrCursorInvalid),
		},
	}
	r, cs := newFixture(t, fq, fd)
	ctx := context.Background()
	cs.Set(ctx, "teams", "t1", "STALE")

	res, err := r.RunOnce(ctx, source.KindTeams, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.CursorReset {
		t.Fatal("expected cursor reset")
	}
	if res.Enqueued != 2 {
		t.Fatalf("enqueued %d, want 2 from backfill", res.Enqueued)
	}
	cur, _ := cs.Get(ctx, "teams", "t1")
	if cur.Token != "F1" {
		t.Fatalf("cursor %q, want fresh F1", cur.Token)
	}
	// The restarted scan must carry a bounded since window (3 days here).
	fd.mu.Lock()
	last := fd.sinceIn[len(fd.sinceIn)-1]
	fd.mu.Unlock()
	if last.IsZero() || time.Since(last) > 4*24*time.Hour {
		t.Fatalf("backfill window not bounded: %s", last)
	}
}

func TestRunOnce_InitialBackfillWindow(t *testing.T) {
	fq := &fakeEnqueuer{failAfter: -1}
	fd := &fakeDelta{pages: map[string]*source.DeltaPage{
		"": page("C1", true, "m1"),
	}}
	r, _ := newFixture(t, fq, fd)

	res, err := r.RunOnce(context.Background(), source.KindTeams, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Enqueued != 1 {
		t.Fatalf("enqueued %d, want 1", res.Enqueued)
	}
	fd.mu.Lock()
	since := fd.sinceIn[0]
	fd.mu.Unlock()
	if since.IsZero() {
		t.Fatal("first-time enablement must bound the scan with a since window")
	}
}

func TestRunOnce_EmptyScansStayOnWindow(t *testing.T) {
	fq := &fakeEnqueuer{failAfter: -1}
	fd := &fakeDelta{pages: map[string]*source.DeltaPage{
		"": page("", true), // nothing in range, no token minted
	}}
	r, cs := newFixture(t, fq, fd)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.RunOnce(ctx, source.KindTeams, "t1"); err != nil {
			t.Fatal(err)
		}
	}

	cur, err := cs.Get(ctx, "teams", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if cur == nil || cur.Token != "" {
		t.Fatalf("cursor %+v", cur)
	}
	// The second run must stay bounded: an empty token never opens the scan
	// to all of history.
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.sinceIn) != 2 {
		t.Fatalf("calls %d, want 2", len(fd.sinceIn))
	}
	if fd.sinceIn[1].IsZero() {
		t.Fatal("second run dropped the since window")
	}
}

func TestRunOnce_DisabledPairDoesNothing(t *testing.T) {
	fq := &fakeEnqueuer{failAfter: -1}
	fd := &fakeDelta{pages: map[string]*source.DeltaPage{"": page("C1", true, "m1")}}
	r, _ := newFixture(t, fq, fd)

	r.reg.SetEnabled(source.KindTeams, "t1", false)
	res, err := r.RunOnce(context.Background(), source.KindTeams, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Enqueued != 0 || fq.count() != 0 {
		t.Fatal("disabled pair must not create work")
	}
}

func TestRunOnce_OverlapSuppressed(t *testing.T) {
	fq := &fakeEnqueuer{failAfter: -1}
	block := make(chan struct{})
	fd := &fakeDelta{
		pages: map[string]*source.DeltaPage{"": page("C1", true, "m1")},
		block: block,
	}
	r, _ := newFixture(t, fq, fd)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		r.RunOnce(ctx, source.KindTeams, "t1")
		close(done)
	}()

	// Give the first run time to take the in-flight slot and block.
	time.Sleep(50 * time.Millisecond)
	_, err := r.RunOnce(ctx, source.KindTeams, "t1")
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("got %v, want ErrRunInProgress", err)
	}

	close(block)
	<-done

	// After the first run finishes the slot is free again.
	if _, err := r.RunOnce(ctx, source.KindTeams, "t1"); err != nil {
		t.Fatalf("slot should be free: %v", err)
	}
}
