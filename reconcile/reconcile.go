// Package reconcile implements the delta-sync safety net: a periodic sweep
// that asks each enabled source what changed since the persisted cursor and
// enqueues ingestion jobs for everything found. Items that already arrived
// over the push path are absorbed downstream by the idempotency ledger — the
// two delivery paths are never suppressed against each other.
//
// Cursor discipline: a cursor only moves after the entire page behind it has
// been durably enqueued. Advancing late risks re-scanning, which idempotency
// makes safe; advancing early risks silent loss, which nothing downstream can
// repair.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/engram/queue"
	"github.com/hazyhaar/engram/registry"
	"github.com/hazyhaar/engram/source"
)

// ErrRunInProgress is returned when a manual run is requested for a pair
// whose scheduled run is still executing.
var ErrRunInProgress = errors.New("reconcile: run already in progress for this source")

// Enqueuer is the slice of the job queue the reconciler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *queue.Job) error
}

// Config configures the reconciler.
type Config struct {
	// Interval between sweeps. Default: 5m.
	Interval time.Duration
	// MaxPagesPerRun bounds one run's pagination. Default: 50.
	MaxPagesPerRun int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.MaxPagesPerRun <= 0 {
		c.MaxPagesPerRun = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result summarises one reconciliation run.
type Result struct {
	Enqueued    int
	Pages       int
	CursorReset bool
	FinalCursor string
}

// Reconciler runs periodic delta scans for every enabled (kind, tenant) pair.
type Reconciler struct {
	cursors *CursorStore
	q       Enqueuer
	reg     *registry.Registry
	sources map[source.Kind]source.DeltaQuerier
	cfg     Config

	mu       sync.Mutex
	inflight map[string]bool
}

// New creates a Reconciler.
func New(cursors *CursorStore, q Enqueuer, reg *registry.Registry, sources map[source.Kind]source.DeltaQuerier, cfg Config) *Reconciler {
	cfg.defaults()
	return &Reconciler{
		cursors:  cursors,
		q:        q,
		reg:      reg,
		sources:  sources,
		cfg:      cfg,
		inflight: make(map[string]bool),
	}
}

// Run sweeps all enabled pairs on the configured interval until ctx is
// cancelled. Pairs run concurrently with each other; a run for a pair whose
// previous run is still executing is skipped, never doubled.
func (r *Reconciler) Run(ctx context.Context) {
	log := r.cfg.Logger
	log.Info("reconcile: started", "interval", r.cfg.Interval)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconcile: stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	for _, e := range r.reg.EnabledPairs() {
		if _, ok := r.sources[e.Kind]; !ok {
			continue
		}
		go func(e registry.Entry) {
			if _, err := r.RunOnce(ctx, e.Kind, e.Tenant); err != nil && !errors.Is(err, ErrRunInProgress) {
				r.cfg.Logger.Warn("reconcile: run failed",
					"kind", e.Kind, "tenant", e.Tenant, "error", err)
			}
		}(e)
	}
}

// RunOnce executes a single reconciliation run for one pair. Exported for
// the ops surface ("sync now") and for tests.
func (r *Reconciler) RunOnce(ctx context.Context, kind source.Kind, tenant string) (*Result, error) {
	key := string(kind) + "/" + tenant
	r.mu.Lock()
	if r.inflight[key] {
		r.mu.Unlock()
		return nil, ErrRunInProgress
	}
	r.inflight[key] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, key)
		r.mu.Unlock()
	}()

	// Enablement read at call time: a disable between scheduling and
	// execution stops the run before any work is created.
	entry := r.reg.Get(kind, tenant)
	if entry == nil || !entry.Enabled {
		return &Result{}, nil
	}
	dq, ok := r.sources[kind]
	if !ok {
		return nil, fmt.Errorf("reconcile: no delta querier for kind %q", kind)
	}

	log := r.cfg.Logger.With("kind", kind, "tenant", tenant)

	cursor := ""
	since := time.Time{}
	stored, err := r.cursors.Get(ctx, string(kind), tenant)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		// First-time enablement: initial backfill over the configured window.
		since = time.Now().Add(-entry.BackfillWindow())
		log.Info("reconcile: initial backfill", "since", since)
	} else {
		cursor = stored.Token
		if cursor == "" {
			// Earlier runs scanned nothing and never minted a token. Stay on
			// the backfill window rather than falling open to all of history.
			since = time.Now().Add(-entry.BackfillWindow())
		}
	}

	res := &Result{FinalCursor: cursor}
	for page := 0; page < r.cfg.MaxPagesPerRun; page++ {
		dp, err := dq.DeltaQuery(ctx, tenant, cursor, since)
		if errors.Is(err, source.ErrCursorInvalid) {
			if res.CursorReset {
				return res, fmt.Errorf("reconcile: cursor invalid twice in one run: %w", err)
			}
			// Recognised state transition: restart over a bounded
			// re-backfill window with a fresh cursor.
			res.CursorReset = true
			cursor = ""
			since = time.Now().Add(-entry.BackfillWindow())
			log.Warn("reconcile: cursor invalidated, re-backfilling", "since", since)
			continue
		}
		if err != nil {
			return res, err
		}

		// The whole page must be durably enqueued before the cursor may
		// move. A failure mid-page leaves the cursor untouched; the next
		// run re-scans the page and idempotency absorbs the overlap.
		for _, item := range dp.Items {
			j := &queue.Job{
				SourceKind: string(kind),
				ResourceID: item.ResourceID,
				Tenant:     tenant,
			}
			if err := r.q.Enqueue(ctx, j); err != nil {
				return res, fmt.Errorf("reconcile: enqueue %s: %w", item.ResourceID, err)
			}
			res.Enqueued++
		}
		res.Pages++

		if err := r.cursors.Set(ctx, string(kind), tenant, dp.NextCursor); err != nil {
			return res, err
		}
		cursor = dp.NextCursor
		res.FinalCursor = dp.NextCursor

		if dp.Done {
			break
		}
	}

	log.Debug("reconcile: run complete",
		"enqueued", res.Enqueued, "pages", res.Pages, "cursor", res.FinalCursor)
	return res, nil
}
