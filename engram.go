// Package engram wires the ingestion reliability engine together: webhook
// gateway, durable job queue, worker pool, delta-sync reconciler,
// subscription lifecycle and the belief correction path, all backed by
// SQLite and an external memory store.
package engram

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hazyhaar/engram/belief"
	"github.com/hazyhaar/engram/dbopen"
	"github.com/hazyhaar/engram/gateway"
	"github.com/hazyhaar/engram/ledger"
	"github.com/hazyhaar/engram/memstore"
	"github.com/hazyhaar/engram/observability"
	"github.com/hazyhaar/engram/queue"
	"github.com/hazyhaar/engram/reconcile"
	"github.com/hazyhaar/engram/registry"
	"github.com/hazyhaar/engram/source"
	"github.com/hazyhaar/engram/subs"
	"github.com/hazyhaar/engram/worker"
)

// Service is the engram orchestrator. Build it with New, call Start, then
// Close on shutdown.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	db    *sql.DB
	obsDB *sql.DB

	reg     *registry.Registry
	queue   *queue.Q
	ledger  *ledger.Ledger
	notes   *source.NoteStore
	mem     *memstore.Client
	gateway *gateway.Gateway
	pool    *worker.Pool
	recon   *reconcile.Reconciler
	subMgr  *subs.Manager
	subStor *subs.Store

	corrector *belief.Corrector
	audit     *observability.CorrectionAudit
	metrics   *observability.MetricsManager
	heartbeat *observability.HeartbeatWriter
}

// New opens the databases, applies schemas and wires every component.
func New(cfg *Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	reg := registry.NewRegistry()
	if cfg.RegistryFile != "" {
		loaded, err := registry.Load(cfg.RegistryFile)
		if err != nil {
			return nil, fmt.Errorf("engram: load registry: %w", err)
		}
		reg = loaded
	}

	db, err := dbopen.Open(filepath.Join(cfg.DataDir, "engram.db"), dbopen.WithMkdirAll())
	if err != nil {
		return nil, fmt.Errorf("engram: open db: %w", err)
	}
	obsDB, err := dbopen.Open(filepath.Join(cfg.DataDir, "engram_obs.db"), dbopen.WithMkdirAll())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engram: open obs db: %w", err)
	}
	if err := observability.Init(obsDB); err != nil {
		db.Close()
		obsDB.Close()
		return nil, fmt.Errorf("engram: obs schema: %w", err)
	}

	svc := &Service{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		obsDB:     obsDB,
		reg:       reg,
		metrics:   observability.NewMetricsManager(obsDB, 100, 5*time.Second),
		heartbeat: observability.NewHeartbeatWriter(obsDB, "engramd", 15*time.Second),
		audit:     observability.NewCorrectionAudit(obsDB),
	}

	svc.queue = queue.New(db, queue.Options{Visibility: cfg.Workers.Visibility})
	svc.ledger = ledger.New(db, time.Duration(cfg.LedgerRetentionDays)*24*time.Hour)
	svc.notes = source.NewNoteStore(db, cfg.NotePageSize)
	cursors := reconcile.NewCursorStore(db)
	svc.subStor = subs.NewStore(db)
	for _, ensure := range []func(context.Context) error{
		svc.queue.EnsureSchema,
		svc.ledger.EnsureSchema,
		svc.notes.EnsureSchema,
		cursors.EnsureSchema,
		svc.subStor.EnsureSchema,
	} {
		if err := ensure(ctx); err != nil {
			svc.closeDBs()
			return nil, fmt.Errorf("engram: apply schema: %w", err)
		}
	}

	srcCfg := source.Config{BaseURL: cfg.SourceAPI.BaseURL, Token: cfg.SourceAPI.Token}
	teams := source.NewTeamsClient(srcCfg)
	email := source.NewEmailClient(srcCfg)
	calendar := source.NewCalendarClient(srcCfg)

	fetchers := map[source.Kind]source.Fetcher{
		source.KindTeams:    teams,
		source.KindEmail:    email,
		source.KindCalendar: calendar,
		source.KindNote:     svc.notes,
	}
	deltas := map[source.Kind]source.DeltaQuerier{
		source.KindTeams:    teams,
		source.KindEmail:    email,
		source.KindCalendar: calendar,
		source.KindNote:     svc.notes,
	}
	subscribers := map[source.Kind]source.Subscriber{
		source.KindTeams:    teams,
		source.KindEmail:    email,
		source.KindCalendar: calendar,
	}

	svc.mem = memstore.New(memstore.Config{BaseURL: cfg.Memory.BaseURL, Token: cfg.Memory.Token})
	svc.corrector = belief.New(svc.mem, belief.Options{Logger: logger})

	svc.gateway, err = gateway.New(svc.queue, reg, gateway.Options{Logger: logger})
	if err != nil {
		svc.closeDBs()
		return nil, fmt.Errorf("engram: gateway: %w", err)
	}

	svc.pool = worker.New(svc.queue, svc.ledger, fetchers, svc.mem, worker.Config{
		Concurrency: cfg.Workers.Concurrency,
		BatchSize:   cfg.Workers.BatchSize,
		MaxAttempts: cfg.Workers.MaxAttempts,
		BackoffBase: cfg.Workers.BackoffBase,
		BackoffCap:  cfg.Workers.BackoffCap,
		Logger:      logger,
		Metrics:     svc.metrics,
	})
	svc.recon = reconcile.New(cursors, svc.queue, reg, deltas, reconcile.Config{
		Interval:       cfg.Reconcile.Interval,
		MaxPagesPerRun: cfg.Reconcile.MaxPagesPerRun,
		Logger:         logger,
	})
	svc.subMgr = subs.NewManager(svc.subStor, reg, subscribers, subs.Config{
		NotifyURL:     cfg.NotifyURL,
		RenewalLead:   cfg.Subs.RenewalLead,
		CheckInterval: cfg.Subs.CheckInterval,
		Logger:        logger,
	})

	return svc, nil
}

// Start launches the background loops. They stop when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.pool.Run(ctx)
	go s.recon.Run(ctx)
	go s.subMgr.Run(ctx)
	go s.ledger.RunPurge(ctx, time.Hour)
	s.heartbeat.Start(ctx)
	s.logger.Info("engram: started")
}

// Close flushes observability buffers and closes the databases. Call after
// the Start context is cancelled.
func (s *Service) Close() error {
	s.heartbeat.Stop()
	s.metrics.Close()
	s.closeDBs()
	s.logger.Info("engram: closed")
	return nil
}

func (s *Service) closeDBs() {
	s.db.Close()
	s.obsDB.Close()
}

// Gateway returns the webhook gateway for route mounting.
func (s *Service) Gateway() *gateway.Gateway { return s.gateway }

// Registry returns the source registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Notes returns the manual-note store.
func (s *Service) Notes() *source.NoteStore { return s.notes }

// Queue returns the job queue, used by the ops surface for dead-letter
// listing and replay.
func (s *Service) Queue() *queue.Q { return s.queue }

// Enable turns a source on and creates its push subscription.
func (s *Service) Enable(ctx context.Context, kind source.Kind, tenant string) error {
	return s.subMgr.Enable(ctx, kind, tenant)
}

// Disable turns a source off and tears down its push subscription.
func (s *Service) Disable(ctx context.Context, kind source.Kind, tenant string) error {
	return s.subMgr.Disable(ctx, kind, tenant)
}

// SyncNow triggers an immediate reconciliation run for one pair.
func (s *Service) SyncNow(ctx context.Context, kind source.Kind, tenant string) (*reconcile.Result, error) {
	return s.recon.RunOnce(ctx, kind, tenant)
}

// Correct applies one human correction and records it in the audit trail.
// Failures are returned to the caller; nothing is queued or retried.
func (s *Service) Correct(ctx context.Context, ev *belief.CorrectionEvent) (*belief.Outcome, error) {
	out, err := s.corrector.Apply(ctx, ev)
	entry := &observability.CorrectionEntry{
		BeliefID: ev.BeliefID,
		Action:   string(ev.Action),
	}
	if err != nil {
		entry.Status = "failed"
		entry.Error = err.Error()
	} else {
		entry.Status = "applied"
		entry.NewBeliefID = out.NewBeliefID
	}
	if auditErr := s.audit.Record(ctx, entry); auditErr != nil {
		s.logger.Error("engram: correction audit failed", "error", auditErr)
	}
	return out, err
}

// CorrectionHistory returns the audit trail for one belief.
func (s *Service) CorrectionHistory(ctx context.Context, beliefID string) ([]*observability.CorrectionEntry, error) {
	return s.audit.ForBelief(ctx, beliefID, 0)
}

// SubscriptionStatus is the per-pair entry in the health snapshot.
type SubscriptionStatus struct {
	SourceKind string    `json:"source_kind"`
	Tenant     string    `json:"tenant"`
	State      string    `json:"state"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Health is the diagnostic snapshot served by the ops surface.
type Health struct {
	QueueDepth     int                  `json:"queue_depth"`
	DeadLetters    int                  `json:"dead_letters"`
	LedgerSize     int                  `json:"ledger_size"`
	Subscriptions  []SubscriptionStatus `json:"subscriptions"`
	HeartbeatAlive bool                 `json:"heartbeat_alive"`
}

// Health gathers the diagnostic snapshot.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	dead, err := s.queue.DeadLetterCount(ctx)
	if err != nil {
		return nil, err
	}
	size, err := s.ledger.Size(ctx)
	if err != nil {
		return nil, err
	}
	all, err := s.subStor.List(ctx)
	if err != nil {
		return nil, err
	}
	h := &Health{QueueDepth: depth, DeadLetters: dead, LedgerSize: size}
	for _, sub := range all {
		h.Subscriptions = append(h.Subscriptions, SubscriptionStatus{
			SourceKind: sub.SourceKind,
			Tenant:     sub.Tenant,
			State:      string(sub.State),
			ExpiresAt:  sub.ExpiresAt,
		})
	}
	if hb, err := observability.LatestHeartbeat(ctx, s.obsDB, "engramd", 45*time.Second); err == nil && hb != nil {
		h.HeartbeatAlive = hb.Alive
	}
	return h, nil
}
