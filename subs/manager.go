// Package subs manages push-notification subscriptions at the source
// platforms. Each (kind, tenant) pair moves through a small lifecycle:
// disabled, pending-create, active, renewing, expired-fallback. Losing a
// subscription is a latency degradation, never a correctness problem; the
// reconciler keeps scanning regardless.
//
// The renewal loop writes only subscription records. It never touches jobs
// or idempotency state.
package subs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/engram/registry"
	"github.com/hazyhaar/engram/source"
)

// Config configures the Manager.
type Config struct {
	// NotifyURL is the externally reachable base URL of the webhook
	// gateway. The per-kind hook path is appended.
	NotifyURL string
	// RenewalLead is how long before expiry renewal starts. Default: 30m.
	RenewalLead time.Duration
	// CheckInterval between lifecycle sweeps. Default: 1m.
	CheckInterval time.Duration
	// MaxRenewalFailures before falling back to reconciler-only coverage.
	// Default: 5.
	MaxRenewalFailures int
	// BackoffBase for renewal retries, doubled per consecutive failure and
	// capped at 15m. Default: 30s.
	BackoffBase time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RenewalLead <= 0 {
		c.RenewalLead = 30 * time.Minute
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Minute
	}
	if c.MaxRenewalFailures <= 0 {
		c.MaxRenewalFailures = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager drives the subscription lifecycle for every push-capable pair.
type Manager struct {
	store       *Store
	reg         *registry.Registry
	subscribers map[source.Kind]source.Subscriber
	cfg         Config

	mu sync.Mutex // serialises state transitions per sweep
}

// NewManager creates a Manager. Kinds without a Subscriber (local sources)
// are simply never subscribed; the reconciler covers them alone.
func NewManager(store *Store, reg *registry.Registry, subscribers map[source.Kind]source.Subscriber, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{store: store, reg: reg, subscribers: subscribers, cfg: cfg}
}

// Enable turns the pair on: the registry flag flips first so the gateway and
// reconciler start accepting work immediately, then a subscription create is
// attempted. Create failure leaves the pair in pending-create; the sweep
// retries.
func (m *Manager) Enable(ctx context.Context, kind source.Kind, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reg.SetEnabled(kind, tenant, true); err != nil {
		return err
	}
	if _, ok := m.subscribers[kind]; !ok {
		return nil
	}
	sub := &Subscription{
		SourceKind: string(kind),
		Tenant:     tenant,
		State:      StatePendingCreate,
	}
	if err := m.store.Put(ctx, sub); err != nil {
		return err
	}
	m.tryCreate(ctx, sub)
	return nil
}

// Disable turns the pair off. The registry flag flips first so no new work
// is created while the external subscription is torn down. In-flight jobs
// drain on their own.
func (m *Manager) Disable(ctx context.Context, kind source.Kind, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.reg.SetEnabled(kind, tenant, false); err != nil {
		return err
	}
	sub, err := m.store.Get(ctx, string(kind), tenant)
	if err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	if sub.ExternalID != "" {
		sc := m.subscribers[kind]
		if sc != nil {
			if err := sc.DeleteSubscription(ctx, tenant, sub.ExternalID); err != nil {
				// Best effort. An orphaned remote subscription expires on
				// its own and its notifications are dropped at the gateway.
				m.cfg.Logger.Warn("subs: delete failed",
					"kind", kind, "tenant", tenant, "error", err)
			}
		}
	}
	sub.State = StateDisabled
	sub.ExternalID = ""
	sub.ExpiresAt = time.Time{}
	sub.RenewalAttempts = 0
	return m.store.Put(ctx, sub)
}

// Run sweeps the lifecycle on the configured interval until ctx is
// cancelled. Renewal runs on its own schedule, independent of ingestion.
func (m *Manager) Run(ctx context.Context) {
	log := m.cfg.Logger
	log.Info("subs: started", "interval", m.cfg.CheckInterval, "lead", m.cfg.RenewalLead)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("subs: stopped")
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				log.Warn("subs: sweep failed", "error", err)
			}
		}
	}
}

// Tick executes one lifecycle sweep. Exported for tests and for a forced
// sweep from the ops surface.
func (m *Manager) Tick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.List(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, sub := range all {
		kind := source.Kind(sub.SourceKind)
		if !m.reg.Enabled(kind, sub.Tenant) {
			continue
		}
		switch sub.State {
		case StatePendingCreate:
			if now.Before(sub.NextAttemptAt) {
				continue
			}
			m.tryCreate(ctx, sub)
		case StateActive:
			if now.Add(m.cfg.RenewalLead).Before(sub.ExpiresAt) {
				continue
			}
			sub.State = StateRenewing
			m.tryRenew(ctx, sub)
		case StateRenewing:
			if now.Before(sub.NextAttemptAt) {
				continue
			}
			m.tryRenew(ctx, sub)
		}
	}
	return nil
}

func (m *Manager) tryCreate(ctx context.Context, sub *Subscription) {
	kind := source.Kind(sub.SourceKind)
	log := m.cfg.Logger.With("kind", kind, "tenant", sub.Tenant)

	sc := m.subscribers[kind]
	remote, err := sc.CreateSubscription(ctx, sub.Tenant,
		m.notifyURL(kind), m.reg.Secret(kind, sub.Tenant))
	if err != nil {
		sub.RenewalAttempts++
		sub.NextAttemptAt = time.Now().Add(m.backoff(sub.RenewalAttempts))
		log.Warn("subs: create failed", "attempt", sub.RenewalAttempts, "error", err)
		if err := m.store.Put(ctx, sub); err != nil {
			log.Error("subs: persist failed", "error", err)
		}
		return
	}
	sub.State = StateActive
	sub.ExternalID = remote.ExternalID
	sub.ExpiresAt = remote.ExpiresAt
	sub.RenewalAttempts = 0
	sub.NextAttemptAt = time.Time{}
	if err := m.store.Put(ctx, sub); err != nil {
		log.Error("subs: persist failed", "error", err)
		return
	}
	log.Info("subs: active", "external_id", remote.ExternalID, "expires_at", remote.ExpiresAt)
}

func (m *Manager) tryRenew(ctx context.Context, sub *Subscription) {
	kind := source.Kind(sub.SourceKind)
	log := m.cfg.Logger.With("kind", kind, "tenant", sub.Tenant)

	sc := m.subscribers[kind]
	expires, err := sc.RenewSubscription(ctx, sub.Tenant, sub.ExternalID)
	if err != nil {
		sub.RenewalAttempts++
		if sub.RenewalAttempts >= m.cfg.MaxRenewalFailures {
			// Push coverage is lost for this pair; the reconciler keeps
			// scanning, so items still arrive, just slower.
			sub.State = StateExpiredFallback
			log.Error("subs: renewal exhausted, falling back to poll-only",
				"attempts", sub.RenewalAttempts)
		} else {
			sub.NextAttemptAt = time.Now().Add(m.backoff(sub.RenewalAttempts))
			log.Warn("subs: renew failed", "attempt", sub.RenewalAttempts, "error", err)
		}
		if err := m.store.Put(ctx, sub); err != nil {
			log.Error("subs: persist failed", "error", err)
		}
		return
	}
	sub.State = StateActive
	sub.ExpiresAt = expires
	sub.RenewalAttempts = 0
	sub.NextAttemptAt = time.Time{}
	if err := m.store.Put(ctx, sub); err != nil {
		log.Error("subs: persist failed", "error", err)
		return
	}
	log.Debug("subs: renewed", "expires_at", expires)
}

func (m *Manager) notifyURL(kind source.Kind) string {
	return fmt.Sprintf("%s/hooks/%s", m.cfg.NotifyURL, kind)
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 15*time.Minute {
			return 15 * time.Minute
		}
	}
	return d
}
