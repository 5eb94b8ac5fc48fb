// Package worker runs the ingestion pipeline: claim a job, fetch the source
// item, normalize it into an envelope, check idempotency, submit to the
// memory store, reserve the idempotency key, acknowledge.
//
// The reservation is written only after the store confirms the ingestion.
// A crash between claim and commit is retried cleanly; a crash between
// commit and reservation is a rare, bounded duplicate that the next attempt
// logs and absorbs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hazyhaar/engram/envelope"
	"github.com/hazyhaar/engram/ledger"
	"github.com/hazyhaar/engram/memstore"
	"github.com/hazyhaar/engram/queue"
	"github.com/hazyhaar/engram/source"
)

// Ingester is the slice of the memory store client the pool needs.
type Ingester interface {
	Ingest(ctx context.Context, env *envelope.Envelope) (string, error)
}

// Recorder receives pipeline datapoints. Nil disables recording.
type Recorder interface {
	RecordSimple(name string, value float64, unit string)
}

// Config configures the worker pool.
type Config struct {
	// Concurrency bounds in-flight jobs. Default: 4.
	Concurrency int
	// BatchSize per claim poll. Default: 8.
	BatchSize int
	// PollInterval between claim polls. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts before a job dead-letters. Default: 8.
	MaxAttempts int
	// BackoffBase for transient retries, doubled per attempt. Default: 5s.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay. Default: 10m.
	BackoffCap time.Duration
	// OpTimeout bounds each external call (fetch, ingest). Default: 30s.
	OpTimeout time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Metrics receives pipeline datapoints. Optional.
	Metrics Recorder
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Minute
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool consumes ingestion jobs with bounded concurrency. Workers share no
// state except the queue's lease and the idempotency ledger.
type Pool struct {
	q        *queue.Q
	ledger   *ledger.Ledger
	fetchers map[source.Kind]source.Fetcher
	norm     *envelope.Normalizer
	mem      Ingester
	cfg      Config
}

// New creates a Pool.
func New(q *queue.Q, led *ledger.Ledger, fetchers map[source.Kind]source.Fetcher, mem Ingester, cfg Config) *Pool {
	cfg.defaults()
	return &Pool{
		q:        q,
		ledger:   led,
		fetchers: fetchers,
		norm:     envelope.NewNormalizer(),
		mem:      mem,
		cfg:      cfg,
	}
}

// Run polls the queue until ctx is cancelled, draining in-flight jobs
// before returning.
func (p *Pool) Run(ctx context.Context) {
	log := p.cfg.Logger
	log.Info("worker: pool started",
		"concurrency", p.cfg.Concurrency,
		"batch_size", p.cfg.BatchSize,
		"poll", p.cfg.PollInterval,
		"max_attempts", p.cfg.MaxAttempts,
	)

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker: pool stopping, draining in-flight jobs")
			wg.Wait()
			log.Info("worker: pool stopped")
			return
		case <-ticker.C:
			jobs, err := p.q.BatchClaim(ctx, p.cfg.BatchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("worker: batch claim failed", "error", err)
				continue
			}
			for i, job := range jobs {
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					// Return every unstarted claim to visibility so a
					// restart redelivers immediately instead of waiting
					// out the lease.
					for _, unstarted := range jobs[i:] {
						_ = p.q.Nack(context.Background(), unstarted.ID, 0)
					}
					wg.Wait()
					return
				}
				wg.Add(1)
				go func(j *queue.Job) {
					defer wg.Done()
					defer func() { <-sem }()
					p.Process(ctx, j)
				}(job)
			}
		}
	}
}

// Process runs the pipeline for one claimed job and resolves it against the
// queue. Exported for tests and for single-shot draining.
func (p *Pool) Process(ctx context.Context, j *queue.Job) {
	log := p.cfg.Logger.With("job", j.ID, "kind", j.SourceKind,
		"resource", j.ResourceID, "tenant", j.Tenant, "attempt", j.Attempts)

	start := time.Now()
	err := p.pipeline(ctx, j, log)
	p.record("ingest_pipeline_ms", float64(time.Since(start).Milliseconds()), "milliseconds")

	switch {
	case err == nil:
		if ackErr := p.q.Ack(ctx, j.ID); ackErr != nil {
			log.Error("worker: ack failed", "error", ackErr)
		}

	case isPermanent(err):
		// Terminal: logged and acknowledged, never retried.
		log.Warn("worker: permanent failure, resolving terminally", "error", err)
		p.record("ingest_permanent_failures", 1, "count")
		if ackErr := p.q.Ack(ctx, j.ID); ackErr != nil {
			log.Error("worker: ack failed", "error", ackErr)
		}

	case j.Attempts >= p.cfg.MaxAttempts:
		log.Error("worker: attempts exhausted, dead-lettering", "error", err)
		p.record("ingest_dead_letters", 1, "count")
		if dlErr := p.q.DeadLetter(ctx, j.ID, err.Error()); dlErr != nil {
			log.Error("worker: dead-letter failed", "error", dlErr)
		}

	default:
		delay := p.backoff(j.Attempts, err)
		log.Warn("worker: transient failure, rescheduling", "error", err, "retry_in", delay)
		p.record("ingest_transient_failures", 1, "count")
		if nackErr := p.q.Nack(ctx, j.ID, delay); nackErr != nil {
			log.Error("worker: nack failed", "error", nackErr)
		}
	}
}

func (p *Pool) pipeline(ctx context.Context, j *queue.Job, log *slog.Logger) error {
	kind := source.Kind(j.SourceKind)
	f, ok := p.fetchers[kind]
	if !ok {
		return fmt.Errorf("worker: no fetcher for kind %q: %w", j.SourceKind, errNoFetcher)
	}

	// Cheap pre-check so known duplicates skip the fetch entirely. The
	// authoritative reservation comes after the store commit.
	seen, err := p.ledger.Seen(ctx, j.SourceKind, j.ResourceID)
	if err != nil {
		return err
	}
	if seen {
		log.Debug("worker: duplicate, skipping")
		p.record("ingest_duplicates", 1, "count")
		return nil
	}

	fctx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	raw, err := f.FetchByID(fctx, j.Tenant, j.ResourceID)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}

	env, err := p.norm.Normalize(raw)
	if err != nil {
		return fmt.Errorf("normalize: %w", err)
	}

	ictx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	effectID, err := p.mem.Ingest(ictx, env)
	cancel()
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}

	outcome, err := p.ledger.Reserve(ctx, j.SourceKind, j.ResourceID)
	if err != nil {
		// The effect committed but the reservation didn't. The retry will
		// re-check Seen and may double-write; bounded and logged, not fatal.
		log.Error("worker: reservation failed after commit", "effect", effectID, "error", err)
		return err
	}
	if outcome == ledger.Duplicate {
		// Lost the race to a concurrent worker after both committed.
		log.Warn("worker: duplicate effect detected after commit", "effect", effectID)
		p.record("ingest_post_commit_duplicates", 1, "count")
		return nil
	}

	log.Info("worker: ingested", "effect", effectID)
	p.record("ingest_effects", 1, "count")
	return nil
}

// backoff computes base * 2^(attempt-1) with a cap and up to 20% jitter,
// floored at the source's suggested retry-after when rate limited.
func (p *Pool) backoff(attempt int, err error) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.BackoffCap {
			d = p.cfg.BackoffCap
			break
		}
	}
	d += time.Duration(rand.Int64N(int64(d)/5 + 1))
	if floor := source.RetryAfterFloor(err); floor > d {
		d = floor
	}
	return d
}

func (p *Pool) record(name string, value float64, unit string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordSimple(name, value, unit)
	}
}

var errNoFetcher = errors.New("worker: unconfigured source kind")

func isPermanent(err error) bool {
	return source.IsPermanent(err) ||
		errors.Is(err, errNoFetcher) ||
		errors.Is(err, envelope.ErrNoStableID) ||
		errors.Is(err, envelope.ErrBadPayload) ||
		errors.Is(err, memstore.ErrRejected)
}
