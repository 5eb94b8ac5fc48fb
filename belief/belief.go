// Package belief applies human corrections to derived beliefs held in the
// memory store. Beliefs live externally; this package only drives their
// status transitions: active to verified on verify, active to deprecated on
// reject, active to superseded on correct, which also mints a new active
// belief from the edited content.
//
// Corrections are human-attended. Every event maps to exactly one store
// update call and failures come back to the caller synchronously; nothing
// here queues or retries.
package belief

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/engram/idgen"
	"github.com/hazyhaar/engram/memstore"
)

// Action is a correction verb.
type Action string

const (
	ActionVerify  Action = "verify"
	ActionReject  Action = "reject"
	ActionCorrect Action = "correct"
)

// Belief statuses as reported by the memory store.
const (
	StatusActive     = "active"
	StatusVerified   = "verified"
	StatusDeprecated = "deprecated"
	StatusSuperseded = "superseded"
)

// CorrectionEvent is one human correction. It is consumed by Apply and never
// persisted locally.
type CorrectionEvent struct {
	BeliefID string          `json:"beliefId"`
	Action   Action          `json:"action"`
	Payload  json.RawMessage `json:"payload,omitempty"` // edited content, correct only
	IssuedAt time.Time       `json:"issuedAt"`
}

// Outcome reports what a correction did.
type Outcome struct {
	BeliefID    string `json:"beliefId"`
	Status      string `json:"status"`
	NewBeliefID string `json:"newBeliefId,omitempty"`
}

// ErrUnknownBelief is returned when the store doesn't know the target belief.
var ErrUnknownBelief = errors.New("belief: unknown belief id")

// ErrTerminalState is returned for verify or reject against a belief that is
// already deprecated or superseded. Those states are final for this
// pipeline; a correct creates a new belief instead of resurrecting the old.
var ErrTerminalState = errors.New("belief: belief is in a terminal state")

// ErrBadEvent is returned for structurally invalid correction events.
var ErrBadEvent = errors.New("belief: invalid correction event")

// Updater is the slice of the memory store client the corrector needs.
type Updater interface {
	GetBelief(ctx context.Context, beliefID string) (*memstore.Item, error)
	ApplyUpdate(ctx context.Context, u *memstore.Update) error
}

// Options configures a Corrector.
type Options struct {
	// NewID mints ids for beliefs created by correct. Default: "blf_" prefix.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("blf_", idgen.Default)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Corrector turns correction events into memory-store update calls.
type Corrector struct {
	store Updater
	opts  Options
}

// New creates a Corrector.
func New(store Updater, opts Options) *Corrector {
	opts.defaults()
	return &Corrector{store: store, opts: opts}
}

// Apply executes one correction event. It reads the current belief status
// first so terminal beliefs are never reactivated, then issues exactly one
// update call. A store conflict or rejection is returned as-is for the
// caller to surface.
func (c *Corrector) Apply(ctx context.Context, ev *CorrectionEvent) (*Outcome, error) {
	if err := ev.validate(); err != nil {
		return nil, err
	}

	cur, err := c.store.GetBelief(ctx, ev.BeliefID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBelief, ev.BeliefID)
	}
	terminal := cur.Status == StatusDeprecated || cur.Status == StatusSuperseded
	if terminal && ev.Action != ActionCorrect {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalState, ev.BeliefID, cur.Status)
	}

	issued := ev.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	u := &memstore.Update{
		BeliefID: ev.BeliefID,
		Action:   string(ev.Action),
		IssuedAt: issued,
	}

	out := &Outcome{BeliefID: ev.BeliefID}
	switch ev.Action {
	case ActionVerify:
		out.Status = StatusVerified
	case ActionReject:
		out.Status = StatusDeprecated
	case ActionCorrect:
		newID := c.opts.NewID()
		u.NewBeliefID = newID
		u.Payload = ev.Payload
		out.NewBeliefID = newID
		if terminal {
			// The old belief keeps its terminal status; only the new
			// belief is created.
			out.Status = cur.Status
		} else {
			out.Status = StatusSuperseded
		}
	}

	if err := c.store.ApplyUpdate(ctx, u); err != nil {
		return nil, err
	}

	c.opts.Logger.Info("belief: correction applied",
		"belief_id", ev.BeliefID, "action", ev.Action,
		"status", out.Status, "new_belief_id", out.NewBeliefID)
	return out, nil
}

func (ev *CorrectionEvent) validate() error {
	if ev.BeliefID == "" {
		return fmt.Errorf("%w: missing belief id", ErrBadEvent)
	}
	switch ev.Action {
	case ActionVerify, ActionReject:
		return nil
	case ActionCorrect:
		if len(ev.Payload) == 0 {
			return fmt.Errorf("%w: correct requires edited content", ErrBadEvent)
		}
		return nil
	default:
		return fmt.Errorf("%w: action %q", ErrBadEvent, ev.Action)
	}
}
