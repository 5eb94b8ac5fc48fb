// Package envelope defines the canonical Document Envelope and the
// normalizer that produces it from raw source items.
//
// Normalization is deterministic and pure: identical input bytes produce an
// identical envelope, so a retried job re-emits a byte-for-byte-equivalent
// payload. The stable source id extracted here is the idempotency key for the
// whole pipeline; an item without a derivable id fails with a permanent
// validation error.
package envelope

import (
	"errors"
	"fmt"
	"time"
)

// Context situates an item: where the conversation happened, what it was
// about, where to find it.
type Context struct {
	Thread  string `json:"thread,omitempty"`
	Channel string `json:"channel,omitempty"`
	Subject string `json:"subject,omitempty"`
	Link    string `json:"link,omitempty"`
}

// Envelope is the canonical normalized representation of one ingested item.
type Envelope struct {
	SourceKind   string    `json:"source_kind"`
	SourceID     string    `json:"source_id"`
	Tenant       string    `json:"tenant"`
	EventTime    time.Time `json:"event_time"` // the source's event time, never ingestion time
	Author       string    `json:"author,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	Context      Context   `json:"context"`
	Text         string    `json:"text"`
	Raw          string    `json:"raw,omitempty"` // original markup when the source provided any
}

// ErrNoStableID is a permanent validation error: the raw item lacks a
// derivable stable source id, so idempotency cannot function for it.
var ErrNoStableID = errors.New("envelope: raw item has no stable source id")

// ErrBadPayload is a permanent validation error for undecodable raw items.
var ErrBadPayload = errors.New("envelope: malformed raw item")

// Key returns the idempotency key pair for the envelope.
func (e *Envelope) Key() (sourceKind, sourceID string) {
	return e.SourceKind, e.SourceID
}

func (e *Envelope) validate() error {
	if e.SourceID == "" {
		return ErrNoStableID
	}
	if e.SourceKind == "" {
		return fmt.Errorf("%w: missing source kind", ErrBadPayload)
	}
	return nil
}
