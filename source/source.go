// Package source defines the capability interfaces and error taxonomy for
// activity sources (chat messages, emails, calendar events, manual notes),
// plus one client implementation per source kind.
//
// Implementations are stateless and configuration-driven: no shared base
// struct, no inherited mutable state. A kind that supports push notifications
// additionally implements Subscriber; every kind implements Fetcher and
// DeltaQuerier.
package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Kind identifies a source platform.
type Kind string

const (
	KindTeams    Kind = "teams"    // chat messages
	KindEmail    Kind = "email"    // mailbox messages
	KindCalendar Kind = "calendar" // calendar events
	KindNote     Kind = "note"     // manual notes, locally stored
)

// Kinds lists every known source kind.
var Kinds = []Kind{KindTeams, KindEmail, KindCalendar, KindNote}

// Valid reports whether k is a known source kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTeams, KindEmail, KindCalendar, KindNote:
		return true
	}
	return false
}

// RawItem is the unparsed payload of one fetched source item. Data holds the
// source API's JSON representation; the envelope normalizer owns parsing it
// per kind.
type RawItem struct {
	Kind   Kind
	Tenant string
	Data   []byte
}

// ChangedItem is one entry in a delta page.
type ChangedItem struct {
	ResourceID string `json:"resourceId"`
	ChangeType string `json:"changeType"` // created | updated | deleted
}

// DeltaPage is one page of a delta scan.
type DeltaPage struct {
	Items []ChangedItem
	// NextCursor continues the scan. When Done is false the caller must
	// query again with NextCursor; when Done is true NextCursor is the
	// token to persist for the next scan.
	NextCursor string
	Done       bool
}

// RemoteSubscription describes a push-notification subscription held at the
// source platform.
type RemoteSubscription struct {
	ExternalID string
	ExpiresAt  time.Time
}

// Fetcher fetches one item by its stable resource id.
type Fetcher interface {
	Kind() Kind
	FetchByID(ctx context.Context, tenant, resourceID string) (*RawItem, error)
}

// DeltaQuerier asks a source what changed since a cursor. An empty cursor
// starts a fresh scan bounded to items changed after since.
type DeltaQuerier interface {
	DeltaQuery(ctx context.Context, tenant, cursor string, since time.Time) (*DeltaPage, error)
}

// Subscriber manages push-notification subscriptions at the source platform.
type Subscriber interface {
	CreateSubscription(ctx context.Context, tenant, notifyURL, clientState string) (*RemoteSubscription, error)
	RenewSubscription(ctx context.Context, tenant, externalID string) (time.Time, error)
	DeleteSubscription(ctx context.Context, tenant, externalID string) error
}

// --- Error taxonomy ---

// ErrGone is a permanent error: the item no longer exists at the source
// (deleted message, purged event). Jobs hitting it are terminally acked.
var ErrGone = errors.New("source: item no longer exists")

// ErrAuthRevoked is a permanent error: authorization for the resource was
// revoked. Not retried.
var ErrAuthRevoked = errors.New("source: authorization revoked")

// ErrCursorInvalid signals that a delta cursor is too old or expired and the
// caller must restart the scan over a bounded backfill window. This is a
// recognised state transition, not a failure.
var ErrCursorInvalid = errors.New("source: delta cursor invalidated")

// ErrUnavailable is a transient error: the source responded with a server
// error and the call should be retried with backoff.
var ErrUnavailable = errors.New("source: temporarily unavailable")

// RateLimitedError is a transient error carrying the source's suggested
// retry-after delay. Workers honour RetryAfter as a floor on the next
// backoff delay.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("source: rate limited, retry after %s", e.RetryAfter)
}

// IsPermanent reports whether err is in the permanent class: the job must be
// terminally resolved without retry.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrGone) || errors.Is(err, ErrAuthRevoked)
}

// IsTransient reports whether err should be retried with backoff. Network
// errors, timeouts, rate limits and 5xx responses are transient; everything
// permanent is not.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// RetryAfterFloor extracts the rate-limit floor from err, or zero.
func RetryAfterFloor(err error) time.Duration {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}
