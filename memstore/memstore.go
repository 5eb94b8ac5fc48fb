// Package memstore is the client for the external memory store.
//
// It exposes the three boundary calls the rest of the system is allowed to
// make — ingest, query, update — and never bypasses them with direct storage
// access. Ingest is safe to call repeatedly for the same envelope; the
// idempotency check belongs to the caller, this client trusts it already
// happened.
package memstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hazyhaar/engram/envelope"
)

// ErrUnavailable is transient: the store cannot be reached or answered with a
// server error. Callers retry with backoff.
var ErrUnavailable = errors.New("memstore: store unavailable")

// ErrRejected is permanent: the store refused the payload (schema or
// validation failure). Never retried.
var ErrRejected = errors.New("memstore: store rejected payload")

// ErrConflict signals the store refused an update because the target was
// concurrently superseded by a newer derivation. Surfaced to the caller, not
// retried.
var ErrConflict = errors.New("memstore: conflicting newer state")

// Item is one memory item returned by Query.
type Item struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Content json.RawMessage `json:"content"`
}

// Update is one memory-store update call: a correction applied to a belief.
type Update struct {
	BeliefID    string          `json:"beliefId"`
	Action      string          `json:"action"` // verify | reject | correct
	Payload     json.RawMessage `json:"payload,omitempty"`
	NewBeliefID string          `json:"newBeliefId,omitempty"`
	IssuedAt    time.Time       `json:"issuedAt"`
}

// Config configures the client.
type Config struct {
	// BaseURL of the memory store API, without trailing slash.
	BaseURL string
	// Token is the bearer token presented on every call.
	Token string
	// Timeout bounds each call. Default: 30s.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Client talks to the memory store.
type Client struct {
	http   *http.Client
	config Config
}

// New creates a Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

// Ingest submits an envelope and returns the store's effect id.
func (c *Client) Ingest(ctx context.Context, env *envelope.Envelope) (string, error) {
	data, err := c.post(ctx, "/v1/documents", env)
	if err != nil {
		return "", err
	}
	var out struct {
		EffectID string `json:"effectId"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("memstore: decode ingest ack: %w", err)
	}
	return out.EffectID, nil
}

// Query runs a memory query with optional filters.
func (c *Client) Query(ctx context.Context, query string, filters map[string]string) ([]Item, error) {
	data, err := c.post(ctx, "/v1/memory/query", map[string]any{
		"query":   query,
		"filters": filters,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Items []Item `json:"items"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("memstore: decode query result: %w", err)
	}
	return out.Items, nil
}

// GetBelief returns one belief by id, or nil if the store doesn't know it.
func (c *Client) GetBelief(ctx context.Context, beliefID string) (*Item, error) {
	items, err := c.Query(ctx, "", map[string]string{"belief_id": beliefID})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// ApplyUpdate submits a single correction update.
func (c *Client) ApplyUpdate(ctx context.Context, u *Update) error {
	_, err := c.post(ctx, "/v1/memory/update", u)
	return err
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("memstore: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("memstore: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode < 300:
		return data, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrConflict, truncate(data, 200))
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %d %s", ErrUnavailable, resp.StatusCode, truncate(data, 200))
	default:
		return nil, fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, truncate(data, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
