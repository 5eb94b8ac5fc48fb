package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Config configures an HTTP source client.
type Config struct {
	// BaseURL of the source platform API, without trailing slash.
	BaseURL string
	// Token is the bearer token presented on every call.
	Token string
	// Timeout bounds each call. Default: 30s.
	Timeout time.Duration
	// MaxBytes limits response body size. Default: 10MB.
	MaxBytes int64
	// UserAgent sent with requests.
	UserAgent string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 * 1024 * 1024
	}
	if c.UserAgent == "" {
		c.UserAgent = "engram/1.0"
	}
}

// client is the shared HTTP transport for the teams, email and calendar
// clients. It owns status-code → error-taxonomy mapping; the per-kind types
// only contribute their URL layout.
type client struct {
	http   *http.Client
	config Config
}

func newClient(cfg Config) *client {
	cfg.defaults()
	return &client{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

func (c *client) do(ctx context.Context, method, url string, body any) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("source: marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("source: build request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("source: read body: %w", err)
	}
	if err := statusError(resp, data); err != nil {
		return nil, err
	}
	return data, nil
}

// statusError maps an HTTP response to the source error taxonomy.
func statusError(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w (%d)", ErrGone, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w (%d)", ErrAuthRevoked, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %d %s", ErrUnavailable, resp.StatusCode, truncate(body, 200))
	default:
		return fmt.Errorf("source: unexpected status %d: %s", resp.StatusCode, truncate(body, 200))
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 30 * time.Second
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// deltaResponse is the wire shape of a delta page.
type deltaResponse struct {
	Items      []ChangedItem `json:"items"`
	NextCursor string        `json:"nextCursor"`
	Done       bool          `json:"done"`
}

func (c *client) fetchItem(ctx context.Context, kind Kind, base, tenant, resourceID string) (*RawItem, error) {
	data, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s/items/%s", base, tenant, resourceID), nil)
	if err != nil {
		return nil, err
	}
	return &RawItem{Kind: kind, Tenant: tenant, Data: data}, nil
}

func (c *client) deltaQuery(ctx context.Context, base, tenant, cursor string, since time.Time) (*DeltaPage, error) {
	url := fmt.Sprintf("%s/%s/delta?cursor=%s", base, tenant, cursor)
	if cursor == "" && !since.IsZero() {
		url = fmt.Sprintf("%s/%s/delta?since=%s", base, tenant, since.UTC().Format(time.RFC3339))
	}
	data, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		// A 410 on the delta endpoint means the cursor itself is stale,
		// not that an item is gone.
		if cursor != "" && isGone(err) {
			return nil, fmt.Errorf("%w: %v", ErrCursorInvalid, err)
		}
		return nil, err
	}
	var dr deltaResponse
	if err := json.Unmarshal(data, &dr); err != nil {
		return nil, fmt.Errorf("source: decode delta page: %w", err)
	}
	return &DeltaPage{Items: dr.Items, NextCursor: dr.NextCursor, Done: dr.Done}, nil
}

func (c *client) createSubscription(ctx context.Context, base, tenant, notifyURL, clientState string) (*RemoteSubscription, error) {
	data, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s/subscriptions", base, tenant),
		map[string]string{"notifyUrl": notifyURL, "clientState": clientState})
	if err != nil {
		return nil, err
	}
	var sub struct {
		ID        string    `json:"id"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("source: decode subscription: %w", err)
	}
	return &RemoteSubscription{ExternalID: sub.ID, ExpiresAt: sub.ExpiresAt}, nil
}

func (c *client) renewSubscription(ctx context.Context, base, tenant, externalID string) (time.Time, error) {
	data, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/subscriptions/%s/renew", base, tenant, externalID), nil)
	if err != nil {
		return time.Time{}, err
	}
	var out struct {
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return time.Time{}, fmt.Errorf("source: decode renewal: %w", err)
	}
	return out.ExpiresAt, nil
}

func (c *client) deleteSubscription(ctx context.Context, base, tenant, externalID string) error {
	_, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("%s/%s/subscriptions/%s", base, tenant, externalID), nil)
	if isGone(err) {
		return nil // already gone at the platform
	}
	return err
}

func isGone(err error) bool {
	return errors.Is(err, ErrGone)
}
