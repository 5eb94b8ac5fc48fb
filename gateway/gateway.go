// Package gateway implements the webhook intake endpoint.
//
// The gateway does the minimum synchronous work required to accept a source
// notification: handshake echo, signature check, payload validation, and one
// enqueue per referenced resource. It never fetches and never touches the
// idempotency ledger — both are deferred to workers, which keeps the response
// inside its latency budget regardless of downstream health. The enqueue call
// itself runs under a short timeout; if the queue stalls the gateway answers
// 503 so the source's own webhook retry machinery takes over (duplicate
// enqueue is safe downstream).
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hazyhaar/engram/queue"
	"github.com/hazyhaar/engram/registry"
	"github.com/hazyhaar/engram/source"
)

// notificationSchema validates the inbound payload shape before any field is
// trusted.
const notificationSchema = `{
	"type": "object",
	"required": ["tenant", "notifications"],
	"properties": {
		"tenant": {"type": "string", "minLength": 1},
		"notifications": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["resourceId"],
				"properties": {
					"resourceId": {"type": "string", "minLength": 1},
					"changeType": {"type": "string", "enum": ["created", "updated", "deleted"]}
				}
			}
		}
	}
}`

// Enqueuer is the slice of the job queue the gateway needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *queue.Job) error
}

// Options configures the gateway.
type Options struct {
	// EnqueueTimeout bounds the synchronous enqueue call. Default: 500ms.
	EnqueueTimeout time.Duration
	// MaxBodyBytes limits the request body size. Default: 1MB.
	MaxBodyBytes int64
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = 500 * time.Millisecond
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Gateway accepts push notifications and turns them into ingestion jobs.
type Gateway struct {
	q      Enqueuer
	reg    *registry.Registry
	opts   Options
	schema *jsonschema.Schema
}

// New creates a Gateway.
func New(q Enqueuer, reg *registry.Registry, opts Options) (*Gateway, error) {
	opts.defaults()

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(notificationSchema)))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification.json", doc); err != nil {
		return nil, err
	}
	sch, err := compiler.Compile("notification.json")
	if err != nil {
		return nil, err
	}

	return &Gateway{q: q, reg: reg, opts: opts, schema: sch}, nil
}

// Routes returns the chi router for the webhook surface.
//
//	POST /hooks/{kind}
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/hooks/{kind}", g.handleNotification)
	return r
}

type notificationBody struct {
	Tenant        string `json:"tenant"`
	Notifications []struct {
		ResourceID string `json:"resourceId"`
		ChangeType string `json:"changeType"`
	} `json:"notifications"`
}

func (g *Gateway) handleNotification(w http.ResponseWriter, r *http.Request) {
	log := g.opts.Logger

	// Subscription-validation handshake: echo the token back verbatim
	// before anything else. The platform sends this when a subscription
	// is created and expects a fast plain-text reflection.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}

	kind := source.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		http.Error(w, "unknown source kind", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, g.opts.MaxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	// Validate shape before trusting any field.
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	if err := g.schema.Validate(inst); err != nil {
		http.Error(w, "invalid notification payload", http.StatusBadRequest)
		return
	}
	var n notificationBody
	if err := json.Unmarshal(body, &n); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}

	// Authenticity: HMAC over the raw body with the per-subscription secret.
	secret := g.reg.Secret(kind, n.Tenant)
	if !verifyHMAC(secret, body, r.Header.Get("X-Signature-256")) {
		log.Warn("gateway: signature rejected", "kind", kind, "tenant", n.Tenant)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// Enablement is checked at call time, not construction time.
	if !g.reg.Enabled(kind, n.Tenant) {
		log.Info("gateway: source disabled, dropping notification",
			"kind", kind, "tenant", n.Tenant, "count", len(n.Notifications))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.opts.EnqueueTimeout)
	defer cancel()
	for _, item := range n.Notifications {
		j := &queue.Job{
			SourceKind: string(kind),
			ResourceID: item.ResourceID,
			Tenant:     n.Tenant,
		}
		if err := g.q.Enqueue(ctx, j); err != nil {
			// Queue stalled: hand the retry back to the source platform.
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				log.Warn("gateway: enqueue timed out", "kind", kind, "tenant", n.Tenant)
				http.Error(w, "enqueue timeout, retry later", http.StatusServiceUnavailable)
				return
			}
			log.Error("gateway: enqueue failed", "kind", kind, "tenant", n.Tenant, "error", err)
			http.Error(w, "enqueue failed, retry later", http.StatusServiceUnavailable)
			return
		}
	}

	log.Debug("gateway: accepted", "kind", kind, "tenant", n.Tenant, "count", len(n.Notifications))
	w.WriteHeader(http.StatusAccepted)
}

// verifyHMAC checks the X-Signature-256 header against the body. A source
// with no configured secret accepts unsigned notifications.
func verifyHMAC(secret string, body []byte, signature string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	// Strip optional "sha256=" prefix (GitHub-style).
	const prefix = "sha256="
	if len(signature) > len(prefix) && signature[:len(prefix)] == prefix {
		signature = signature[len(prefix):]
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), decoded)
}
