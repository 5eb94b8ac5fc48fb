package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/engram"
	"github.com/hazyhaar/engram/belief"
	"github.com/hazyhaar/engram/memstore"
	"github.com/hazyhaar/engram/queue"
	"github.com/hazyhaar/engram/reconcile"
	"github.com/hazyhaar/engram/registry"
	"github.com/hazyhaar/engram/source"
)

func main() {
	logLevel := env("LOG_LEVEL", "info")
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg := &engram.Config{}
	if path := os.Getenv("CONFIG"); path != "" {
		loaded, err := engram.LoadConfig(path)
		if err != nil {
			slog.Error("config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	// Env overrides for the common knobs.
	cfg.DataDir = env("DATA_DIR", cfg.DataDir)
	cfg.Listen = env("LISTEN", cfg.Listen)
	cfg.NotifyURL = env("NOTIFY_URL", cfg.NotifyURL)
	cfg.RegistryFile = env("REGISTRY_FILE", cfg.RegistryFile)
	cfg.SourceAPI.BaseURL = env("SOURCE_API_URL", cfg.SourceAPI.BaseURL)
	cfg.SourceAPI.Token = env("SOURCE_API_TOKEN", cfg.SourceAPI.Token)
	cfg.Memory.BaseURL = env("MEMORY_URL", cfg.Memory.BaseURL)
	cfg.Memory.Token = env("MEMORY_TOKEN", cfg.Memory.Token)

	opsPassword := os.Getenv("OPS_PASSWORD")
	if opsPassword == "" {
		slog.Error("OPS_PASSWORD is required")
		os.Exit(1)
	}
	opsUser := env("OPS_USER", "ops")
	opsHash, err := bcrypt.GenerateFromPassword([]byte(opsPassword), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("ops password hash", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := engram.New(cfg, logger)
	if err != nil {
		slog.Error("init", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	svc.Start(ctx)

	r := chi.NewRouter()

	// Webhook surface, authenticated per-subscription by signature.
	r.Mount("/", svc.Gateway().Routes())

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		h, err := svc.Health(req.Context())
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, h)
	})

	// Ops surface.
	r.Route("/api", func(r chi.Router) {
		r.Use(basicAuth(opsUser, opsHash))

		r.Get("/sources", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, 200, svc.Registry().List())
		})
		r.Post("/sources/{kind}/{tenant}/enable", func(w http.ResponseWriter, req *http.Request) {
			sourceAction(w, req, svc.Enable)
		})
		r.Post("/sources/{kind}/{tenant}/disable", func(w http.ResponseWriter, req *http.Request) {
			sourceAction(w, req, svc.Disable)
		})
		r.Post("/sources/{kind}/{tenant}/sync", func(w http.ResponseWriter, req *http.Request) {
			kind := source.Kind(chi.URLParam(req, "kind"))
			tenant := chi.URLParam(req, "tenant")
			res, err := svc.SyncNow(req.Context(), kind, tenant)
			if errors.Is(err, reconcile.ErrRunInProgress) {
				writeError(w, 409, err)
				return
			}
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, res)
		})

		r.Get("/dead-letters", func(w http.ResponseWriter, req *http.Request) {
			limit := queryInt(req, "limit", 50)
			dls, err := svc.Queue().ListDeadLetters(req.Context(), limit)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, dls)
		})
		r.Post("/dead-letters/{id}/replay", func(w http.ResponseWriter, req *http.Request) {
			err := svc.Queue().Replay(req.Context(), chi.URLParam(req, "id"))
			if errors.Is(err, queue.ErrNotFound) {
				writeError(w, 404, err)
				return
			}
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "requeued"})
		})

		r.Post("/corrections", func(w http.ResponseWriter, req *http.Request) {
			var ev belief.CorrectionEvent
			if err := json.NewDecoder(req.Body).Decode(&ev); err != nil {
				writeError(w, 400, fmt.Errorf("decode correction: %w", err))
				return
			}
			out, err := svc.Correct(req.Context(), &ev)
			switch {
			case errors.Is(err, belief.ErrBadEvent):
				writeError(w, 400, err)
			case errors.Is(err, belief.ErrUnknownBelief):
				writeError(w, 404, err)
			case errors.Is(err, belief.ErrTerminalState), errors.Is(err, memstore.ErrConflict):
				writeError(w, 409, err)
			case err != nil:
				writeError(w, 502, err)
			default:
				writeJSON(w, 200, out)
			}
		})
		r.Get("/beliefs/{id}/corrections", func(w http.ResponseWriter, req *http.Request) {
			hist, err := svc.CorrectionHistory(req.Context(), chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, hist)
		})

		r.Post("/notes", func(w http.ResponseWriter, req *http.Request) {
			var in struct {
				source.Note
				Tenant string `json:"tenant"`
			}
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
				writeError(w, 400, fmt.Errorf("decode note: %w", err))
				return
			}
			if in.Tenant == "" {
				writeError(w, 400, fmt.Errorf("tenant is required"))
				return
			}
			note := in.Note
			note.Tenant = in.Tenant
			id, err := svc.Notes().Add(req.Context(), &note)
			if err != nil {
				writeError(w, 500, err)
				return
			}
			// Notes have no push path. Enqueue directly so ingestion doesn't
			// wait for the next delta sweep; the sweep re-finding it is a
			// duplicate the ledger absorbs.
			if err := svc.Queue().Enqueue(req.Context(), &queue.Job{
				SourceKind: string(source.KindNote),
				ResourceID: id,
				Tenant:     in.Tenant,
			}); err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 201, map[string]string{"id": id})
		})
		r.Delete("/notes/{tenant}/{id}", func(w http.ResponseWriter, req *http.Request) {
			err := svc.Notes().Delete(req.Context(), chi.URLParam(req, "tenant"), chi.URLParam(req, "id"))
			if err != nil {
				writeError(w, 500, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "listen", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func sourceAction(w http.ResponseWriter, req *http.Request, fn func(context.Context, source.Kind, string) error) {
	kind := source.Kind(chi.URLParam(req, "kind"))
	tenant := chi.URLParam(req, "tenant")
	if !kind.Valid() {
		writeError(w, 400, fmt.Errorf("unknown source kind %q", kind))
		return
	}
	err := fn(req.Context(), kind, tenant)
	if errors.Is(err, registry.ErrUnknown) {
		writeError(w, 404, err)
		return
	}
	if err != nil {
		writeError(w, 500, err)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

// basicAuth guards the ops surface. The password is bcrypt-compared against
// a hash derived at startup; the username in constant time.
func basicAuth(user string, passwordHash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			u, p, ok := req.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 ||
				bcrypt.CompareHashAndPassword(passwordHash, []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="engram"`)
				writeError(w, 401, fmt.Errorf("unauthorized"))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
