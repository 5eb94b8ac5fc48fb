package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/engram/envelope"
)

func TestIngest(t *testing.T) {
	var got envelope.Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/documents" {
			t.Errorf("path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.Write([]byte(`{"effectId":"eff-1"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	effect, err := c.Ingest(context.Background(), &envelope.Envelope{
		SourceKind: "email", SourceID: "abc123", Tenant: "t1", Text: "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if effect != "eff-1" {
		t.Fatalf("effect id %q", effect)
	}
	if got.SourceID != "abc123" {
		t.Fatalf("envelope not transmitted: %+v", got)
	}
}

func TestIngest_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Ingest(context.Background(), &envelope.Envelope{SourceKind: "email", SourceID: "x"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
}

func TestIngest_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad schema", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Ingest(context.Background(), &envelope.Envelope{SourceKind: "email", SourceID: "x"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
}

func TestApplyUpdate_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "superseded by b-99", http.StatusConflict)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.ApplyUpdate(context.Background(), &Update{BeliefID: "b-1", Action: "reject"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestGetBelief(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Filters map[string]string `json:"filters"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Filters["belief_id"] == "b-1" {
			w.Write([]byte(`{"items":[{"id":"b-1","status":"active","content":{"fact":"x"}}]}`))
			return
		}
		w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	item, err := c.GetBelief(context.Background(), "b-1")
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.Status != "active" {
		t.Fatalf("belief: %+v", item)
	}

	missing, err := c.GetBelief(context.Background(), "b-404")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatalf("want nil for unknown belief, got %+v", missing)
	}
}
