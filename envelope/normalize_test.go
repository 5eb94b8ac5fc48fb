package envelope

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/engram/source"
)

func TestNormalizeEmail_HTMLBody(t *testing.T) {
	n := NewNormalizer()
	raw := &source.RawItem{
		Kind:   source.KindEmail,
		Tenant: "t1",
		Data: []byte(`{
			"id": "abc123",
			"subject": "Q3 planning",
			"receivedDateTime": "2026-08-01T09:30:00Z",
			"from": {"emailAddress": {"name": "Ana", "address": "ana@example.com"}},
			"toRecipients": [{"emailAddress": {"address": "bob@example.com"}}],
			"conversationId": "conv-7",
			"webLink": "https://mail.example/abc123",
			"body": {"contentType": "html", "content": "<p>See the <a href=\"https://docs.example/plan\">plan</a>.</p>"}
		}`),
	}

	env, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if env.SourceID != "abc123" || env.SourceKind != "email" || env.Tenant != "t1" {
		t.Fatalf("identity fields: %+v", env)
	}
	if env.Author != "Ana <ana@example.com>" {
		t.Fatalf("author: %q", env.Author)
	}
	if env.Context.Subject != "Q3 planning" || env.Context.Thread != "conv-7" {
		t.Fatalf("context: %+v", env.Context)
	}
	want := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)
	if !env.EventTime.Equal(want) {
		t.Fatalf("event time: %s", env.EventTime)
	}
	// Links must survive conversion.
	if !strings.Contains(env.Text, "https://docs.example/plan") {
		t.Fatalf("link lost in normalization: %q", env.Text)
	}
	if env.Raw == "" {
		t.Fatal("raw markup should be preserved for html bodies")
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	n := NewNormalizer()
	raw := &source.RawItem{
		Kind:   source.KindTeams,
		Tenant: "t1",
		Data: []byte(`{
			"id": "m9",
			"createdDateTime": "2026-08-02T10:00:00Z",
			"from": {"user": {"displayName": "Bob"}},
			"body": {"contentType": "html", "content": "<div>ping <a href=\"https://x.example\">here</a></div>"},
			"chatId": "c1",
			"webUrl": "https://chat.example/m9"
		}`),
	}

	first, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	// Re-processing after a retry must produce an equivalent envelope.
	for i := 0; i < 3; i++ {
		again, err := n.Normalize(raw)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("normalization not deterministic:\n%+v\n%+v", first, again)
		}
	}
	if !strings.Contains(first.Text, "https://x.example") {
		t.Fatalf("chat link lost: %q", first.Text)
	}
}

func TestNormalizeCalendar(t *testing.T) {
	n := NewNormalizer()
	raw := &source.RawItem{
		Kind:   source.KindCalendar,
		Tenant: "t1",
		Data: []byte(`{
			"id": "ev1",
			"subject": "Design review",
			"lastModifiedDateTime": "2026-08-03T08:00:00Z",
			"organizer": {"emailAddress": {"address": "ana@example.com"}},
			"attendees": [
				{"emailAddress": {"address": "bob@example.com"}},
				{"emailAddress": {"address": "cyn@example.com"}}
			],
			"start": {"dateTime": "2026-08-04T14:00:00"},
			"end": {"dateTime": "2026-08-04T15:00:00"},
			"location": {"displayName": "Room 4"},
			"webLink": "https://cal.example/ev1"
		}`),
	}

	env, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if env.SourceID != "ev1" {
		t.Fatalf("source id: %q", env.SourceID)
	}
	if len(env.Participants) != 2 {
		t.Fatalf("participants: %v", env.Participants)
	}
	for _, part := range []string{"Design review", "Room 4", "2026-08-04T14:00:00"} {
		if !strings.Contains(env.Text, part) {
			t.Fatalf("text missing %q: %q", part, env.Text)
		}
	}
}

func TestNormalizeNote(t *testing.T) {
	n := NewNormalizer()
	raw := &source.RawItem{
		Kind:   source.KindNote,
		Tenant: "t1",
		Data:   []byte(`{"id":"note_1","title":"idea","text":" ship faster ","author":"ana","createdAt":"2026-08-05T12:00:00Z"}`),
	}
	env, err := n.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	if env.Text != "ship faster" {
		t.Fatalf("text: %q", env.Text)
	}
	if env.Context.Subject != "idea" {
		t.Fatalf("context: %+v", env.Context)
	}
}

func TestNormalize_MissingStableID(t *testing.T) {
	n := NewNormalizer()
	raw := &source.RawItem{
		Kind:   source.KindEmail,
		Tenant: "t1",
		Data:   []byte(`{"subject":"no id here"}`),
	}
	_, err := n.Normalize(raw)
	if !errors.Is(err, ErrNoStableID) {
		t.Fatalf("got %v, want ErrNoStableID", err)
	}
}

func TestNormalize_MalformedPayload(t *testing.T) {
	n := NewNormalizer()
	raw := &source.RawItem{Kind: source.KindEmail, Tenant: "t1", Data: []byte(`{broken`)}
	_, err := n.Normalize(raw)
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("got %v, want ErrBadPayload", err)
	}
}

func TestNormalize_UnknownKind(t *testing.T) {
	n := NewNormalizer()
	_, err := n.Normalize(&source.RawItem{Kind: "carrier-pigeon", Data: []byte(`{}`)})
	if !errors.Is(err, ErrBadPayload) {
		t.Fatalf("got %v, want ErrBadPayload", err)
	}
}

func TestFlattenHTML(t *testing.T) {
	got := flattenHTML(`<div>hello <a href="https://a.example">docs</a><br>bye</div><script>evil()</script>`)
	if !strings.Contains(got, "docs (https://a.example)") {
		t.Fatalf("anchor not preserved: %q", got)
	}
	if strings.Contains(got, "evil") {
		t.Fatalf("script content leaked: %q", got)
	}
}
