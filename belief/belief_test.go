package belief

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hazyhaar/engram/memstore"
)

type fakeStore struct {
	beliefs map[string]*memstore.Item
	updates []*memstore.Update
	err     error
}

func (f *fakeStore) GetBelief(ctx context.Context, beliefID string) (*memstore.Item, error) {
	if b, ok := f.beliefs[beliefID]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeStore) ApplyUpdate(ctx context.Context, u *memstore.Update) error {
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, u)
	// Mirror the store's own transition so follow-up events see it.
	if b, ok := f.beliefs[u.BeliefID]; ok {
		switch Action(u.Action) {
		case ActionVerify:
			b.Status = StatusVerified
		case ActionReject:
			b.Status = StatusDeprecated
		case ActionCorrect:
			if b.Status == StatusActive || b.Status == StatusVerified {
				b.Status = StatusSuperseded
			}
			f.beliefs[u.NewBeliefID] = &memstore.Item{
				ID: u.NewBeliefID, Status: StatusActive, Content: u.Payload,
			}
		}
	}
	return nil
}

func active(ids ...string) *fakeStore {
	f := &fakeStore{beliefs: map[string]*memstore.Item{}}
	for _, id := range ids {
		f.beliefs[id] = &memstore.Item{ID: id, Status: StatusActive}
	}
	return f
}

func TestVerify(t *testing.T) {
	f := active("B1")
	c := New(f, Options{})
	out, err := c.Apply(context.Background(), &CorrectionEvent{BeliefID: "B1", Action: ActionVerify})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusVerified || out.NewBeliefID != "" {
		t.Fatalf("outcome %+v", out)
	}
	if len(f.updates) != 1 || f.updates[0].Action != "verify" {
		t.Fatalf("updates %+v", f.updates)
	}
}

func TestRejectThenCorrectLeavesOldDeprecated(t *testing.T) {
	f := active("B1")
	c := New(f, Options{})
	ctx := context.Background()

	if _, err := c.Apply(ctx, &CorrectionEvent{BeliefID: "B1", Action: ActionReject}); err != nil {
		t.Fatal(err)
	}
	if f.beliefs["B1"].Status != StatusDeprecated {
		t.Fatalf("B1 status %s", f.beliefs["B1"].Status)
	}

	out, err := c.Apply(ctx, &CorrectionEvent{
		BeliefID: "B1",
		Action:   ActionCorrect,
		Payload:  json.RawMessage(`{"text":"the corrected fact"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.NewBeliefID == "" || out.NewBeliefID == "B1" {
		t.Fatalf("new belief id %q", out.NewBeliefID)
	}
	// The old belief is never reactivated.
	if f.beliefs["B1"].Status != StatusDeprecated {
		t.Fatalf("B1 status %s after correct, want deprecated", f.beliefs["B1"].Status)
	}
	if f.beliefs[out.NewBeliefID].Status != StatusActive {
		t.Fatalf("new belief status %s", f.beliefs[out.NewBeliefID].Status)
	}
}

func TestCorrectSupersedesActive(t *testing.T) {
	f := active("B1")
	c := New(f, Options{})
	out, err := c.Apply(context.Background(), &CorrectionEvent{
		BeliefID: "B1",
		Action:   ActionCorrect,
		Payload:  json.RawMessage(`{"text":"edited"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuperseded {
		t.Fatalf("status %s", out.Status)
	}
	if f.beliefs["B1"].Status != StatusSuperseded {
		t.Fatalf("B1 status %s", f.beliefs["B1"].Status)
	}
}

func TestVerifyOnTerminalBelief(t *testing.T) {
	f := active("B1")
	f.beliefs["B1"].Status = StatusSuperseded
	c := New(f, Options{})
	_, err := c.Apply(context.Background(), &CorrectionEvent{BeliefID: "B1", Action: ActionVerify})
	if !errors.Is(err, ErrTerminalState) {
		t.Fatalf("got %v, want ErrTerminalState", err)
	}
	if len(f.updates) != 0 {
		t.Fatal("terminal belief must not reach the store")
	}
}

func TestUnknownBelief(t *testing.T) {
	c := New(active(), Options{})
	_, err := c.Apply(context.Background(), &CorrectionEvent{BeliefID: "nope", Action: ActionReject})
	if !errors.Is(err, ErrUnknownBelief) {
		t.Fatalf("got %v, want ErrUnknownBelief", err)
	}
}

func TestStoreConflictSurfaced(t *testing.T) {
	f := active("B1")
	f.err = memstore.ErrConflict
	c := New(f, Options{})
	_, err := c.Apply(context.Background(), &CorrectionEvent{BeliefID: "B1", Action: ActionReject})
	if !errors.Is(err, memstore.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestBadEvents(t *testing.T) {
	c := New(active("B1"), Options{})
	ctx := context.Background()
	cases := []*CorrectionEvent{
		{Action: ActionVerify},                  // no belief id
		{BeliefID: "B1", Action: "boost"},       // unknown action
		{BeliefID: "B1", Action: ActionCorrect}, // correct without content
	}
	for i, ev := range cases {
		if _, err := c.Apply(ctx, ev); !errors.Is(err, ErrBadEvent) {
			t.Fatalf("case %d: got %v, want ErrBadEvent", i, err)
		}
	}
}
