package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/user/turnstile/internal/types"
)

// countingStore wraps a session store and counts Update calls.
type countingStore struct {
	types.SessionStore
	updates int
	fail    error
}

func (s *countingStore) Update(ctx context.Context, id types.SessionID, patch types.SessionPatch) (*types.Session, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	s.updates++
	return s.SessionStore.Update(ctx, id, patch)
}

type panickySink struct{}

func (panickySink) Broadcast(types.StreamingUpdate) error { panic("subscriber exploded") }

type failingSink struct{}

func (failingSink) Broadcast(types.StreamingUpdate) error { return errors.New("closed") }

func newProjectorSession(t *testing.T) (*countingStore, *types.Session) {
	t.Helper()
	h := newHarness(t, nil, 0)
	store := &countingStore{SessionStore: h.sessions}
	id := h.newSession(t, types.SourceMain)
	return store, h.get(t, id)
}

func TestProjectorThrottlesPersistence(t *testing.T) {
	store, session := newProjectorSession(t)
	sink := &recordingSink{}
	p := NewProjector(store, sink)
	ctx := context.Background()
	msgID := types.NewMessageID()
	delta := func(d types.Delta) types.StreamingUpdate {
		return types.StreamingDelta{SessionID: session.ID, MessageID: msgID, Delta: d}
	}

	steps := []struct {
		update  types.StreamingUpdate
		persist bool
	}{
		{delta(types.MessageStarted{At: time.Now()}), true},
		{delta(types.TextDelta{Text: "a"}), true},
		{delta(types.TextDelta{Text: "b"}), false},
		{delta(types.ReasoningDelta{Text: "hmm"}), true},
		{delta(types.ReasoningDelta{Signature: "sig-1"}), true},
		{delta(types.ToolCallStarted{ToolCallID: "c1", ToolName: "bash", At: time.Now()}), true},
		{delta(types.ToolCallReadyDelta{ToolCallID: "c1", ToolName: "bash", Input: json.RawMessage(`{}`)}), false},
		{delta(types.ToolCallCompletedDelta{ToolCallID: "c1", Output: json.RawMessage(`"ok"`)}), true},
		{delta(types.MessageFinished{Cost: 0.1}), true},
	}
	for i, s := range steps {
		before := store.updates
		if err := p.Apply(ctx, session, s.update); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if persisted := store.updates > before; persisted != s.persist {
			t.Errorf("step %d (%T): persisted=%v, want %v", i, s.update.(types.StreamingDelta).Delta, persisted, s.persist)
		}
	}
	if len(sink.all()) != len(steps) {
		t.Errorf("every update should be broadcast, got %d", len(sink.all()))
	}

	msg := session.LastMessage()
	if msg.Text() != "ab" {
		t.Errorf("expected merged text, got %q", msg.Text())
	}
	if len(msg.AssistantParts) != 3 {
		t.Errorf("expected text, thinking and tool parts, got %d", len(msg.AssistantParts))
	}
	if thinking := msg.AssistantParts[1]; thinking.Text != "hmm" || thinking.Signature != "sig-1" {
		t.Errorf("expected signed thinking part, got %+v", thinking)
	}
	stored, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastMessage().Text() != "ab" {
		t.Error("final persisted state should include the merged text")
	}
}

func TestProjectorToolCallMonotonic(t *testing.T) {
	store, session := newProjectorSession(t)
	p := NewProjector(store, nil)
	ctx := context.Background()
	msgID := types.NewMessageID()
	apply := func(d types.Delta) {
		t.Helper()
		if err := p.Apply(ctx, session, types.StreamingDelta{SessionID: session.ID, MessageID: msgID, Delta: d}); err != nil {
			t.Fatal(err)
		}
	}

	apply(types.MessageStarted{At: time.Now()})
	apply(types.ToolCallReadyDelta{ToolCallID: "c1", ToolName: "bash", Input: json.RawMessage(`{"command":"ls"}`)})
	apply(types.ToolCallFailed{ToolCallID: "c1", Error: "boom"})
	apply(types.ToolCallCompletedDelta{ToolCallID: "c1", Output: json.RawMessage(`"late"`)})
	apply(types.ToolCallStarted{ToolCallID: "c1", ToolName: "bash"})

	msg := session.LastMessage()
	if len(msg.AssistantParts) != 1 {
		t.Fatalf("updates must merge in place, got %d parts", len(msg.AssistantParts))
	}
	tc := msg.FindToolCall("c1")
	if tc.Status != types.ToolCallError || tc.Error != "boom" || tc.Output != nil {
		t.Errorf("terminal status must not move, got %+v", tc)
	}
	if string(tc.Input) != `{"command":"ls"}` {
		t.Errorf("input should be kept, got %s", tc.Input)
	}
}

func TestProjectorSessionAndCompactionUpdates(t *testing.T) {
	store, session := newProjectorSession(t)
	p := NewProjector(store, nil)
	ctx := context.Background()

	status := types.StatusNeedsYou
	cost := 1.5
	if err := p.Apply(ctx, session, types.SessionUpdate{SessionID: session.ID, Status: &status, Cost: &cost}); err != nil {
		t.Fatal(err)
	}
	summary := types.NewCompactionMessage("summary")
	if err := p.Apply(ctx, session, types.CompactionUpdate{SessionID: session.ID, Message: summary}); err != nil {
		t.Fatal(err)
	}
	if store.updates != 2 {
		t.Errorf("expected 2 writes, got %d", store.updates)
	}

	stored, _ := store.Get(ctx, session.ID)
	if stored.Status != types.StatusNeedsYou || stored.Cost != 1.5 {
		t.Errorf("unexpected stored session %+v", stored)
	}
	if last := stored.LastMessage(); last == nil || last.Kind != types.MessageCompaction {
		t.Errorf("expected compaction marker, got %+v", last)
	}
}

func TestProjectorUnknownMessage(t *testing.T) {
	store, session := newProjectorSession(t)
	p := NewProjector(store, nil)
	err := p.Apply(context.Background(), session, types.StreamingDelta{
		SessionID: session.ID,
		MessageID: "nope",
		Delta:     types.TextDelta{Text: "x"},
	})
	if err == nil {
		t.Fatal("expected error for a delta targeting an unknown message")
	}
}

func TestProjectorPersistErrorNotBroadcast(t *testing.T) {
	store, session := newProjectorSession(t)
	store.fail = errors.New("disk gone")
	sink := &recordingSink{}
	p := NewProjector(store, sink)

	streaming := true
	err := p.Apply(context.Background(), session, types.SessionUpdate{SessionID: session.ID, IsStreaming: &streaming})
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if len(sink.all()) != 0 {
		t.Error("failed updates must not be broadcast")
	}
}

func TestProjectorSurvivesBroadcastFailures(t *testing.T) {
	for name, sink := range map[string]Broadcaster{"panic": panickySink{}, "error": failingSink{}} {
		t.Run(name, func(t *testing.T) {
			store, session := newProjectorSession(t)
			p := NewProjector(store, sink)
			streaming := true
			if err := p.Apply(context.Background(), session, types.SessionUpdate{SessionID: session.ID, IsStreaming: &streaming}); err != nil {
				t.Fatalf("broadcast failures must be swallowed, got %v", err)
			}
			if !session.IsStreaming {
				t.Error("update should still be applied")
			}
		})
	}
}
