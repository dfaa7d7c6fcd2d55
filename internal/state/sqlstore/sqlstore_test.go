package sqlstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/turnstile/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", filepath.Join(t.TempDir(), "turnstile.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("postgres", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestResolveOrCreate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.ResolveOrCreate(ctx, "telegram:42", types.SourceTelegram, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	again, err := store.ResolveOrCreate(ctx, "telegram:42", types.SourceTelegram, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if id != again {
		t.Errorf("expected the same id, got %s and %s", id, again)
	}

	session, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if session.Key != "telegram:42" || session.Source != types.SourceTelegram {
		t.Errorf("unexpected session %+v", session)
	}
	if session.Status != types.StatusRunning {
		t.Errorf("expected RUNNING, got %s", session.Status)
	}
	if session.Conversation == nil || len(session.Conversation) != 0 {
		t.Errorf("expected empty conversation, got %v", session.Conversation)
	}
}

func TestResolveOrCreateConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ids := make([]types.SessionID, 10)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.ResolveOrCreate(ctx, "main:shared", types.SourceMain, "m")
			if err != nil {
				t.Error(err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent resolves produced different sessions: %v", ids)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, types.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	_, ok, err := store.Lookup(ctx, "nope")
	if err != nil || ok {
		t.Fatalf("expected absent without error, got ok=%v err=%v", ok, err)
	}
}

func TestKeylessSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := store.Create(ctx, types.NewSession("", types.SourceAutomation, "m")); err != nil {
			t.Fatalf("keyless create %d: %v", i, err)
		}
	}
	list, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(list))
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.ResolveOrCreate(ctx, "main:rt", types.SourceMain, "claude-sonnet-4-5")
	if err != nil {
		t.Fatal(err)
	}

	msg := types.NewAssistantMessage(types.NewMessageID(), time.Now())
	msg.AssistantParts = []types.AssistantPart{
		{Type: types.AssistantPartText, Text: "done"},
		{Type: types.AssistantPartToolCall, ToolCall: &types.ToolCallPart{
			ToolCallID: "call_1",
			ToolName:   "bash",
			Input:      []byte(`{"command":"ls"}`),
			Output:     []byte(`"a\nb"`),
			Status:     types.ToolCallCompleted,
		}},
	}
	conv := []types.ConversationMessage{types.NewUserMessage(types.TextPart("list files")), msg}
	status := types.StatusNeedsYou
	cost := 0.25
	todos := []types.Todo{{Content: "check logs", Status: types.TodoInProgress}}

	updated, err := store.Update(ctx, id, types.SessionPatch{
		Conversation: &conv,
		Status:       &status,
		Cost:         &cost,
		Todos:        &todos,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != types.StatusNeedsYou {
		t.Errorf("expected NEEDS_YOU from Update, got %s", updated.Status)
	}

	got, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Conversation) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Conversation))
	}
	tc := got.Conversation[1].FindToolCall("call_1")
	if tc == nil || tc.Status != types.ToolCallCompleted || string(tc.Input) != `{"command":"ls"}` {
		t.Errorf("tool call not preserved: %+v", tc)
	}
	if got.Cost != 0.25 || len(got.Todos) != 1 || got.Todos[0].Content != "check logs" {
		t.Errorf("unexpected session fields %+v", got)
	}
	if got.ModelID != "claude-sonnet-4-5" {
		t.Error("unpatched field should be kept")
	}

	if _, err := store.Update(ctx, "missing", types.SessionPatch{Status: &status}); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestListOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, _ := store.ResolveOrCreate(ctx, "main:1", types.SourceMain, "m")
	time.Sleep(5 * time.Millisecond)
	second, _ := store.ResolveOrCreate(ctx, "main:2", types.SourceMain, "m")
	time.Sleep(5 * time.Millisecond)

	streaming := false
	if _, err := store.Update(ctx, first, types.SessionPatch{IsStreaming: &streaming}); err != nil {
		t.Fatal(err)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != first || list[1].ID != second {
		t.Errorf("expected most recently updated first, got %v", list)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.ResolveOrCreate(ctx, "main:x", types.SourceMain, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, id); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if err := store.Delete(ctx, id); !errors.Is(err, types.ErrSessionNotFound) {
		t.Errorf("second delete: expected ErrSessionNotFound, got %v", err)
	}
}
