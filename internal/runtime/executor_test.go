package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	ctxengine "github.com/user/turnstile/internal/context"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// scriptedProvider replays one chunk script per Stream call. The last
// script repeats once the list is exhausted.
type scriptedProvider struct {
	mu       sync.Mutex
	steps    [][]llm.Chunk
	openErrs []error
	requests []*llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	if len(p.openErrs) > 0 {
		err := p.openErrs[0]
		p.openErrs = p.openErrs[1:]
		p.mu.Unlock()
		return nil, err
	}
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	script := p.steps[i]
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range script {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) *llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

type recordingSink struct {
	mu      sync.Mutex
	updates []types.StreamingUpdate
}

func (s *recordingSink) Broadcast(u types.StreamingUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) all() []types.StreamingUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.StreamingUpdate(nil), s.updates...)
}

type funcTool struct {
	name string
	fn   func(args json.RawMessage) (string, error)
}

func (f *funcTool) Name() string                { return f.name }
func (f *funcTool) Description() string         { return f.name }
func (f *funcTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *funcTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	return f.fn(args)
}

type harness struct {
	exec      *Executor
	sessions  *state.SessionStore
	turns     *state.TurnLog
	artifacts *state.ArtifactStore
	sink      *recordingSink
}

func newHarness(t *testing.T, providers ProviderResolver, maxSteps int, tools ...Tool) *harness {
	t.Helper()
	dir := t.TempDir()
	engine, err := ctxengine.New("gpt-4o", ctxengine.Options{})
	if err != nil {
		t.Fatal(err)
	}
	registry := NewRegistry()
	for _, tool := range tools {
		registry.Register(tool)
	}
	h := &harness{
		sessions:  state.NewSessionStore(dir),
		turns:     state.NewTurnLog(dir),
		artifacts: state.NewArtifactStore(dir),
		sink:      &recordingSink{},
	}
	h.exec = New(Config{
		Sessions:    h.sessions,
		Providers:   providers,
		Engine:      engine,
		Tools:       NewToolSetBuilder(registry),
		Artifacts:   h.artifacts,
		TurnLog:     h.turns,
		Broadcaster: h.sink,
		Retry:       &gateway.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
		MaxSteps:    maxSteps,
	})
	return h
}

func fixed(p llm.Provider) ProviderResolver {
	return ProviderFunc(func(string) (llm.Provider, error) { return p, nil })
}

func (h *harness) newSession(t *testing.T, source types.Source) types.SessionID {
	t.Helper()
	id, err := h.sessions.ResolveOrCreate(context.Background(), types.NewSessionKey("test", string(types.NewMessageID())), source, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (h *harness) get(t *testing.T, id types.SessionID) *types.Session {
	t.Helper()
	s, err := h.sessions.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func newRun(id types.SessionID, opts ...gateway.RunOption) *gateway.Run {
	run := gateway.NewRun(id, nil)
	for _, opt := range opts {
		opt(run)
	}
	return run
}

func toolCall(id, name, args string) []llm.Chunk {
	return []llm.Chunk{
		llm.ToolInputStartChunk{ID: id, Name: name},
		llm.ToolCallChunk{Call: llm.ToolCall{
			ID:       id,
			Type:     "function",
			Function: llm.FunctionCall{Name: name, Arguments: json.RawMessage(args)},
		}},
		llm.FinishChunk{Reason: llm.FinishToolCalls, Usage: llm.Usage{InputTokens: 50, OutputTokens: 5, TotalTokens: 55}},
	}
}

func textStep(text string) []llm.Chunk {
	return []llm.Chunk{
		llm.TextChunk{Text: text},
		llm.FinishChunk{Reason: llm.FinishStop, Usage: llm.Usage{InputTokens: 100, OutputTokens: 10, TotalTokens: 110}},
	}
}

var echo = &funcTool{name: "echo", fn: func(args json.RawMessage) (string, error) {
	var p struct {
		Text string `json:"text"`
	}
	json.Unmarshal(args, &p)
	return p.Text, nil
}}

func TestExecuteTextTurn(t *testing.T) {
	provider := &scriptedProvider{steps: [][]llm.Chunk{{
		llm.ReasoningChunk{Text: "thinking"},
		llm.ReasoningChunk{Signature: "sig-1"},
		llm.TextChunk{Text: "Hel"},
		llm.TextChunk{Text: "lo"},
		llm.FinishChunk{Reason: llm.FinishStop, Usage: llm.Usage{InputTokens: 100, OutputTokens: 10, TotalTokens: 110}},
	}}}
	h := newHarness(t, fixed(provider), 0)
	id := h.newSession(t, types.SourceMain)

	var chunks []string
	var final string
	run := newRun(id,
		gateway.WithInput(types.TextPart("hi")),
		gateway.WithTextChunk(func(s string) { chunks = append(chunks, s) }),
		gateway.WithOnComplete(func(s string) { final = s }),
	)
	usage, err := h.exec.Execute(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	if usage.TotalTokens != 110 {
		t.Errorf("expected usage 110, got %+v", usage)
	}
	if strings.Join(chunks, "|") != "Hel|lo" {
		t.Errorf("unexpected text chunks %v", chunks)
	}
	if final != "Hello" {
		t.Errorf("expected final text Hello, got %q", final)
	}

	session := h.get(t, id)
	if session.Status != types.StatusNeedsYou || session.IsStreaming {
		t.Errorf("expected NEEDS_YOU and not streaming, got %s streaming=%v", session.Status, session.IsStreaming)
	}
	if session.Cost <= 0 {
		t.Error("expected accumulated cost")
	}
	if len(session.Conversation) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(session.Conversation))
	}
	if session.Conversation[0].Kind != types.MessageUser || session.Conversation[0].Text() != "hi" {
		t.Errorf("unexpected user message %+v", session.Conversation[0])
	}
	reply := session.Conversation[1]
	if reply.Kind != types.MessageAssistant || reply.Text() != "Hello" {
		t.Errorf("unexpected assistant message %+v", reply)
	}
	if len(reply.AssistantParts) != 2 || reply.AssistantParts[0].Type != types.AssistantPartThinking {
		t.Errorf("expected thinking then text parts, got %+v", reply.AssistantParts)
	} else if reply.AssistantParts[0].Signature != "sig-1" {
		t.Errorf("expected the thinking signature to be stored, got %+v", reply.AssistantParts[0])
	}
	if reply.Cost == nil || *reply.Cost <= 0 {
		t.Error("expected per-message cost")
	}

	updates := h.sink.all()
	first, ok := updates[0].(types.SessionUpdate)
	if !ok || first.IsStreaming == nil || !*first.IsStreaming {
		t.Errorf("first update should mark streaming, got %#v", updates[0])
	}
	last, ok := updates[len(updates)-1].(types.SessionUpdate)
	if !ok || last.IsStreaming == nil || *last.IsStreaming {
		t.Errorf("last update should clear streaming, got %#v", updates[len(updates)-1])
	}

	records, err := h.turns.Tail(context.Background(), id, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].State != "complete" || records[0].Steps != 1 {
		t.Errorf("unexpected turn records %+v", records)
	}
}

func TestExecuteToolLoop(t *testing.T) {
	provider := &scriptedProvider{steps: [][]llm.Chunk{
		toolCall("call_1", "echo", `{"text":"pong"}`),
		textStep("done"),
	}}
	h := newHarness(t, fixed(provider), 0, echo)
	id := h.newSession(t, types.SourceMain)

	if _, err := h.exec.Execute(context.Background(), newRun(id, gateway.WithInput(types.TextPart("ping")))); err != nil {
		t.Fatal(err)
	}
	if provider.calls() != 2 {
		t.Fatalf("expected 2 steps, got %d", provider.calls())
	}

	second := provider.request(1).Messages
	toolMsg := second[len(second)-1]
	if toolMsg.Role != llm.RoleTool || toolMsg.ToolCallID != "call_1" || toolMsg.Content != "pong" {
		t.Errorf("expected the tool result in the next step, got %+v", toolMsg)
	}
	if len(provider.request(0).Tools) != 1 {
		t.Errorf("expected the echo tool to be offered")
	}

	session := h.get(t, id)
	if len(session.Conversation) != 3 {
		t.Fatalf("expected user + 2 assistant messages, got %d", len(session.Conversation))
	}
	tc := session.Conversation[1].FindToolCall("call_1")
	if tc == nil {
		t.Fatal("tool call part missing")
	}
	if tc.Status != types.ToolCallCompleted || !jsonEqual(tc.Output, `"pong"`) || !jsonEqual(tc.Input, `{"text":"pong"}`) {
		t.Errorf("unexpected tool call %+v", tc)
	}
	if tc.CompletedAt == nil {
		t.Error("expected completedAt")
	}
	if session.Conversation[2].Text() != "done" {
		t.Errorf("unexpected final message %+v", session.Conversation[2])
	}
}

func TestExecuteToolErrorContinues(t *testing.T) {
	failing := &funcTool{name: "flaky", fn: func(json.RawMessage) (string, error) {
		return "", errors.New("disk full")
	}}
	provider := &scriptedProvider{steps: [][]llm.Chunk{
		toolCall("call_1", "flaky", `{}`),
		toolCall("call_2", "missing", `{}`),
		textStep("gave up"),
	}}
	h := newHarness(t, fixed(provider), 0, failing)
	id := h.newSession(t, types.SourceMain)

	if _, err := h.exec.Execute(context.Background(), newRun(id)); err != nil {
		t.Fatalf("tool errors must not fail the turn: %v", err)
	}
	if provider.calls() != 3 {
		t.Fatalf("expected 3 steps, got %d", provider.calls())
	}
	msgs := provider.request(1).Messages
	if got := msgs[len(msgs)-1].Content; got != "error: disk full" {
		t.Errorf("expected the error as tool result, got %q", got)
	}
	msgs = provider.request(2).Messages
	if got := msgs[len(msgs)-1].Content; !strings.Contains(got, "unknown tool") {
		t.Errorf("expected unknown tool error, got %q", got)
	}

	session := h.get(t, id)
	tc := session.Conversation[0].FindToolCall("call_1")
	if tc == nil || tc.Status != types.ToolCallError || tc.Error != "disk full" {
		t.Errorf("expected errored tool part, got %+v", tc)
	}
}

func TestExecuteToolPanicBecomesError(t *testing.T) {
	crashing := &funcTool{name: "crash", fn: func(json.RawMessage) (string, error) {
		var m map[string]int
		m["boom"]++
		return "unreachable", nil
	}}
	provider := &scriptedProvider{steps: [][]llm.Chunk{
		toolCall("call_1", "crash", `{}`),
		textStep("recovered"),
	}}
	h := newHarness(t, fixed(provider), 0, crashing)
	id := h.newSession(t, types.SourceMain)

	var final string
	run := newRun(id, gateway.WithOnComplete(func(s string) { final = s }))
	if _, err := h.exec.Execute(context.Background(), run); err != nil {
		t.Fatalf("a panicking tool must not fail the turn: %v", err)
	}
	if final != "recovered" {
		t.Errorf("expected the turn to finish, got %q", final)
	}
	msgs := provider.request(1).Messages
	if got := msgs[len(msgs)-1].Content; !strings.HasPrefix(got, "error: panic:") {
		t.Errorf("expected the panic as tool result, got %q", got)
	}

	session := h.get(t, id)
	if session.IsStreaming || session.Status != types.StatusNeedsYou {
		t.Errorf("expected NEEDS_YOU and not streaming, got %s streaming=%v", session.Status, session.IsStreaming)
	}
	tc := session.Conversation[0].FindToolCall("call_1")
	if tc == nil || tc.Status != types.ToolCallError || !strings.Contains(tc.Error, "panic") {
		t.Errorf("expected errored tool part, got %+v", tc)
	}
}

func TestExecuteInvalidToolArguments(t *testing.T) {
	var ran bool
	tool := &funcTool{name: "echo", fn: func(json.RawMessage) (string, error) {
		ran = true
		return "", nil
	}}
	truncated := toolCall("call_1", "echo", `{"text":"po`)
	truncated[len(truncated)-1] = llm.FinishChunk{Reason: llm.FinishLength}
	provider := &scriptedProvider{steps: [][]llm.Chunk{
		truncated,
		textStep("retrying later"),
	}}
	h := newHarness(t, fixed(provider), 0, tool)
	id := h.newSession(t, types.SourceMain)

	if _, err := h.exec.Execute(context.Background(), newRun(id)); err != nil {
		t.Fatalf("malformed arguments must not fail the turn: %v", err)
	}
	if ran {
		t.Error("tool ran with malformed arguments")
	}
	if provider.calls() != 2 {
		t.Fatalf("expected 2 steps, got %d", provider.calls())
	}
	msgs := provider.request(1).Messages
	if got := msgs[len(msgs)-1].Content; !strings.Contains(got, "invalid arguments") {
		t.Errorf("expected the argument error as tool result, got %q", got)
	}

	session := h.get(t, id)
	if session.Status == types.StatusClosed || session.Status != types.StatusNeedsYou {
		t.Errorf("expected NEEDS_YOU, got %s", session.Status)
	}
	tc := session.Conversation[0].FindToolCall("call_1")
	if tc == nil || tc.Status != types.ToolCallError {
		t.Fatalf("expected errored tool part, got %+v", tc)
	}
	var stored string
	if err := json.Unmarshal(tc.Input, &stored); err != nil || stored != `{"text":"po` {
		t.Errorf("expected raw arguments kept as a string, got %s (%v)", tc.Input, err)
	}
}

func TestExecuteMissingCredentials(t *testing.T) {
	h := newHarness(t, ProviderFunc(func(string) (llm.Provider, error) {
		return nil, llm.ErrMissingAPIKey
	}), 0)
	id := h.newSession(t, types.SourceMain)

	_, err := h.exec.Execute(context.Background(), newRun(id, gateway.WithInput(types.TextPart("hi"))))
	if !errors.Is(err, types.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if !errors.Is(err, llm.ErrMissingAPIKey) {
		t.Error("expected the cause to be kept")
	}
	session := h.get(t, id)
	if session.Status != types.StatusClosed || session.IsStreaming {
		t.Errorf("expected CLOSED and not streaming, got %s streaming=%v", session.Status, session.IsStreaming)
	}
	if len(session.Conversation) != 0 {
		t.Errorf("nothing should be appended, got %d messages", len(session.Conversation))
	}
}

func TestExecuteProviderError(t *testing.T) {
	provider := &scriptedProvider{steps: [][]llm.Chunk{{
		llm.TextChunk{Text: "partial"},
		llm.ErrorChunk{Err: errors.New("stream reset by upstream")},
	}}}
	h := newHarness(t, fixed(provider), 0)
	id := h.newSession(t, types.SourceMain)

	var completed bool
	_, err := h.exec.Execute(context.Background(), newRun(id, gateway.WithOnComplete(func(string) { completed = true })))
	if !errors.Is(err, types.ErrProvider) {
		t.Fatalf("expected ErrProvider, got %v", err)
	}
	if completed {
		t.Error("OnComplete must not run for a failed turn")
	}
	session := h.get(t, id)
	if session.Status != types.StatusClosed || session.IsStreaming {
		t.Errorf("expected CLOSED and not streaming, got %s streaming=%v", session.Status, session.IsStreaming)
	}
	records, _ := h.turns.Tail(context.Background(), id, 1)
	if len(records) != 1 || records[0].State != "failed" || records[0].Error == "" {
		t.Errorf("unexpected turn record %+v", records)
	}
}

func TestExecuteRetriesStreamOpen(t *testing.T) {
	provider := &scriptedProvider{
		steps:    [][]llm.Chunk{textStep("ok")},
		openErrs: []error{errors.New("connection reset by peer")},
	}
	h := newHarness(t, fixed(provider), 0)
	id := h.newSession(t, types.SourceMain)

	if _, err := h.exec.Execute(context.Background(), newRun(id)); err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if provider.calls() != 1 {
		t.Errorf("expected one successful stream, got %d", provider.calls())
	}
}

func TestExecutePreCancelled(t *testing.T) {
	provider := &scriptedProvider{steps: [][]llm.Chunk{textStep("never")}}
	h := newHarness(t, fixed(provider), 0)
	id := h.newSession(t, types.SourceMain)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.exec.Execute(ctx, newRun(id, gateway.WithInput(types.TextPart("hi"))))
	if !errors.Is(err, types.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if provider.calls() != 0 {
		t.Error("provider must not be called")
	}
	if len(h.sink.all()) != 0 {
		t.Error("no updates should be emitted")
	}
	session := h.get(t, id)
	if session.IsStreaming || len(session.Conversation) != 0 {
		t.Errorf("session must be untouched, got %+v", session)
	}
}

func TestExecuteCancelMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := llm.Provider(&blockingProvider{})
	h := newHarness(t, fixed(provider), 0)
	id := h.newSession(t, types.SourceMain)

	_, err := h.exec.Execute(ctx, newRun(id,
		gateway.WithInput(types.TextPart("hi")),
		gateway.WithTextChunk(func(string) { cancel() }),
	))
	if !errors.Is(err, types.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	session := h.get(t, id)
	if session.IsStreaming {
		t.Error("expected streaming to be cleared")
	}
	if session.Status != types.StatusRunning {
		t.Errorf("cancelled session should stay resumable, got %s", session.Status)
	}
	last := session.LastMessage()
	if last == nil || last.Kind != types.MessageInterrupted {
		t.Fatalf("expected an interrupted marker, got %+v", last)
	}
	if session.Conversation[1].Text() != "partial" {
		t.Errorf("partial output should be kept, got %+v", session.Conversation[1])
	}
}

// blockingProvider sends one text chunk and then waits for cancellation.
type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }

func (blockingProvider) Stream(ctx context.Context, _ *llm.Request) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		select {
		case ch <- llm.TextChunk{Text: "partial"}:
		case <-ctx.Done():
			return
		}
		<-ctx.Done()
	}()
	return ch, nil
}

var poll = &funcTool{name: "poll", fn: func(json.RawMessage) (string, error) {
	return `{"status":"pending","questions":["which one?"]}`, nil
}}

func TestExecutePendingStopsOnMain(t *testing.T) {
	provider := &scriptedProvider{steps: [][]llm.Chunk{
		toolCall("call_1", "poll", `{}`),
		textStep("continued"),
	}}
	h := newHarness(t, fixed(provider), 0, poll)
	id := h.newSession(t, types.SourceMain)

	if _, err := h.exec.Execute(context.Background(), newRun(id)); err != nil {
		t.Fatal(err)
	}
	if provider.calls() != 1 {
		t.Errorf("pending question should stop the turn, got %d steps", provider.calls())
	}
	if got := h.get(t, id).Status; got != types.StatusNeedsYou {
		t.Errorf("expected NEEDS_YOU, got %s", got)
	}
}

func TestExecutePendingContinuesOnTelegram(t *testing.T) {
	provider := &scriptedProvider{steps: [][]llm.Chunk{
		toolCall("call_1", "poll", `{}`),
		textStep("continued"),
	}}
	h := newHarness(t, fixed(provider), 0, poll)
	id := h.newSession(t, types.SourceTelegram)

	if _, err := h.exec.Execute(context.Background(), newRun(id)); err != nil {
		t.Fatal(err)
	}
	if provider.calls() != 2 {
		t.Errorf("telegram turns should continue past pending, got %d steps", provider.calls())
	}
}

func TestExecuteStepCeiling(t *testing.T) {
	provider := &scriptedProvider{steps: [][]llm.Chunk{toolCall("call", "echo", `{"text":"again"}`)}}
	h := newHarness(t, fixed(provider), 3, echo)
	id := h.newSession(t, types.SourceAutomation)

	if _, err := h.exec.Execute(context.Background(), newRun(id)); err != nil {
		t.Fatal(err)
	}
	if provider.calls() != 4 {
		t.Errorf("expected the turn to stop after step 4, got %d", provider.calls())
	}
	if got := h.get(t, id).Status; got != types.StatusClosed {
		t.Errorf("automation turns close, got %s", got)
	}
}

func TestExecuteCompactsOnPreviousUsage(t *testing.T) {
	big := toolCall("call_1", "echo", `{"text":"x"}`)
	big[2] = llm.FinishChunk{Reason: llm.FinishToolCalls, Usage: llm.Usage{InputTokens: 110000, OutputTokens: 5}}
	provider := &scriptedProvider{steps: [][]llm.Chunk{big, textStep("after")}}
	h := newHarness(t, fixed(provider), 0, echo)
	id := h.newSession(t, types.SourceMain)

	if _, err := h.exec.Execute(context.Background(), newRun(id, gateway.WithInput(types.TextPart("start")))); err != nil {
		t.Fatal(err)
	}
	if provider.calls() != 2 {
		t.Fatalf("expected 2 steps, got %d", provider.calls())
	}
	msgs := provider.request(1).Messages
	if len(msgs) != 1 || msgs[0].Role != llm.RoleUser {
		t.Fatalf("expected a single summary turn after compaction, got %+v", msgs)
	}
	if !strings.Contains(msgs[0].Text(), "start") {
		t.Errorf("summary should mention earlier content, got %q", msgs[0].Text())
	}

	session := h.get(t, id)
	var kinds []string
	for _, m := range session.Conversation {
		kinds = append(kinds, string(m.Kind))
	}
	if strings.Join(kinds, ",") != "user,assistant,compaction,assistant" {
		t.Errorf("unexpected conversation shape %v", kinds)
	}
	records, _ := h.turns.Tail(context.Background(), id, 1)
	if len(records) != 1 || records[0].Compactions != 1 {
		t.Errorf("expected one compaction recorded, got %+v", records)
	}
}

func TestExecuteLargeOutputGoesToArtifact(t *testing.T) {
	long := &funcTool{name: "dump", fn: func(json.RawMessage) (string, error) {
		return strings.Repeat("x", artifactThreshold+500), nil
	}}
	provider := &scriptedProvider{steps: [][]llm.Chunk{toolCall("call_1", "dump", `{}`), textStep("ok")}}
	h := newHarness(t, fixed(provider), 0, long)
	id := h.newSession(t, types.SourceMain)

	if _, err := h.exec.Execute(context.Background(), newRun(id)); err != nil {
		t.Fatal(err)
	}
	tc := h.get(t, id).Conversation[0].FindToolCall("call_1")
	var out string
	if err := json.Unmarshal(tc.Output, &out); err != nil {
		t.Fatal(err)
	}
	i := strings.Index(out, "see artifact ")
	if i < 0 {
		t.Fatalf("expected an artifact reference, got %q", out[len(out)-60:])
	}
	artifactID := types.ArtifactID(strings.TrimSuffix(out[i+len("see artifact "):], "]"))
	raw, err := h.artifacts.Get(context.Background(), artifactID)
	if err != nil {
		t.Fatal(err)
	}
	var full string
	json.Unmarshal(raw, &full)
	if len(full) != artifactThreshold+500 {
		t.Errorf("artifact should hold the full output, got %d chars", len(full))
	}
}

func TestExecuteTodoWriteUpdatesSession(t *testing.T) {
	todo := &funcTool{name: "todo_write", fn: func(args json.RawMessage) (string, error) {
		return string(args), nil
	}}
	provider := &scriptedProvider{steps: [][]llm.Chunk{
		toolCall("call_1", "todo_write", `{"todos":[{"content":"write tests","status":"in_progress"}]}`),
		textStep("planned"),
	}}
	h := newHarness(t, fixed(provider), 0, todo)
	id := h.newSession(t, types.SourceMain)

	if _, err := h.exec.Execute(context.Background(), newRun(id)); err != nil {
		t.Fatal(err)
	}
	todos := h.get(t, id).Todos
	if len(todos) != 1 || todos[0].Content != "write tests" || todos[0].Status != types.TodoInProgress {
		t.Errorf("unexpected todos %+v", todos)
	}
}

func TestExecuteBindsRunAgent(t *testing.T) {
	provider := &scriptedProvider{steps: [][]llm.Chunk{textStep("ok")}}
	h := newHarness(t, fixed(provider), 0)
	h.exec.agents = map[string]string{"reviewer": "Review pull requests carefully."}
	id := h.newSession(t, types.SourceAutomation)

	if _, err := h.exec.Execute(context.Background(), newRun(id, gateway.WithAgent("reviewer"))); err != nil {
		t.Fatal(err)
	}
	if got := h.get(t, id).AgentID; got != "reviewer" {
		t.Errorf("expected agent to be persisted, got %q", got)
	}
	if !strings.Contains(provider.requests[0].System, "Review pull requests carefully.") {
		t.Error("system prompt should carry the agent instructions")
	}
}

func TestToolOutput(t *testing.T) {
	tests := map[string]string{
		`{"a":1}`:   `{"a":1}`,
		"plain":     `"plain"`,
		"":          `""`,
		" [1,2] \n": `[1,2]`,
	}
	for in, want := range tests {
		if got := string(toolOutput(in)); got != want {
			t.Errorf("toolOutput(%q) = %s, want %s", in, got, want)
		}
	}
}

func jsonEqual(got json.RawMessage, want string) bool {
	var a, b any
	if json.Unmarshal(got, &a) != nil || json.Unmarshal([]byte(want), &b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}
