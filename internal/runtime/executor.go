package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/user/turnstile/internal/compaction"
	ctxengine "github.com/user/turnstile/internal/context"
	"github.com/user/turnstile/internal/gateway"
	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

// Tool outputs longer than this are moved to the artifact store.
const artifactThreshold = 8000

// Turn states recorded in the turn log.
const (
	stateComplete = "complete"
	stateAborted  = "aborted"
	stateFailed   = "failed"
)

// Config wires an Executor. Sessions, Providers and Engine are required.
type Config struct {
	Sessions    types.SessionStore
	Providers   ProviderResolver
	Engine      *ctxengine.Engine
	Compaction  *compaction.Policy
	Tools       *ToolSetBuilder
	Artifacts   types.ArtifactStore
	TurnLog     types.TurnLog
	Broadcaster Broadcaster
	Retry       *gateway.RetryPolicy
	// Agents maps an agent id to the instructions added to the system prompt.
	Agents map[string]string

	MaxSteps       int
	MaxTokens      int
	Temperature    float32
	ThinkingBudget int
}

// Executor runs the multi-step turn loop: it streams each step from the
// provider, projects every chunk into the session, runs requested tools,
// and consults the compaction and stop policies between steps.
type Executor struct {
	sessions  types.SessionStore
	providers ProviderResolver
	engine    *ctxengine.Engine
	compactor *compaction.Policy
	projector *Projector
	tools     *ToolSetBuilder
	artifacts types.ArtifactStore
	turns     types.TurnLog
	retry     *gateway.RetryPolicy
	stop      StopPolicy
	agents    map[string]string

	maxTokens      int
	temperature    float32
	thinkingBudget int

	now func() time.Time
}

// New creates an Executor, filling in defaults for optional collaborators.
func New(cfg Config) *Executor {
	if cfg.Compaction == nil {
		cfg.Compaction = compaction.New()
	}
	if cfg.Tools == nil {
		cfg.Tools = NewToolSetBuilder(NewRegistry())
	}
	if cfg.Retry == nil {
		cfg.Retry = gateway.DefaultRetryPolicy()
	}
	return &Executor{
		sessions:       cfg.Sessions,
		providers:      cfg.Providers,
		engine:         cfg.Engine,
		compactor:      cfg.Compaction,
		projector:      NewProjector(cfg.Sessions, cfg.Broadcaster),
		tools:          cfg.Tools,
		artifacts:      cfg.Artifacts,
		turns:          cfg.TurnLog,
		retry:          cfg.Retry,
		stop:           StopPolicy{MaxSteps: cfg.MaxSteps},
		agents:         cfg.Agents,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
		thinkingBudget: cfg.ThinkingBudget,
		now:            time.Now,
	}
}

// Execute runs one turn for run. It is the gateway's Processor and is only
// called while the session's lane is held.
//
// Errors are *types.TurnError: ErrCancelled when ctx was cancelled (the
// session stays resumable), ErrConfiguration or ErrProvider when the turn
// failed (the session is CLOSED).
func (e *Executor) Execute(ctx context.Context, run *gateway.Run) (llm.Usage, error) {
	if err := ctx.Err(); err != nil {
		return llm.Usage{}, types.NewTurnError(types.ErrCancelled, run.SessionID, err)
	}
	session, err := e.sessions.Get(ctx, run.SessionID)
	if err != nil {
		return llm.Usage{}, fmt.Errorf("load session: %w", err)
	}
	if run.Agent != "" && run.Agent != session.AgentID {
		if session, err = e.sessions.Update(ctx, session.ID, types.SessionPatch{AgentID: &run.Agent}); err != nil {
			return llm.Usage{}, fmt.Errorf("bind agent: %w", err)
		}
	}

	t := &turn{
		e:        e,
		ctx:      ctx,
		run:      run,
		session:  session,
		model:    llm.ModelFor(session.ModelID),
		baseCost: session.Cost,
		record: &types.TurnRecord{
			RunID:     run.ID,
			SessionID: run.SessionID,
			StartedAt: run.StartedAt,
		},
	}
	err = t.execute()
	t.log(err)
	return t.usage, err
}

// turn is the state of one Execute call.
type turn struct {
	e        *Executor
	ctx      context.Context
	run      *gateway.Run
	session  *types.Session
	model    llm.ModelInfo
	tools    *ToolSet
	record   *types.TurnRecord
	steps    []Step
	usage    llm.Usage
	baseCost float64
	cost     float64
}

func (t *turn) execute() error {
	provider, err := t.e.providers.Resolve(t.session.ModelID)
	if err != nil {
		return t.fail(types.ErrConfiguration, err)
	}
	t.tools = t.e.tools.Build(t.session.Source)

	system, err := t.e.engine.SystemPrompt(t.session, t.e.agents[t.session.AgentID], t.tools.Names())
	if err != nil {
		return t.fail(types.ErrConfiguration, fmt.Errorf("build system prompt: %w", err))
	}

	if err := t.emit(types.SessionUpdate{
		SessionID:   t.session.ID,
		Status:      ptr(types.StatusRunning),
		IsStreaming: ptr(true),
	}); err != nil {
		return t.fail(types.ErrProvider, err)
	}
	if len(t.run.Input) > 0 {
		msg := types.NewUserMessage(t.run.Input...)
		if err := t.delta(msg.ID, types.UserMessageAppended{Message: msg}); err != nil {
			return t.fail(types.ErrProvider, err)
		}
	}

	messages := ctxengine.ToModelMessages(t.session.Conversation)
	var lastInput int
	for {
		if err := t.ctx.Err(); err != nil {
			return t.abort(err)
		}

		// Compaction looks at the previous step's input usage, so it lags
		// one step behind the growth it reacts to.
		if len(t.steps) > 0 && t.e.compactor.NeedsCompaction(lastInput, t.session.ModelID) {
			summary := t.e.compactor.Compact(messages)
			if err := t.emit(types.CompactionUpdate{SessionID: t.session.ID, Message: summary}); err != nil {
				return t.fail(types.ErrProvider, err)
			}
			messages = ctxengine.ToModelMessages([]types.ConversationMessage{summary})
			t.record.Compactions++
			slog.Info("conversation compacted",
				"session_id", string(t.session.ID),
				"input_tokens", lastInput,
				"model", t.session.ModelID,
			)
		}

		step, err := t.step(provider, system, messages)
		if err != nil {
			if ctxErr := t.ctx.Err(); ctxErr != nil {
				return t.abort(ctxErr)
			}
			return t.fail(types.ErrProvider, err)
		}

		lastInput = step.Usage.InputTokens
		if lastInput == 0 {
			lastInput = t.e.engine.CountMessages(system, messages)
		}
		t.steps = append(t.steps, *step)
		t.usage = t.usage.Add(step.Usage)
		messages = append(messages, stepMessages(step)...)

		if err := t.ctx.Err(); err != nil {
			return t.abort(err)
		}
		if len(step.ToolCalls) == 0 || t.e.stop.ShouldStop(t.steps, t.session.Source) {
			break
		}
	}

	status := TerminalStatus(t.session.Source, t.steps)
	if err := t.emit(types.SessionUpdate{
		SessionID:   t.session.ID,
		Status:      &status,
		IsStreaming: ptr(false),
		Cost:        ptr(t.baseCost + t.cost),
	}); err != nil {
		return t.fail(types.ErrProvider, err)
	}
	t.record.State = stateComplete

	if t.run.OnComplete != nil {
		t.run.OnComplete(finalText(t.steps))
	}
	return nil
}

// step streams one model call, then runs the tools it asked for.
func (t *turn) step(provider llm.Provider, system string, messages []llm.Message) (*Step, error) {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()

	req := &llm.Request{
		Model:          t.session.ModelID,
		System:         system,
		Messages:       messages,
		Tools:          toLLMTools(t.tools.Tools),
		MaxTokens:      t.e.maxTokens,
		Temperature:    t.e.temperature,
		ThinkingBudget: t.e.thinkingBudget,
	}
	stream, err := t.open(ctx, provider, req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	step := &Step{Index: len(t.steps)}
	msgID := types.NewMessageID()
	invalid := make(map[string]string)
	if err := t.delta(msgID, types.MessageStarted{At: t.e.now()}); err != nil {
		return nil, err
	}

	for chunk := range stream {
		switch c := chunk.(type) {
		case llm.TextChunk:
			step.Text += c.Text
			if err := t.delta(msgID, types.TextDelta{Text: c.Text}); err != nil {
				return nil, err
			}
			if t.run.OnText != nil {
				t.run.OnText(c.Text)
			}
		case llm.ReasoningChunk:
			step.Reasoning += c.Text
			if c.Signature != "" {
				step.ReasoningSignature = c.Signature
			}
			if err := t.delta(msgID, types.ReasoningDelta{Text: c.Text, Signature: c.Signature}); err != nil {
				return nil, err
			}
		case llm.ToolInputStartChunk:
			if err := t.delta(msgID, types.ToolCallStarted{ToolCallID: c.ID, ToolName: c.Name, At: t.e.now()}); err != nil {
				return nil, err
			}
		case llm.ToolCallChunk:
			call := c.Call
			input := call.Function.Arguments
			switch {
			case len(input) == 0:
				input = json.RawMessage("{}")
				call.Function.Arguments = input
			case !json.Valid(input):
				// Truncated or malformed arguments are stored as a JSON
				// string, and the call fails without running the tool.
				raw := string(input)
				invalid[call.ID] = raw
				input, _ = json.Marshal(raw)
				call.Function.Arguments = json.RawMessage("{}")
			}
			step.ToolCalls = append(step.ToolCalls, call)
			if err := t.delta(msgID, types.ToolCallReadyDelta{
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
				Input:      input,
				At:         t.e.now(),
			}); err != nil {
				return nil, err
			}
		case llm.FinishChunk:
			step.Usage = c.Usage
			step.Finish = c.Reason
		case llm.ErrorChunk:
			return nil, c.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, call := range step.ToolCalls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var result ToolResult
		if raw, bad := invalid[call.ID]; bad {
			result = ToolResult{
				ToolCallID: call.ID,
				ToolName:   call.Function.Name,
				Err:        fmt.Errorf("invalid arguments: not valid JSON: %s", truncateRunes(raw, 200)),
			}
		} else {
			result = t.runTool(ctx, call)
		}
		step.Results = append(step.Results, result)

		if result.Err != nil {
			err := t.delta(msgID, types.ToolCallFailed{ToolCallID: call.ID, Error: result.Err.Error(), At: t.e.now()})
			if err != nil {
				return nil, err
			}
			continue
		}
		if err := t.delta(msgID, types.ToolCallCompletedDelta{ToolCallID: call.ID, Output: result.Output, At: t.e.now()}); err != nil {
			return nil, err
		}
		if result.ToolName == "todo_write" {
			if err := t.updateTodos(result.Output); err != nil {
				return nil, err
			}
		}
	}

	cost := t.model.Cost(step.Usage)
	t.cost += cost
	if err := t.delta(msgID, types.MessageFinished{Cost: cost}); err != nil {
		return nil, err
	}
	slog.Debug("step finished",
		"session_id", string(t.session.ID),
		"run_id", string(t.run.ID),
		"step", step.Index,
		"tool_calls", len(step.ToolCalls),
		"finish", string(step.Finish),
	)
	return step, nil
}

// open starts the provider stream, retrying failures that happen before
// any chunk was produced.
func (t *turn) open(ctx context.Context, provider llm.Provider, req *llm.Request) (<-chan llm.Chunk, error) {
	var stream <-chan llm.Chunk
	err := t.e.retry.Execute(ctx, func() error {
		s, err := provider.Stream(ctx, req)
		if err != nil {
			slog.Warn("stream open failed",
				"session_id", string(t.session.ID),
				"provider", provider.Name(),
				"error", err,
			)
			return err
		}
		stream = s
		return nil
	})
	return stream, err
}

// runTool executes a single call. Tool failures are returned in the result,
// never as an error.
func (t *turn) runTool(ctx context.Context, call llm.ToolCall) ToolResult {
	result := ToolResult{ToolCallID: call.ID, ToolName: call.Function.Name}
	tool, ok := t.tools.Get(call.Function.Name)
	if !ok {
		result.Err = fmt.Errorf("unknown tool %q", call.Function.Name)
		return result
	}

	out, err := t.execTool(ctx, tool, call)
	if err != nil {
		slog.Warn("tool failed",
			"session_id", string(t.session.ID),
			"tool", call.Function.Name,
			"error", err,
		)
		result.Err = err
		return result
	}
	if len(out) > artifactThreshold {
		out = t.storeArtifact(ctx, call.Function.Name, out)
	}
	result.Output = toolOutput(out)
	return result
}

// execTool runs the tool, turning a panic into a tool error so the turn
// keeps its slot and continues.
func (t *turn) execTool(ctx context.Context, tool Tool, call llm.ToolCall) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked",
				"session_id", string(t.session.ID),
				"tool", call.Function.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out, err = "", fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Execute(ctx, call.Function.Arguments)
}

func (t *turn) storeArtifact(ctx context.Context, tool, out string) string {
	excerpt := out[:artifactThreshold]
	for !utf8.ValidString(excerpt) {
		excerpt = excerpt[:len(excerpt)-1]
	}
	if t.e.artifacts == nil {
		return excerpt + "\n[truncated]"
	}
	id, err := t.e.artifacts.Put(ctx, t.session.ID, t.run.ID, tool, out)
	if err != nil {
		slog.Warn("store artifact failed", "session_id", string(t.session.ID), "tool", tool, "error", err)
		return excerpt + "\n[truncated]"
	}
	return excerpt + "\n[truncated, see artifact " + string(id) + "]"
}

func (t *turn) updateTodos(output json.RawMessage) error {
	var payload struct {
		Todos []types.Todo `json:"todos"`
	}
	if err := json.Unmarshal(output, &payload); err != nil {
		slog.Warn("todo_write returned malformed output", "session_id", string(t.session.ID), "error", err)
		return nil
	}
	if payload.Todos == nil {
		payload.Todos = []types.Todo{}
	}
	return t.emit(types.SessionUpdate{SessionID: t.session.ID, Todos: &payload.Todos})
}

func (t *turn) emit(update types.StreamingUpdate) error {
	return t.e.projector.Apply(t.ctx, t.session, update)
}

func (t *turn) delta(id types.MessageID, d types.Delta) error {
	return t.emit(types.StreamingDelta{SessionID: t.session.ID, MessageID: id, Delta: d})
}

// abort ends a cancelled turn. The session keeps its status so it can be
// resumed; only the streaming flag is cleared.
func (t *turn) abort(cause error) error {
	t.record.State = stateAborted
	ctx := context.WithoutCancel(t.ctx)
	interrupted := types.StreamingDelta{
		SessionID: t.session.ID,
		MessageID: types.NewMessageID(),
		Delta:     types.TurnInterrupted{At: t.e.now()},
	}
	if err := t.e.projector.Apply(ctx, t.session, interrupted); err != nil {
		slog.Error("record interruption failed", "session_id", string(t.session.ID), "error", err)
	}
	if err := t.e.projector.Apply(ctx, t.session, types.SessionUpdate{
		SessionID:   t.session.ID,
		IsStreaming: ptr(false),
	}); err != nil {
		slog.Error("clear streaming flag failed", "session_id", string(t.session.ID), "error", err)
	}
	return types.NewTurnError(types.ErrCancelled, t.session.ID, cause)
}

// fail ends a turn that cannot continue. The session is closed.
func (t *turn) fail(kind, cause error) error {
	t.record.State = stateFailed
	slog.Error("turn failed",
		"session_id", string(t.session.ID),
		"run_id", string(t.run.ID),
		"kind", kind.Error(),
		"error", cause,
	)
	update := types.SessionUpdate{
		SessionID:   t.session.ID,
		Status:      ptr(types.StatusClosed),
		IsStreaming: ptr(false),
	}
	if t.cost > 0 {
		update.Cost = ptr(t.baseCost + t.cost)
	}
	if err := t.e.projector.Apply(context.WithoutCancel(t.ctx), t.session, update); err != nil {
		slog.Error("close failed session", "session_id", string(t.session.ID), "error", err)
	}
	return types.NewTurnError(kind, t.session.ID, cause)
}

// log appends the turn record. Failures are logged only.
func (t *turn) log(err error) {
	if t.e.turns == nil {
		return
	}
	r := t.record
	r.Steps = len(t.steps)
	r.InputTokens = t.usage.InputTokens
	r.OutputTokens = t.usage.OutputTokens
	r.Cost = t.cost
	r.EndedAt = t.e.now()
	if err != nil {
		r.Error = err.Error()
	}
	if r.State == "" {
		r.State = stateFailed
	}
	if err := t.e.turns.Append(context.WithoutCancel(t.ctx), r); err != nil {
		slog.Warn("append turn record failed", "session_id", string(r.SessionID), "error", err)
	}
}

// stepMessages renders a finished step as native messages for the next
// step of the same turn. Failed tools are shown to the model as text.
func stepMessages(step *Step) []llm.Message {
	out := []llm.Message{{
		Role:               llm.RoleAssistant,
		Content:            step.Text,
		Reasoning:          step.Reasoning,
		ReasoningSignature: step.ReasoningSignature,
		ToolCalls:          step.ToolCalls,
	}}
	for _, r := range step.Results {
		content := ctxengine.ToolResultText(r.Output)
		if r.Err != nil {
			content = "error: " + r.Err.Error()
		}
		out = append(out, llm.Message{Role: llm.RoleTool, ToolCallID: r.ToolCallID, Content: content})
	}
	return out
}

// toolOutput keeps valid JSON as-is and wraps anything else as a JSON string.
func toolOutput(s string) json.RawMessage {
	if trimmed := strings.TrimSpace(s); trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	data, _ := json.Marshal(s)
	return data
}

// finalText is the text of the last step that produced any.
func finalText(steps []Step) string {
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Text != "" {
			return steps[i].Text
		}
	}
	return ""
}

func ptr[T any](v T) *T { return &v }

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
