package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/turnstile/internal/types"
	"github.com/user/turnstile/pkg/llm"
)

const failureReply = "Sorry, something went wrong processing your message."

// Processor executes one turn for a run whose session lane is held.
type Processor func(ctx context.Context, run *Run) (llm.Usage, error)

// Gateway orchestrates turns. It resolves (or creates) sessions for inbound
// events, serializes turns per session through the Runner, and keeps the
// cancel handle of every active turn so it can be stopped.
type Gateway struct {
	sessions     types.SessionStore
	defaultModel string
	Runner       *Runner
	active       *ActiveTurns
	processor    Processor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway wired to the session store. New sessions use
// defaultModel. maxConcurrent caps simultaneous turns across sessions
// (default 4).
func New(sessions types.SessionStore, defaultModel string, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 4
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		sessions:     sessions,
		defaultModel: defaultModel,
		Runner:       NewRunner(concurrency),
		active:       NewActiveTurns(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start derives the context used by dispatched turns from ctx.
func (g *Gateway) Start(ctx context.Context) {
	g.cancel()
	g.ctx, g.cancel = context.WithCancel(ctx)
}

// SetProcessor sets the function that executes each turn.
func (g *Gateway) SetProcessor(p Processor) {
	g.processor = p
}

// StartTurn runs one turn for an existing session and returns the usage
// accumulated over its steps. A ctx that is already done fails immediately
// with ErrCancelled, before the session lane is taken.
func (g *Gateway) StartTurn(ctx context.Context, id types.SessionID, opts ...RunOption) (llm.Usage, error) {
	if err := ctx.Err(); err != nil {
		return llm.Usage{}, types.NewTurnError(types.ErrCancelled, id, err)
	}
	if g.processor == nil {
		return llm.Usage{}, fmt.Errorf("gateway: no processor configured")
	}

	usage, err := RunExclusive(ctx, g.Runner, string(id), func(ctx context.Context) (llm.Usage, error) {
		turnCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		run := NewRun(id, cancel)
		for _, opt := range opts {
			opt(run)
		}
		g.active.Register(run)
		defer g.active.Deregister(run)

		slog.Info("turn started", "run_id", string(run.ID), "session_id", string(id))
		usage, err := g.processor(turnCtx, run)
		switch {
		case err == nil:
			run.finish(RunStatusComplete, nil)
		case errors.Is(err, types.ErrCancelled):
			run.finish(RunStatusAborted, err)
		default:
			run.finish(RunStatusFailed, err)
		}
		slog.Info("turn finished",
			"run_id", string(run.ID),
			"session_id", string(id),
			"status", string(run.Status()),
			"duration", run.Duration().Round(time.Millisecond),
		)
		return usage, err
	})

	var turnErr *types.TurnError
	if err != nil && !errors.As(err, &turnErr) &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		// Cancelled while waiting for the lane or a concurrency slot.
		return usage, types.NewTurnError(types.ErrCancelled, id, err)
	}
	return usage, err
}

// Submit appends parts as a user message and runs a turn on it.
func (g *Gateway) Submit(ctx context.Context, id types.SessionID, parts []types.UserPart, opts ...RunOption) (llm.Usage, error) {
	return g.StartTurn(ctx, id, append(opts[:len(opts):len(opts)], WithInput(parts...))...)
}

// HandleInbound resolves or creates the session for the event's key and
// source, then submits the event's content. It blocks until the turn ends.
func (g *Gateway) HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...RunOption) (types.SessionID, llm.Usage, error) {
	sessionID, err := g.Resolve(ctx, event)
	if err != nil {
		return "", llm.Usage{}, err
	}
	usage, err := g.Submit(ctx, sessionID, event.UserParts(), opts...)
	return sessionID, usage, err
}

// Resolve returns the session bound to the event's key, creating it on
// first use.
func (g *Gateway) Resolve(ctx context.Context, event *types.InboundEvent) (types.SessionID, error) {
	source := event.Source
	if source == "" {
		source = types.SourceMain
	}
	sessionID, err := g.sessions.ResolveOrCreate(ctx, event.SessionKey, source, g.defaultModel)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	slog.Debug("session resolved",
		"session_id", string(sessionID),
		"channel", event.SessionKey.Prefix(),
		"source", string(source),
	)
	return sessionID, nil
}

// Dispatch resolves the event's session and runs the turn in the
// background under the gateway's context.
func (g *Gateway) Dispatch(event *types.InboundEvent, opts ...RunOption) (types.SessionID, error) {
	sessionID, err := g.Resolve(g.ctx, event)
	if err != nil {
		return "", err
	}
	g.SubmitAsync(sessionID, event.UserParts(), opts...)
	return sessionID, nil
}

// SubmitAsync submits parts to an existing session without waiting for the
// turn. Failures are logged and, when an OnComplete callback is set,
// reported to it with a short apology.
func (g *Gateway) SubmitAsync(id types.SessionID, parts []types.UserPart, opts ...RunOption) {
	callbacks := &Run{}
	for _, opt := range opts {
		opt(callbacks)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		_, err := g.Submit(g.ctx, id, parts, opts...)
		if err == nil || errors.Is(err, types.ErrCancelled) {
			return
		}
		slog.Error("turn failed", "session_id", string(id), "error", err)
		if callbacks.OnComplete != nil {
			callbacks.OnComplete(failureReply)
		}
	}()
}

// StopTurn cancels the active turn for id. Returns false when no turn is
// running.
func (g *Gateway) StopTurn(id types.SessionID) bool {
	stopped := g.active.Stop(id)
	if stopped {
		slog.Info("turn stop requested", "session_id", string(id))
	}
	return stopped
}

// ActiveRun returns the run currently executing for id.
func (g *Gateway) ActiveRun(id types.SessionID) (*Run, bool) {
	return g.active.Get(id)
}

// Shutdown cancels every active turn and waits up to timeout for them to
// finish. Returns true if everything stopped in time.
func (g *Gateway) Shutdown(timeout time.Duration) bool {
	if n := g.active.StopAll(); n > 0 {
		slog.Info("cancelling active turns", "count", n)
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return false
	}
	return g.Runner.WaitIdle(timeout)
}
