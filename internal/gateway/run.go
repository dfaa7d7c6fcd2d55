package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/user/turnstile/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusAborted  RunStatus = "aborted"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks a single turn executing against a session. It is created once
// the session's lane is held and carries the turn's cancel handle.
type Run struct {
	ID        types.RunID
	SessionID types.SessionID
	StartedAt time.Time

	// Input, when set, is appended as a user message before the model is
	// called.
	Input []types.UserPart
	// OnText receives assistant text as it streams.
	OnText func(chunk string)
	// OnComplete receives the final assistant text of a finished turn.
	OnComplete func(response string)
	// Agent, when set, switches the session to this agent profile.
	Agent string

	mu      sync.Mutex
	status  RunStatus
	endedAt time.Time
	err     error
	cancel  context.CancelFunc
}

// NewRun creates a running Run for the given session.
func NewRun(sessionID types.SessionID, cancel context.CancelFunc) *Run {
	return &Run{
		ID:        types.NewRunID(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		status:    RunStatusRunning,
		cancel:    cancel,
	}
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final response.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// WithTextChunk sets a callback invoked for every streamed text chunk.
func WithTextChunk(fn func(string)) RunOption {
	return func(r *Run) { r.OnText = fn }
}

// WithAgent binds the session to an agent profile before the turn runs.
func WithAgent(id string) RunOption {
	return func(r *Run) { r.Agent = id }
}

// WithInput appends parts as a new user message at the start of the turn.
func WithInput(parts ...types.UserPart) RunOption {
	return func(r *Run) { r.Input = parts }
}

// Cancel asks the turn to stop. It is safe to call more than once.
func (r *Run) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Run) finish(status RunStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.err = err
	r.endedAt = time.Now()
}

func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Duration is the time since start, or the total run time once finished.
func (r *Run) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.endedAt.Sub(r.StartedAt)
}

func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
