package gateway

import (
	"sync"

	"github.com/user/turnstile/internal/types"
)

// ActiveTurns maps session ids to the run currently executing for them.
// Runs are registered after the session's lane is acquired and deregistered
// before it is released, so there is at most one entry per session.
type ActiveTurns struct {
	mu    sync.Mutex
	turns map[types.SessionID]*Run
}

func NewActiveTurns() *ActiveTurns {
	return &ActiveTurns{turns: make(map[types.SessionID]*Run)}
}

func (a *ActiveTurns) Register(run *Run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns[run.SessionID] = run
}

// Deregister removes run if it is still the registered entry for its
// session.
func (a *ActiveTurns) Deregister(run *Run) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turns[run.SessionID] == run {
		delete(a.turns, run.SessionID)
	}
}

// Stop cancels the active run for id. Returns false if none is running.
func (a *ActiveTurns) Stop(id types.SessionID) bool {
	a.mu.Lock()
	run, ok := a.turns[id]
	a.mu.Unlock()
	if !ok {
		return false
	}
	run.Cancel()
	return true
}

func (a *ActiveTurns) Has(id types.SessionID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.turns[id]
	return ok
}

func (a *ActiveTurns) Get(id types.SessionID) (*Run, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	run, ok := a.turns[id]
	return run, ok
}

// StopAll cancels every active run and returns how many were cancelled.
func (a *ActiveTurns) StopAll() int {
	a.mu.Lock()
	runs := make([]*Run, 0, len(a.turns))
	for _, r := range a.turns {
		runs = append(runs, r)
	}
	a.mu.Unlock()
	for _, r := range runs {
		r.Cancel()
	}
	return len(runs)
}

func (a *ActiveTurns) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.turns)
}
