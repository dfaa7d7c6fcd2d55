package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Runner guarantees at most one in-flight execution per key. Each key owns a
// lane created on first use; callers that find the lane busy queue FIFO and
// are handed the lane directly by the previous holder. A drained lane is
// removed from the map. A global semaphore caps executions across keys.
type Runner struct {
	mu        sync.Mutex
	lanes     map[string]*lane
	semaphore *semaphore.Weighted
	active    atomic.Int64
}

type lane struct {
	busy    bool
	waiters []chan struct{}
}

// NewRunner creates a Runner that allows up to maxConcurrent executions to
// run simultaneously across all keys.
func NewRunner(maxConcurrent int64) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runner{
		lanes:     make(map[string]*lane),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Run executes fn while holding key's lane. fn runs on the caller's
// goroutine, so its error and any panic reach the caller; the lane is
// released either way. If ctx ends while waiting, Run returns ctx.Err()
// without calling fn.
func (r *Runner) Run(ctx context.Context, key string, fn func(context.Context) error) error {
	_, err := RunExclusive(ctx, r, key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RunExclusive is Run for functions that produce a value.
func RunExclusive[T any](ctx context.Context, r *Runner, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := r.acquire(ctx, key); err != nil {
		return zero, err
	}
	defer r.release(key)

	if err := r.semaphore.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer r.semaphore.Release(1)

	r.active.Add(1)
	defer r.active.Add(-1)
	return fn(ctx)
}

func (r *Runner) acquire(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	l, ok := r.lanes[key]
	if !ok {
		l = &lane{}
		r.lanes[key] = l
	}
	if !l.busy {
		l.busy = true
		r.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	r.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				r.mu.Unlock()
				return ctx.Err()
			}
		}
		r.mu.Unlock()
		// The lane was handed to us as ctx ended; pass it on.
		r.release(key)
		return ctx.Err()
	}
}

func (r *Runner) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.lanes[key]
	if !ok {
		return
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next)
		return
	}
	delete(r.lanes, key)
}

// Lanes returns the number of keys currently held or waited on.
func (r *Runner) Lanes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lanes)
}

// Busy reports whether key's lane is currently held.
func (r *Runner) Busy(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lanes[key]
	return ok && l.busy
}

// Active returns the number of executions currently running.
func (r *Runner) Active() int64 {
	return r.active.Load()
}

// WaitIdle blocks until no executions are running, or the timeout
// expires. Returns true if idle, false if timed out.
func (r *Runner) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if r.active.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(50 * time.Millisecond):
		}
	}
}
