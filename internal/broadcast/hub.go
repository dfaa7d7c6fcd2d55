// Package broadcast fans streaming updates out to live subscribers.
package broadcast

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/user/turnstile/internal/types"
)

// ErrClosed is returned by Broadcast after Close.
var ErrClosed = errors.New("broadcast: hub closed")

// DefaultBuffer is the per-subscriber queue length used when Subscribe is
// given a non-positive buffer.
const DefaultBuffer = 64

// Sink receives every update the projector emits.
type Sink interface {
	Broadcast(update types.StreamingUpdate) error
}

// Hub delivers updates to per-session subscribers. Delivery never blocks:
// when a subscriber's buffer is full the update is dropped for that
// subscriber and counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[types.SessionID]map[chan types.StreamingUpdate]struct{}
	closed  bool
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[types.SessionID]map[chan types.StreamingUpdate]struct{})}
}

// Subscribe registers a listener for one session. An empty sessionID
// receives every session's updates. The returned cancel is idempotent and
// closes the channel.
func (h *Hub) Subscribe(sessionID types.SessionID, buffer int) (<-chan types.StreamingUpdate, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan types.StreamingUpdate, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	listeners := h.subs[sessionID]
	if listeners == nil {
		listeners = make(map[chan types.StreamingUpdate]struct{})
		h.subs[sessionID] = listeners
	}
	listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			listeners := h.subs[sessionID]
			if _, ok := listeners[ch]; !ok {
				return // already closed by Close
			}
			delete(listeners, ch)
			if len(listeners) == 0 {
				delete(h.subs, sessionID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Broadcast implements Sink.
func (h *Hub) Broadcast(update types.StreamingUpdate) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	if id := update.Session(); id != "" {
		h.deliver(h.subs[id], update)
	}
	h.deliver(h.subs[""], update)
	return nil
}

func (h *Hub) deliver(listeners map[chan types.StreamingUpdate]struct{}, update types.StreamingUpdate) {
	for ch := range listeners {
		select {
		case ch <- update:
		default:
			n := h.dropped.Add(1)
			slog.Debug("subscriber full, update dropped",
				"session_id", string(update.Session()),
				"type", string(update.Type()),
				"dropped_total", n,
			)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers returns the number of listeners for sessionID.
func (h *Hub) Subscribers(sessionID types.SessionID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Close closes every subscriber channel. Later Subscribe calls get a
// closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, listeners := range h.subs {
		for ch := range listeners {
			close(ch)
		}
		delete(h.subs, id)
	}
}
