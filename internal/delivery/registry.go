// internal/delivery/registry.go
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/turnstile/internal/types"
)

// ErrNoHandler is returned when no prefix matches a session key.
var ErrNoHandler = errors.New("no delivery handler")

// Handler delivers message to target, the part of the session key after
// the matched prefix (for "telegram:42" that is "42").
type Handler func(ctx context.Context, target, message string) error

// Registry routes automation results to the channel named by the session
// key's prefix. The longest matching prefix wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for session keys starting with prefix, for
// example "telegram:".
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Deliver sends message through the handler registered for key.
func (r *Registry) Deliver(ctx context.Context, key types.SessionKey, message string) error {
	r.mu.RLock()
	var (
		best    string
		handler Handler
	)
	for prefix, h := range r.handlers {
		if strings.HasPrefix(string(key), prefix) && len(prefix) >= len(best) {
			best, handler = prefix, h
		}
	}
	r.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("%w for session key %s", ErrNoHandler, key)
	}
	if err := handler(ctx, strings.TrimPrefix(string(key), best), message); err != nil {
		return fmt.Errorf("deliver to %s: %w", key, err)
	}
	return nil
}

// Handles reports whether some handler matches key.
func (r *Registry) Handles(key types.SessionKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix := range r.handlers {
		if strings.HasPrefix(string(key), prefix) {
			return true
		}
	}
	return false
}
