// internal/delivery/registry.go
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/user/llmgate/internal/types"
)

// ErrNoHandler is returned by Deliver when no prefix matches the key.
var ErrNoHandler = errors.New("no delivery handler")

// Handler delivers a finished reply to the channel owning sessionKey.
type Handler func(ctx context.Context, sessionKey types.SessionKey, message string) error

// Registry routes replies to the appropriate delivery handler based on
// session key prefix (e.g. "telegram:"). The longest matching prefix wins.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for session keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

func (r *Registry) lookup(key types.SessionKey) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best    Handler
		bestLen = -1
	)
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(string(key), prefix) && len(prefix) > bestLen {
			best, bestLen = handler, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Handles reports whether some handler owns sessionKey.
func (r *Registry) Handles(sessionKey types.SessionKey) bool {
	_, ok := r.lookup(sessionKey)
	return ok
}

// Deliver finds the handler matching the session key prefix and calls it.
func (r *Registry) Deliver(ctx context.Context, sessionKey types.SessionKey, message string) error {
	handler, ok := r.lookup(sessionKey)
	if !ok {
		return fmt.Errorf("%w for session key %s", ErrNoHandler, sessionKey)
	}
	return handler(ctx, sessionKey, message)
}
