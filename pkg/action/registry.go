package action

import (
	"fmt"
	"sync"
)

type handlerKey struct {
	capabilityID string
	actionID     string
}

// Registry maps (capabilityId, actionId) to handlers. It is constructed
// at startup and passed into the executor; there is no process-wide
// instance.
type Registry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[handlerKey]Handler)}
}

// Register binds a handler. Re-registering the same pair is an error so
// wiring mistakes surface at startup rather than at dispatch.
func (r *Registry) Register(capabilityID, actionID string, h Handler) error {
	if h == nil {
		return fmt.Errorf("action: nil handler for %s:%s", capabilityID, actionID)
	}
	key := handlerKey{capabilityID, actionID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[key]; ok {
		return fmt.Errorf("action: handler already registered for %s:%s", capabilityID, actionID)
	}
	r.handlers[key] = h
	return nil
}

// MustRegister panics on duplicate registration, for static wiring blocks.
func (r *Registry) MustRegister(capabilityID, actionID string, h Handler) {
	if err := r.Register(capabilityID, actionID, h); err != nil {
		panic(err)
	}
}

// Lookup returns the handler and whether it exists.
func (r *Registry) Lookup(capabilityID, actionID string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[handlerKey{capabilityID, actionID}]
	return h, ok
}
