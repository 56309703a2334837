package agent

import (
	"fmt"
	"sync"
)

// Factory creates a new adapter session.
type Factory func() (Adapter, error)

// Registry maps backend families to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]Factory)}
}

// Register adds a factory for kind.
// Returns an error if kind is unknown or already registered.
func (r *Registry) Register(kind Kind, f Factory) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown agent kind %q", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("agent %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Get returns the factory for kind.
func (r *Registry) Get(kind Kind) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind]
	return f, ok
}

// Unregister removes the factory for kind.
func (r *Registry) Unregister(kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; !exists {
		return fmt.Errorf("agent %q not found", kind)
	}
	delete(r.factories, kind)
	return nil
}
