package coordinator

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the service directory shared components are obtained
// from. It is owned by the Coordinator and passed explicitly to
// whatever needs lookups.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]any)}
}

// Register stores v under name.
func (r *Registry) Register(name string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}
	r.entries[name] = v
	return nil
}

// Lookup returns the value registered under name.
func (r *Registry) Lookup(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[name]
	return v, ok
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Get returns the value registered under name as T.
func Get[T any](r *Registry, name string) (T, error) {
	var zero T
	v, ok := r.Lookup(name)
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrWrongType, name, v)
	}
	return t, nil
}
