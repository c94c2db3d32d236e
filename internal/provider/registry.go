package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider ids to adapters. Adding a backend means
// registering one more adapter; nothing that looks providers up changes.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns a registry holding the given adapters.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p under p.Name(), replacing any previous adapter with the
// same name.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Lookup returns the adapter registered under id, or an
// *UnsupportedProviderError.
func (r *Registry) Lookup(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, &UnsupportedProviderError{Provider: id}
	}
	return p, nil
}

// Names returns the registered provider ids in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer for log lines.
func (r *Registry) String() string {
	return fmt.Sprintf("providers%v", r.Names())
}
