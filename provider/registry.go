package provider

import (
	"fmt"
	"sort"
)

// Registry is the by-name adapter map. It is populated once at process start
// and read-only afterwards, so lookups need no locking.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters. Duplicate names are
// a wiring bug and fail loudly.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		name := a.Name()
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("duplicate adapter registered: %s", name)
		}
		m[name] = a
	}
	return &Registry{adapters: m}, nil
}

// Get returns the adapter for a canonical provider name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
