package store

import (
	"sort"
	"sync"
)

// Registry holds the per-kind stores of one tenant, keyed by kind name.
type Registry struct {
	mu     sync.RWMutex
	stores map[string]*KindStore
}

func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*KindStore)}
}

func (r *Registry) Add(s *KindStore) {
	r.mu.Lock()
	r.stores[s.Kind()] = s
	r.mu.Unlock()
}

// Get returns the store for kind, or false when the kind is unsupported.
func (r *Registry) Get(kind string) (*KindStore, bool) {
	r.mu.RLock()
	s, ok := r.stores[kind]
	r.mu.RUnlock()
	return s, ok
}

// Kinds returns the supported kind names sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.stores))
	for kind := range r.stores {
		out = append(out, kind)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// TotalCount sums the instance counts across every kind.
func (r *Registry) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, s := range r.stores {
		total += s.Count()
	}
	return total
}
