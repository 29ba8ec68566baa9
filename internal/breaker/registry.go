package breaker

import (
	"fmt"
	"sync"
)

// Registry holds one breaker per provider name, created lazily on first use.
// Creation consults a static configuration table; asking for a provider the
// table does not know is a configuration error.
type Registry struct {
	mu       sync.RWMutex
	configs  map[string]Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry backed by the given configuration table.
func NewRegistry(configs map[string]Config) *Registry {
	return &Registry{
		configs:  configs,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the named provider, creating it on first use.
func (r *Registry) Get(name string) (*Breaker, error) {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := r.breakers[name]; ok {
		return b, nil
	}

	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("no circuit breaker configuration for provider %q", name)
	}

	b := New(name, cfg)
	r.breakers[name] = b
	return b, nil
}

// ForEach calls fn for every instantiated breaker.
func (r *Registry) ForEach(fn func(name string, b *Breaker)) {
	r.mu.RLock()
	snapshot := make(map[string]*Breaker, len(r.breakers))
	for name, b := range r.breakers {
		snapshot[name] = b
	}
	r.mu.RUnlock()

	for name, b := range snapshot {
		fn(name, b)
	}
}

// AllStats returns snapshots for every instantiated breaker.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}

// ResetAll forces every instantiated breaker back to closed.
func (r *Registry) ResetAll() {
	r.ForEach(func(_ string, b *Breaker) { b.Reset() })
}

// ClearAll drops all instantiated breakers; the next Get recreates them.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
}
