package breaker

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry holds one breaker per protected dependency. A breaker must never
// be shared across unrelated dependencies, since that conflates unrelated
// failure signals; the registry enforces the one-name-one-breaker mapping.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	monitors map[string]*Monitor
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		monitors: make(map[string]*Monitor),
		logger:   logger,
	}
}

// Add creates and registers a breaker for the named dependency, starting its
// metrics monitor when enabled. Adding an existing name returns the existing
// breaker unchanged.
func (r *Registry) Add(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, cfg, r.logger)
	r.breakers[name] = b
	if m := StartMonitor(b, r.logger); m != nil {
		r.monitors[name] = m
	}
	return b
}

// Get returns the breaker for the named dependency.
func (r *Registry) Get(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// All returns all registered breakers sorted by dependency name.
func (r *Registry) All() []*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Close stops all metrics monitors. Breakers themselves hold no resources.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, m := range r.monitors {
		m.Stop()
		delete(r.monitors, name)
	}
}
