package operator

import (
	"log/slog"
	"net/http"
	"sort"
	"sync"
)

// Deps are the shared collaborators handed to adapter factories.
type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Factory builds an adapter for a descriptor. Adapters that hold resources
// may implement io.Closer; the Manager closes them when the registry is
// replaced.
type Factory func(d Descriptor, deps Deps) (Adapter, error)

// Registry maps operator types to adapter factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

// Build creates an adapter for d, or returns *UnknownOperatorError when no
// factory is registered for d.Type.
func (r *Registry) Build(d Descriptor, deps Deps) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[d.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownOperatorError{Type: d.Type}
	}
	return f(d, deps)
}

// Types returns the registered operator types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
