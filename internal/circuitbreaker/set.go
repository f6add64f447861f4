package circuitbreaker

import (
	"sort"
	"sync"
)

// Set owns one Breaker per operator key for the life of the process.
// Breakers are created lazily on first use and never replaced, so every
// caller for a key shares the same state. Settings changes reach existing
// breakers through Reconfigure.
type Set struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	hooks    Hooks
	opts     []Option
	settings func(key string) Settings
}

// NewSet creates a Set. settings is consulted when a key's breaker is first
// created and again on every Reconfigure.
func NewSet(settings func(key string) Settings, hooks Hooks, opts ...Option) *Set {
	if settings == nil {
		settings = func(string) Settings { return Settings{} }
	}
	return &Set{
		breakers: make(map[string]*Breaker),
		hooks:    hooks,
		opts:     opts,
		settings: settings,
	}
}

// Get returns the breaker for key, creating it if needed.
func (s *Set) Get(key string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b
	}
	b = New(key, s.settings(key), s.hooks, s.opts...)
	s.breakers[key] = b
	return b
}

// Reconfigure re-reads settings for every breaker created so far.
func (s *Set) Reconfigure() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, b := range s.breakers {
		b.Configure(s.settings(key))
	}
}

// State returns the state for key. Unknown keys are closed and no breaker
// is created for them.
func (s *Set) State(key string) State {
	s.mu.RLock()
	b, ok := s.breakers[key]
	s.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// Snapshots returns the state of every breaker created so far, sorted by key.
func (s *Set) Snapshots() []Snapshot {
	s.mu.RLock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
