// Package circuitbreaker provides per-operator circuit breakers with
// closed → open → half-open state transitions.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Call when the breaker does not permit an attempt.
// The wrapped operation is never invoked in that case.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Trial: a bounded number of requests test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tourbridge",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(cbStateTransitions)
}

// Settings are the tuning knobs of one breaker.
type Settings struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failureThreshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recoveryTimeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"halfOpenMaxCalls"`
}

// withDefaults fills zero values.
func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	if s.HalfOpenMaxCalls <= 0 {
		s.HalfOpenMaxCalls = 1
	}
	return s
}

// Hooks are optional callbacks fired after the breaker has released its lock.
// They run on their own goroutine and a panic in one is recovered.
type Hooks struct {
	OnSuccess     func(key string)
	OnFailure     func(key string, err error)
	OnStateChange func(key string, from, to State)
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Key              string    `json:"key"`
	State            string    `json:"state"`
	Failures         int       `json:"failures"`
	LastFailure      time.Time `json:"lastFailure,omitempty"`
	HalfOpenAttempts int       `json:"halfOpenAttempts"`
}

// Breaker guards calls to a single operator. All state reads and writes are
// serialized on mu; different breakers never share a lock.
type Breaker struct {
	key   string
	hooks Hooks
	now   func() time.Time
	// isFailure decides whether an error counts against the breaker.
	isFailure func(error) bool

	mu               sync.Mutex
	settings         Settings
	state            State
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithFailurePredicate sets which errors count as operator failures.
// Errors for which fn returns false neither trip nor close the circuit.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// New creates a closed breaker for key.
func New(key string, settings Settings, hooks Hooks, opts ...Option) *Breaker {
	b := &Breaker{
		key:       key,
		settings:  settings.withDefaults(),
		hooks:     hooks,
		now:       time.Now,
		isFailure: defaultIsFailure,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Key returns the operator key this breaker guards.
func (b *Breaker) Key() string { return b.key }

// Call runs fn if the breaker permits it and records the outcome.
// When not permitted it returns ErrOpen without invoking fn.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("circuitbreaker: panic in %s: %v", b.key, r)
			}
		}()
		err = fn(ctx)
	}()

	switch {
	case err == nil:
		b.recordSuccess()
	case b.isFailure(err):
		b.recordFailure(err)
	default:
		b.release()
	}
	return err
}

// release gives back a half-open probe slot for an outcome that says
// nothing about the operator's health.
func (b *Breaker) release() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.halfOpenAttempts > 0 {
		b.halfOpenAttempts--
	}
	b.mu.Unlock()
}

// acquire decides whether an attempt may proceed, moving open → half-open
// once the recovery timeout has elapsed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	var changed *transition

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.settings.RecoveryTimeout {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrOpen, b.key)
		}
		changed = b.transition(StateHalfOpen)
		b.halfOpenAttempts = 0
		fallthrough
	case StateHalfOpen:
		if b.halfOpenAttempts >= b.settings.HalfOpenMaxCalls {
			b.mu.Unlock()
			b.fireTransition(changed)
			return fmt.Errorf("%w: %s (half-open probe limit reached)", ErrOpen, b.key)
		}
		b.halfOpenAttempts++
	}

	b.mu.Unlock()
	b.fireTransition(changed)
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	var changed *transition
	switch b.state {
	case StateHalfOpen:
		changed = b.transition(StateClosed)
		b.failures = 0
		b.halfOpenAttempts = 0
	case StateClosed:
		b.failures = 0
	case StateOpen:
		// A call admitted before the trip finished late. Only a half-open
		// trial call may close the circuit.
	}
	b.mu.Unlock()

	b.fireTransition(changed)
	if fn := b.hooks.OnSuccess; fn != nil {
		b.fire(func() { fn(b.key) })
	}
}

func (b *Breaker) recordFailure(err error) {
	b.mu.Lock()
	var changed *transition
	b.failures++

	switch b.state {
	case StateHalfOpen:
		// Probe failed, back to open.
		b.lastFailure = b.now()
		changed = b.transition(StateOpen)
	case StateClosed:
		if b.failures >= b.settings.FailureThreshold {
			b.lastFailure = b.now()
			changed = b.transition(StateOpen)
		}
	case StateOpen:
		b.lastFailure = b.now()
	}
	b.mu.Unlock()

	b.fireTransition(changed)
	if fn := b.hooks.OnFailure; fn != nil {
		b.fire(func() { fn(b.key, err) })
	}
}

// Configure replaces the tuning knobs. The current state and failure count
// are kept; a lower threshold takes effect on the next failure.
func (b *Breaker) Configure(settings Settings) {
	b.mu.Lock()
	b.settings = settings.withDefaults()
	b.mu.Unlock()
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Key:              b.key,
		State:            b.state.String(),
		Failures:         b.failures,
		LastFailure:      b.lastFailure,
		HalfOpenAttempts: b.halfOpenAttempts,
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := b.transition(StateClosed)
	b.failures = 0
	b.halfOpenAttempts = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()
	b.fireTransition(changed)
}

type transition struct{ from, to State }

// transition changes state and returns the change for the caller to publish
// after unlocking. Caller must hold b.mu.
func (b *Breaker) transition(to State) *transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	cbStateTransitions.WithLabelValues(b.key, from.String(), to.String()).Inc()
	return &transition{from: from, to: to}
}

func (b *Breaker) fireTransition(t *transition) {
	if t == nil || b.hooks.OnStateChange == nil {
		return
	}
	fn := b.hooks.OnStateChange
	b.fire(func() { fn(b.key, t.from, t.to) })
}

func (b *Breaker) fire(fn func()) {
	go func() {
		defer func() { _ = recover() }()
		fn()
	}()
}
