package operator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tourbridge/internal/alerts"
	"github.com/mbd888/tourbridge/internal/circuitbreaker"
	"github.com/mbd888/tourbridge/internal/logging"
	"github.com/mbd888/tourbridge/internal/retry"
	"github.com/mbd888/tourbridge/internal/traces"
)

// defaultProbeTimeout bounds a health probe when the descriptor has none.
const defaultProbeTimeout = 10 * time.Second

// OperatorHealth is the health summary of one enabled operator.
type OperatorHealth struct {
	Healthy      bool   `json:"healthy"`
	CircuitState string `json:"circuitState"`
	Priority     int    `json:"priority"`
	Weight       int    `json:"weight"`
	Error        string `json:"error,omitempty"`
}

// Manager routes operations to operators. It owns one circuit breaker per
// operator for its lifetime and builds adapters lazily from the registry.
type Manager struct {
	cfg      *Config
	registry *Registry
	deps     Deps
	breakers *circuitbreaker.Set
	alerter  alerts.Alerter
	tracker  alerts.Tracker
	logger   *slog.Logger

	hooks       circuitbreaker.Hooks
	breakerOpts []circuitbreaker.Option

	mu       sync.Mutex
	adapters map[string]Adapter
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAlerter sets where degraded and failed critical operations are reported.
func WithAlerter(a alerts.Alerter) ManagerOption {
	return func(m *Manager) { m.alerter = a }
}

// WithTracker sets the per-attempt operation tracker.
func WithTracker(t alerts.Tracker) ManagerOption {
	return func(m *Manager) { m.tracker = t }
}

// WithBreakerHooks sets callbacks fired by every operator's breaker.
func WithBreakerHooks(h circuitbreaker.Hooks) ManagerOption {
	return func(m *Manager) { m.hooks = h }
}

// WithBreakerOptions passes options to every breaker the Manager creates.
func WithBreakerOptions(opts ...circuitbreaker.Option) ManagerOption {
	return func(m *Manager) { m.breakerOpts = append(m.breakerOpts, opts...) }
}

// WithLogger sets the Manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager over cfg. Adapters are rebuilt after every
// cfg.Replace; breakers persist.
func NewManager(cfg *Config, registry *Registry, deps Deps, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		deps:     deps,
		alerter:  alerts.Nop{},
		tracker:  alerts.Nop{},
		logger:   slog.Default(),
		adapters: make(map[string]Adapter),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.alerter = alerts.Safe(m.alerter)
	m.tracker = alerts.SafeTracker(m.tracker)
	if m.deps.Logger == nil {
		m.deps.Logger = m.logger
	}

	breakerOpts := append([]circuitbreaker.Option{circuitbreaker.WithFailurePredicate(countsAgainstBreaker)}, m.breakerOpts...)
	m.breakers = circuitbreaker.NewSet(func(key string) circuitbreaker.Settings {
		d, _ := cfg.Get(key)
		return d.CircuitBreaker
	}, m.hooks, breakerOpts...)

	cfg.OnChange(m.dropAdapters)
	cfg.OnChange(m.breakers.Reconfigure)
	return m
}

// dropAdapters discards built adapters so the next call rebuilds them from
// the current descriptors.
func (m *Manager) dropAdapters() {
	m.mu.Lock()
	old := m.adapters
	m.adapters = make(map[string]Adapter)
	m.mu.Unlock()

	for typ, a := range old {
		if c, ok := a.(io.Closer); ok {
			if err := c.Close(); err != nil {
				m.logger.Warn("close operator adapter", "operator", typ, "error", err)
			}
		}
	}
}

// Close releases every built adapter.
func (m *Manager) Close() error {
	m.dropAdapters()
	return nil
}

// Config returns the registry the Manager routes over.
func (m *Manager) Config() *Config { return m.cfg }

// Breakers exposes the per-operator breakers.
func (m *Manager) Breakers() *circuitbreaker.Set { return m.breakers }

// Adapter returns the adapter for typ, building it on first use.
func (m *Manager) Adapter(typ string) (Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.adapters[typ]; ok {
		return a, nil
	}
	d, ok := m.cfg.Get(typ)
	if !ok {
		return nil, &UnknownOperatorError{Type: typ}
	}
	a, err := m.registry.Build(d, m.deps)
	if err != nil {
		return nil, err
	}
	m.adapters[typ] = a
	return a, nil
}

// BestOperator returns the preferred enabled operator supporting op whose
// breaker is not open. If every breaker is open it still returns the most
// preferred operator.
func (m *Manager) BestOperator(op Capability) (Descriptor, error) {
	list := m.cfg.Supporting(op)
	if len(list) == 0 {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrNoOperator, op)
	}
	for _, d := range list {
		if m.breakers.State(d.Type) != circuitbreaker.StateOpen {
			return d, nil
		}
	}
	return list[0], nil
}

// candidates orders operators for one fallback pass: best first, then the
// primary, then every other supporting operator. Each appears once.
func (m *Manager) candidates(op Capability) ([]Descriptor, error) {
	best, err := m.BestOperator(op)
	if err != nil {
		return nil, err
	}

	out := []Descriptor{best}
	seen := map[string]bool{best.Type: true}
	add := func(d Descriptor) {
		if !seen[d.Type] {
			seen[d.Type] = true
			out = append(out, d)
		}
	}
	if p, ok := m.cfg.Get(m.cfg.Primary()); ok && p.Enabled && p.Supports(op) {
		add(p)
	}
	for _, d := range m.cfg.Supporting(op) {
		add(d)
	}
	return out, nil
}

// ExecuteWithFallback runs fn against each candidate operator in turn until
// one succeeds. Every candidate is attempted at most once, inside its own
// breaker and retry budget.
//
// Operator calls are detached from ctx cancellation; each request is bounded
// by its operator's timeout instead.
func (m *Manager) ExecuteWithFallback(ctx context.Context, op Capability, attrs map[string]any, fn func(ctx context.Context, a Adapter) error) error {
	cands, err := m.candidates(op)
	if err != nil {
		return err
	}

	log := logging.L(ctx).With("operation", string(op))
	attempted := make([]string, 0, len(cands))
	var lastErr error

	for _, d := range cands {
		attempted = append(attempted, d.Type)
		err := m.attempt(ctx, d, op, attrs, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		log.Warn("operator attempt failed", "operator", d.Type, "error", err)
		if op.Critical() {
			m.alerter.Alert(ctx, alerts.LevelWarning, "critical operation degraded", withDetails(attrs, map[string]any{
				"operation": string(op),
				"operator":  d.Type,
				"error":     err.Error(),
			}))
		}
	}

	failed := &AllOperatorsFailedError{
		Operation: op,
		Attempted: attempted,
		LastError: lastErr.Error(),
	}
	if op.Critical() {
		m.alerter.Alert(ctx, alerts.LevelCritical, "critical operation failed on all operators", withDetails(attrs, map[string]any{
			"operation": string(op),
			"attempted": attempted,
			"error":     failed.LastError,
		}))
	}
	return failed
}

// ExecuteOn runs fn against one named operator, inside its breaker and retry
// budget, without falling back. It is used for calls that only make sense on
// the operator that owns a booking. The operator need not be enabled.
func (m *Manager) ExecuteOn(ctx context.Context, typ string, op Capability, attrs map[string]any, fn func(ctx context.Context, a Adapter) error) error {
	d, ok := m.cfg.Get(typ)
	if !ok {
		return &UnknownOperatorError{Type: typ}
	}
	if !d.Supports(op) {
		return fmt.Errorf("%w: %s on %s", ErrNoOperator, op, typ)
	}

	err := m.attempt(ctx, d, op, attrs, fn)
	if err != nil && op.Critical() {
		m.alerter.Alert(ctx, alerts.LevelCritical, "critical operation failed", withDetails(attrs, map[string]any{
			"operation": string(op),
			"operator":  typ,
			"error":     err.Error(),
		}))
	}
	return err
}

func (m *Manager) attempt(ctx context.Context, d Descriptor, op Capability, attrs map[string]any, fn func(ctx context.Context, a Adapter) error) error {
	adapter, err := m.Adapter(d.Type)
	if err != nil {
		return err
	}

	callCtx := context.WithoutCancel(ctx)
	callCtx, span := traces.StartSpan(callCtx, "operator."+string(op), spanAttrs(d.Type, op, attrs)...)
	defer span.End()

	policy := retry.Policy{
		MaxRetries: d.Retry.MaxRetries,
		BaseDelay:  d.Retry.BaseDelay,
		Classify:   retryDecision,
	}

	start := time.Now()
	err = m.breakers.Get(d.Type).Call(callCtx, func(ctx context.Context) error {
		return retry.Run(ctx, policy, func(ctx context.Context) error {
			return fn(ctx, adapter)
		})
	})
	m.tracker.TrackOperation(d.Type, string(op), time.Since(start), err == nil)

	if err != nil {
		opErr := newOperationError(d.Type, op, err)
		traces.Fail(span, opErr, string(opErr.Kind))
		return opErr
	}
	return nil
}

// Call runs fn with fallback and returns its typed result.
func Call[T any](ctx context.Context, m *Manager, op Capability, attrs map[string]any, fn func(ctx context.Context, a Adapter) (T, error)) (T, error) {
	var out T
	err := m.ExecuteWithFallback(ctx, op, attrs, func(ctx context.Context, a Adapter) error {
		v, err := fn(ctx, a)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Health probes every enabled operator concurrently. A failed probe marks
// that operator unhealthy; Health itself never fails.
func (m *Manager) Health(ctx context.Context) map[string]OperatorHealth {
	descs := m.cfg.Enabled()
	out := make(map[string]OperatorHealth, len(descs))
	var mu sync.Mutex

	var g errgroup.Group
	for _, d := range descs {
		g.Go(func() error {
			h := m.probe(ctx, d)
			mu.Lock()
			out[d.Type] = h
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Manager) probe(ctx context.Context, d Descriptor) (h OperatorHealth) {
	h = OperatorHealth{
		CircuitState: m.breakers.State(d.Type).String(),
		Priority:     d.Priority,
		Weight:       d.Weight,
	}
	defer func() {
		if r := recover(); r != nil {
			h.Healthy = false
			h.Error = fmt.Sprintf("probe panicked: %v", r)
		}
	}()

	adapter, err := m.Adapter(d.Type)
	if err != nil {
		h.Error = err.Error()
		return h
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := adapter.Ping(probeCtx); err != nil {
		h.Error = err.Error()
		return h
	}
	h.Healthy = true
	return h
}

func withDetails(attrs, extra map[string]any) map[string]any {
	out := make(map[string]any, len(attrs)+len(extra))
	for k, v := range attrs {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func spanAttrs(operator string, op Capability, attrs map[string]any) []attribute.KeyValue {
	kv := []attribute.KeyValue{traces.Operator(operator), traces.Operation(string(op))}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, attribute.String(k, fmt.Sprint(attrs[k])))
	}
	return kv
}
