// Package app assembles tourbridge from its configuration: storage, the
// operator manager, the reconciler and its schedulers, the ops event hub and
// the health checks. The server and the tourctl CLI both build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/tourbridge/internal/alerts"
	"github.com/mbd888/tourbridge/internal/booking"
	"github.com/mbd888/tourbridge/internal/circuitbreaker"
	"github.com/mbd888/tourbridge/internal/config"
	"github.com/mbd888/tourbridge/internal/health"
	"github.com/mbd888/tourbridge/internal/logging"
	"github.com/mbd888/tourbridge/internal/metrics"
	"github.com/mbd888/tourbridge/internal/obs"
	"github.com/mbd888/tourbridge/internal/operator"
	"github.com/mbd888/tourbridge/internal/realtime"
	"github.com/mbd888/tourbridge/internal/reconciliation"
	"github.com/mbd888/tourbridge/internal/scheduler"
	"github.com/mbd888/tourbridge/internal/security"
	"github.com/mbd888/tourbridge/internal/traces"
)

const (
	// bookingLeaseTTL bounds one booking pass; a pass that outlives it may
	// overlap with the next holder.
	bookingLeaseTTL = 5 * time.Minute
	queueSize       = 1000
	dbStatsInterval = 15 * time.Second
	healthTimeout   = 5 * time.Second
)

// App holds the wired components. Fields are read-only after New.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *sql.DB
	Redis      *redis.Client
	Store      booking.Store
	Locker     scheduler.Locker
	Operators  *operator.Config
	Manager    *operator.Manager
	Hub        *realtime.Hub
	Reconciler *reconciliation.Reconciler
	Pool       *scheduler.Pool
	Sweeper    *scheduler.LockedSweeper
	Timer      *reconciliation.Timer
	Health     *health.Registry

	registry *operator.Registry
	closers  []func(context.Context) error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option overrides a component New would otherwise build from config.
type Option func(*App)

// WithLogger uses l instead of building a logger from config.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.Logger = l }
}

// WithStore uses s instead of PostgreSQL or the in-memory store.
func WithStore(s booking.Store) Option {
	return func(a *App) { a.Store = s }
}

// WithLocker uses l instead of Redis or the in-process locker.
func WithLocker(l scheduler.Locker) Option {
	return func(a *App) { a.Locker = l }
}

// WithRegistry uses r as the adapter registry. The default registry knows
// only the OBS adapter.
func WithRegistry(r *operator.Registry) Option {
	return func(a *App) { a.registry = r }
}

// DefaultRegistry returns the registry of built-in operator adapters.
func DefaultRegistry() *operator.Registry {
	r := operator.NewRegistry()
	r.Register(obs.Type, obs.New)
	return r
}

// New builds every component. On error, whatever was opened is closed again.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (a *App, err error) {
	a = &App{Config: cfg}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	if err := a.setupLogging(); err != nil {
		return a, err
	}
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, a.Logger)
	if err != nil {
		return a, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdownTraces)

	if err := a.setupStorage(ctx); err != nil {
		return a, err
	}
	if err := a.setupLocker(ctx); err != nil {
		return a, err
	}
	if err := a.setupOperators(ctx); err != nil {
		return a, err
	}
	a.setupReconciliation()
	a.setupHealth()
	return a, nil
}

func (a *App) setupLogging() error {
	if a.Logger != nil {
		return nil
	}
	logger, closeFile, err := logging.NewWithFile(a.Config.LogLevel, a.Config.LogFormat, logging.FileOptions{
		Path:       a.Config.LogFile,
		MaxBackups: 5,
		MaxAgeDays: 14,
		Compress:   true,
	})
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	a.Logger = logger
	a.closers = append(a.closers, func(context.Context) error { return closeFile() })
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	if a.Store != nil {
		return nil
	}
	if a.Config.DatabaseURL == "" {
		a.Logger.Info("using in-memory booking storage")
		a.Store = booking.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", a.Config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	a.DB = db
	a.Store = booking.NewPostgresStore(db)
	a.Logger.Info("using PostgreSQL booking storage", "url", maskURL(a.Config.DatabaseURL))
	return nil
}

func (a *App) setupLocker(ctx context.Context) error {
	if a.Locker != nil {
		return nil
	}
	if a.Config.RedisURL == "" {
		a.Logger.Info("using in-process scheduler locks")
		a.Locker = scheduler.NewMemoryLocker()
		return nil
	}

	client, err := scheduler.ParseRedisURL(a.Config.RedisURL)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	a.Redis = client
	a.Locker = scheduler.NewRedisLocker(client, "tourbridge:lock:")
	a.Logger.Info("using Redis scheduler locks", "url", maskURL(a.Config.RedisURL))
	return nil
}

func (a *App) setupOperators(ctx context.Context) error {
	f, err := operator.LoadFile(a.Config.OperatorsFile)
	if err != nil {
		return err
	}
	if err := a.checkOperatorEndpoints(ctx, f); err != nil {
		return err
	}
	a.Operators, err = operator.NewConfig(f.Operators, a.primary(f))
	if err != nil {
		return err
	}
	if a.registry == nil {
		a.registry = DefaultRegistry()
	}

	// The hub exists before the manager so breaker transitions reach it.
	a.Hub = realtime.NewHub(a.Logger)

	alerter := alerts.Multi{alerts.NewLogAlerter(a.Logger), metrics.CountAlert{}}
	if a.Config.AlertWebhookURL != "" {
		if a.Config.IsProduction() {
			if err := security.ValidateEndpointURL(ctx, a.Config.AlertWebhookURL); err != nil {
				return fmt.Errorf("ALERT_WEBHOOK_URL: %w", err)
			}
		}
		alerter = append(alerter, alerts.NewWebhookAlerter(a.Config.AlertWebhookURL, a.Config.AlertWebhookSecret, alerts.LevelWarning, a.Logger))
	}

	a.Manager = operator.NewManager(a.Operators, a.registry, operator.Deps{Logger: a.Logger},
		operator.WithAlerter(alerter),
		operator.WithTracker(metrics.OperatorTracker{}),
		operator.WithLogger(a.Logger),
		operator.WithBreakerHooks(circuitbreaker.Hooks{OnStateChange: a.onCircuitChange}),
	)
	a.closers = append(a.closers, func(context.Context) error { return a.Manager.Close() })

	for _, d := range a.Operators.All() {
		metrics.SetCircuitState(d.Type, circuitbreaker.StateClosed)
	}
	a.Logger.Info("operators loaded", "count", len(f.Operators), "primary", a.Operators.Primary())
	return nil
}

// checkOperatorEndpoints requires https base URLs for enabled operators in
// production.
func (a *App) checkOperatorEndpoints(ctx context.Context, f *operator.File) error {
	if !a.Config.IsProduction() {
		return nil
	}
	policy := security.Endpoint{HTTPSOnly: true, AllowPrivate: true}
	for _, d := range f.Operators {
		if !d.Enabled || d.BaseURL == "" {
			continue
		}
		if err := policy.Validate(ctx, d.BaseURL); err != nil {
			return fmt.Errorf("operator %s base_url: %w", d.Type, err)
		}
	}
	return nil
}

func (a *App) primary(f *operator.File) string {
	if a.Config.PrimaryOperator != "" {
		return a.Config.PrimaryOperator
	}
	return f.Primary
}

// onCircuitChange runs on a hook goroutine, so events can arrive out of
// order. The gauge is set from the breaker's current state, not from to.
func (a *App) onCircuitChange(key string, from, to circuitbreaker.State) {
	metrics.SetCircuitState(key, a.Manager.Breakers().State(key))
	a.Hub.PublishCircuit(key, from.String(), to.String())
	a.Logger.Warn("operator circuit changed", "operator", key, "from", from.String(), "to", to.String())
}

func (a *App) setupReconciliation() {
	a.Reconciler = reconciliation.New(a.Store, a.Manager,
		reconciliation.Config{HoldExtension: a.Config.HoldExtension},
		reconciliation.WithLogger(a.Logger),
		reconciliation.WithBookingLock(scheduler.BookingLock(a.Locker, bookingLeaseTTL)),
		reconciliation.WithHooks(reconciliation.Hooks{
			OnStatusChange: a.Hub.PublishStatus,
			OnChange:       a.Hub.PublishChange,
		}),
	)
	a.Pool = scheduler.NewPool(a.Reconciler, a.Config.Workers, queueSize, a.Logger)
	a.Sweeper = scheduler.NewLockedSweeper(a.Reconciler, a.Locker, scheduler.DefaultSweepLease, a.Hub.PublishSweep, a.Logger)
	a.Timer = reconciliation.NewTimer(a.Sweeper, a.Config.ReconcileInterval, a.BatchOptions(), a.Logger)
}

func (a *App) setupHealth() {
	a.Health = health.NewRegistry(healthTimeout)
	if a.DB != nil {
		a.Health.Register("database", health.Database(a.DB))
	}
	if a.Redis != nil {
		a.Health.Register("redis", health.Redis(a.Redis))
	}
	a.Health.Register("operators", health.Operators(a.Manager))
	if a.Config.MonitorStaleness > 0 {
		a.Health.Register("staleness", health.Staleness(a.Store, a.Config.MonitorStaleness, time.Now))
	}
}

// BatchOptions returns the sweep settings from config.
func (a *App) BatchOptions() reconciliation.BatchOptions {
	return reconciliation.BatchOptions{
		Staleness:   a.Config.ReconcileStaleness,
		BatchSize:   a.Config.BatchSize,
		Pause:       a.Config.BatchPause,
		MaxPerRun:   a.Config.MaxPerRun,
		Concurrency: a.Config.Workers,
	}
}

// ReloadOperators re-reads the operators file and swaps it in. Breakers keep
// their state; adapters are rebuilt on next use.
func (a *App) ReloadOperators() error {
	f, err := operator.LoadFile(a.Config.OperatorsFile)
	if err != nil {
		return err
	}
	if err := a.checkOperatorEndpoints(context.Background(), f); err != nil {
		return err
	}
	if err := a.Operators.Replace(f.Operators, a.primary(f)); err != nil {
		return err
	}
	for _, d := range a.Operators.All() {
		metrics.SetCircuitState(d.Type, a.Manager.Breakers().State(d.Type))
	}
	a.Logger.Info("operators reloaded", "count", len(f.Operators), "primary", a.Operators.Primary())
	return nil
}

// Start launches the background loops: the event hub, the on-demand pool,
// the sweep timer and the database stats collector. Close stops them.
func (a *App) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.goRun(func() { a.Hub.Run(ctx) })
	a.Pool.Start(ctx)
	a.goRun(func() { a.Timer.Start(ctx) })
	a.goRun(func() { metrics.StartDBStatsCollector(ctx, a.DB, dbStatsInterval) })
	a.Logger.Info("reconciliation started",
		"interval", a.Config.ReconcileInterval,
		"staleness", a.Config.ReconcileStaleness,
		"workers", a.Config.Workers)
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Close stops the background loops and releases every resource in reverse
// order of acquisition. It is safe to call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	if a.Timer != nil {
		a.Timer.Stop()
	}
	if a.Pool != nil {
		a.Pool.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// maskURL hides the password of a connection URL for logging.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
