package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/tourbridge/internal/logging"
	"github.com/mbd888/tourbridge/internal/reconciliation"
)

// ErrQueueFull is returned by Submit when the pool's queue is at capacity.
var ErrQueueFull = errors.New("scheduler: queue is full")

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tourbridge",
		Subsystem: "scheduler",
		Name:      "queue_depth",
		Help:      "Bookings waiting for an on-demand sync.",
	})
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourbridge",
		Subsystem: "scheduler",
		Name:      "jobs_total",
		Help:      "On-demand booking syncs by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(queueDepth, jobsTotal)
}

// OneReconciler reconciles a single booking. *reconciliation.Reconciler
// implements it.
type OneReconciler interface {
	ReconcileOne(ctx context.Context, id string) (*reconciliation.Outcome, error)
}

// Pool runs on-demand booking syncs on a fixed number of workers. A booking
// already waiting in the queue is not queued twice.
type Pool struct {
	rec     OneReconciler
	workers int
	jobs    chan string
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPool creates a pool with workers goroutines and room for queueSize
// waiting bookings.
func NewPool(rec OneReconciler, workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		rec:     rec,
		workers: workers,
		jobs:    make(chan string, queueSize),
		logger:  logger,
		pending: make(map[string]struct{}),
		stop:    make(chan struct{}),
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

// Stop signals the workers and waits for in-flight syncs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Submit queues a sync of booking id. It reports whether the booking was
// newly queued; false with a nil error means it was already waiting.
func (p *Pool) Submit(id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.pending[id]; ok {
		return false, nil
	}
	select {
	case p.jobs <- id:
		p.pending[id] = struct{}{}
		queueDepth.Set(float64(len(p.pending)))
		return true, nil
	default:
		return false, ErrQueueFull
	}
}

// Pending reports how many bookings are waiting.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case id := <-p.jobs:
			p.mu.Lock()
			delete(p.pending, id)
			queueDepth.Set(float64(len(p.pending)))
			p.mu.Unlock()
			p.run(ctx, id)
		}
	}
}

func (p *Pool) run(ctx context.Context, id string) {
	ctx = logging.WithBookingID(logging.WithLogger(ctx, p.logger), id)
	defer func() {
		if r := recover(); r != nil {
			jobsTotal.WithLabelValues("panic").Inc()
			logging.L(ctx).Error("panic in booking sync", "panic", fmt.Sprint(r))
		}
	}()

	out, err := p.rec.ReconcileOne(ctx, id)
	switch {
	case err != nil:
		jobsTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Warn("booking sync failed", "error", err)
	default:
		jobsTotal.WithLabelValues(string(out.Action)).Inc()
		logging.L(ctx).Debug("booking synced", "action", out.Action, "status", out.Status)
	}
}
