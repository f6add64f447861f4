package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper runs one reconciliation sweep. *Reconciler implements it; the
// scheduler wraps it to hold a cluster-wide lease.
type Sweeper interface {
	ReconcileBatch(ctx context.Context, opts BatchOptions) (*BatchResult, error)
}

// Timer periodically runs reconciliation sweeps.
type Timer struct {
	sweeper  Sweeper
	opts     BatchOptions
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewTimer creates a timer that sweeps with opts every interval.
func NewTimer(sweeper Sweeper, interval time.Duration, opts BatchOptions, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{
		sweeper:  sweeper,
		opts:     opts,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	_, err := t.sweeper.ReconcileBatch(ctx, t.opts)
	switch {
	case errors.Is(err, ErrBusy):
		t.logger.Debug("reconciliation sweep skipped, another sweep holds the lease")
	case err != nil:
		t.logger.Warn("reconciliation sweep failed", "error", err)
	}
}
