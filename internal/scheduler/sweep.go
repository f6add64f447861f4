package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/tourbridge/internal/reconciliation"
)

const sweepKey = "sweep"

// DefaultSweepLease is how long a sweep lease lives between extensions.
const DefaultSweepLease = 2 * time.Minute

// LockedSweeper runs sweeps under a cluster-wide lease so that only one
// instance sweeps at a time. The lease is extended while the sweep runs;
// if it is lost the sweep is cancelled.
type LockedSweeper struct {
	inner  reconciliation.Sweeper
	locker Locker
	ttl    time.Duration
	onDone func(*reconciliation.BatchResult)
	logger *slog.Logger
}

// NewLockedSweeper wraps inner. onDone, if set, receives every finished
// (or partially finished) sweep result.
func NewLockedSweeper(inner reconciliation.Sweeper, locker Locker, ttl time.Duration, onDone func(*reconciliation.BatchResult), logger *slog.Logger) *LockedSweeper {
	if ttl <= 0 {
		ttl = DefaultSweepLease
	}
	return &LockedSweeper{inner: inner, locker: locker, ttl: ttl, onDone: onDone, logger: logger}
}

// ReconcileBatch implements reconciliation.Sweeper. It returns ErrLocked
// when another instance holds the sweep lease.
func (s *LockedSweeper) ReconcileBatch(ctx context.Context, opts reconciliation.BatchOptions) (*reconciliation.BatchResult, error) {
	lease, err := s.locker.Acquire(ctx, sweepKey, s.ttl)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	kept := make(chan struct{})
	go func() {
		defer close(kept)
		s.keepAlive(ctx, lease, cancel)
	}()

	res, err := s.inner.ReconcileBatch(ctx, opts)
	cancel(nil)
	<-kept

	if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) && err != nil {
		err = cause
	}

	releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer done()
	if rerr := lease.Release(releaseCtx); rerr != nil && !errors.Is(rerr, ErrLeaseLost) {
		s.logger.Warn("release sweep lease", "error", rerr)
	}

	if res != nil && s.onDone != nil {
		func() {
			defer func() { _ = recover() }()
			s.onDone(res)
		}()
	}
	return res, err
}

func (s *LockedSweeper) keepAlive(ctx context.Context, lease Lease, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(max(s.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lease.Extend(ctx, s.ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("sweep lease not extended, stopping sweep", "error", err)
				cancel(ErrLeaseLost)
				return
			}
		}
	}
}
