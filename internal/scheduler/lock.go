// Package scheduler coordinates reconciliation work across workers and
// server instances: short-lived leases (Redis or in-process), a bounded
// worker pool for on-demand booking syncs, and a sweep wrapper that keeps
// only one instance sweeping at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tourbridge/internal/reconciliation"
)

var (
	// ErrLocked means another holder owns the lease. It matches
	// reconciliation.ErrBusy under errors.Is.
	ErrLocked = fmt.Errorf("scheduler: lease held: %w", reconciliation.ErrBusy)

	// ErrLeaseLost means the lease expired or was taken over before it was
	// extended or released.
	ErrLeaseLost = errors.New("scheduler: lease lost")
)

// Locker hands out exclusive, expiring leases on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release and Extend fail with ErrLeaseLost once the
// lease has expired or changed hands.
type Lease interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

const releaseTimeout = 5 * time.Second

// BookingLock adapts l to the reconciler's per-booking lock. Leases are
// keyed "booking:<id>" and held for at most ttl.
func BookingLock(l Locker, ttl time.Duration) reconciliation.BookingLock {
	return func(ctx context.Context, id string) (func(), error) {
		lease, err := l.Acquire(ctx, "booking:"+id, ttl)
		if err != nil {
			return nil, err
		}
		return func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			_ = lease.Release(ctx)
		}, nil
	}
}
