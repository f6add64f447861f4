package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/tourbridge/internal/booking"
	"github.com/mbd888/tourbridge/internal/operator"
)

// Database pings db.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		s := db.Stats()
		return Status{Healthy: true, Extra: map[string]any{
			"open":  s.OpenConnections,
			"inUse": s.InUse,
		}}
	}
}

// Redis pings the lease store.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// OperatorProber reports per-operator health.
type OperatorProber interface {
	Health(ctx context.Context) map[string]operator.OperatorHealth
}

// Operators is healthy while at least one enabled operator answers. The
// per-operator results go into Extra.
func Operators(p OperatorProber) Checker {
	return func(ctx context.Context) Status {
		results := p.Health(ctx)
		if len(results) == 0 {
			return Status{Detail: "no enabled operators"}
		}
		extra := make(map[string]any, len(results))
		up := 0
		for typ, h := range results {
			extra[typ] = h
			if h.Healthy {
				up++
			}
		}
		s := Status{Healthy: up > 0, Extra: extra}
		if up < len(results) {
			s.Detail = fmt.Sprintf("%d of %d operators unhealthy", len(results)-up, len(results))
		}
		return s
	}
}

const stalenessProbeLimit = 100

// Staleness is unhealthy when a monitorable booking has gone longer than
// window without a sync, which means sweeps are not keeping up.
func Staleness(store booking.Store, window time.Duration, now func() time.Time) Checker {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) Status {
		cutoff := now().Add(-window)
		// Never-synced bookings sort first; a new one is not stale yet.
		candidates, err := store.ListMonitorable(ctx, booking.MonitorableStatuses, cutoff, stalenessProbeLimit)
		if err != nil {
			return Status{Detail: err.Error()}
		}
		for _, b := range candidates {
			last := b.CreatedAt
			if b.LastSyncedAt != nil {
				last = *b.LastSyncedAt
			}
			if last.Before(cutoff) {
				return Status{Detail: fmt.Sprintf("booking %s not synced within %s", b.ID, window)}
			}
		}
		return Status{Healthy: true}
	}
}
