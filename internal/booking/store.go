package booking

import (
	"context"
	"time"
)

// Store persists bookings. Apply must be atomic per booking.
type Store interface {
	Get(ctx context.Context, id string) (*Booking, error)
	GetByOperatorKey(ctx context.Context, operatorType, key string) (*Booking, error)

	// ListMonitorable returns bookings in one of statuses whose last sync
	// is missing or older than staleBefore, least recently synced first.
	// Change logs are not loaded.
	ListMonitorable(ctx context.Context, statuses []Status, staleBefore time.Time, limit int) ([]*Booking, error)

	Create(ctx context.Context, b *Booking) error
	Apply(ctx context.Context, id string, u Update) (*Booking, error)
}
