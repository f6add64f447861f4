//go:build integration

package booking

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tourbridge/internal/testutil"
	"github.com/mbd888/tourbridge/internal/tour"
)

func TestPostgresStore_RoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()

	b := newBooking("pg1")
	b.CustomerData = json.RawMessage(`{"tourists":[{"name":"A"}]}`)
	b.ExpiresAt = ptr(time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond))
	b.TourDetails.Flights = &tour.Flights{There: &tour.FlightLeg{DepartureTime: "10:00", FlightNumber: "TK 123"}}
	require.NoError(t, s.Create(ctx, b))
	assert.ErrorIs(t, s.Create(ctx, newBooking("pg1")), ErrExists)

	got, err := s.Get(ctx, "pg1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.OperatorOrderID)
	assert.Nil(t, got.LastSyncedAt)
	assert.Nil(t, got.IsChecked)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, b.ExpiresAt.Equal(*got.ExpiresAt))
	assert.JSONEq(t, string(b.CustomerData), string(got.CustomerData))
	assert.Equal(t, "TK 123", got.TourDetails.Leg(false).FlightNumber)

	byKey, err := s.GetByOperatorKey(ctx, "obs", "key-pg1")
	require.NoError(t, err)
	assert.Equal(t, "pg1", byKey.ID)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ApplyAndChangeLog(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBooking("pg2")))

	now := time.Now().UTC()
	got, err := s.Apply(ctx, "pg2", Update{
		Status:          ptr(StatusChanged),
		OperatorOrderID: ptr("9001"),
		LastSyncedAt:    &now,
		IsChecked:       ptr(false),
		AppendChanges: []Change{
			{Category: CategoryHotel, Field: "hotel_name", Before: "Rixos", After: "Hilton"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusChanged, got.Status)
	assert.Equal(t, "9001", got.OperatorOrderID)
	require.Len(t, got.ChangeLog, 1)

	_, err = s.Apply(ctx, "pg2", Update{AppendChanges: []Change{
		{Category: CategoryFlight, Direction: DirectionReturn, Field: "flight_number", Before: "TK 1", After: "TK 2"},
	}})
	require.NoError(t, err)

	reloaded, err := s.Get(ctx, "pg2")
	require.NoError(t, err)
	require.Len(t, reloaded.ChangeLog, 2)
	assert.Equal(t, "hotel_name", reloaded.ChangeLog[0].Field)
	assert.Equal(t, DirectionReturn, reloaded.ChangeLog[1].Direction)
	require.NotNil(t, reloaded.IsChecked)
	assert.False(t, *reloaded.IsChecked)
}

func TestPostgresStore_CancelledIsTerminal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBooking("pg3")))

	_, err := s.Apply(ctx, "pg3", Update{Status: ptr(StatusCancelled), CancelledAt: ptr(time.Now())})
	require.NoError(t, err)
	_, err = s.Apply(ctx, "pg3", Update{Status: ptr(StatusPending)})
	assert.ErrorIs(t, err, ErrTerminal)

	_, err = s.Apply(ctx, "missing", Update{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ListMonitorable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	stale := newBooking("stale")
	stale.LastSyncedAt = ptr(now.Add(-2 * time.Hour))
	fresh := newBooking("fresh")
	fresh.LastSyncedAt = ptr(now)
	never := newBooking("never")
	done := newBooking("done")
	done.Status = StatusCancelled
	for _, b := range []*Booking{stale, fresh, never, done} {
		require.NoError(t, s.Create(ctx, b))
	}

	got, err := s.ListMonitorable(ctx, MonitorableStatuses, now.Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "never", got[0].ID)
	assert.Equal(t, "stale", got[1].ID)
}

func TestPostgresStore_ConcurrentApplySerializes(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, newBooking("pg4")))

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(ctx, "pg4", Update{AppendChanges: []Change{{Category: CategoryHotel, Field: "hotel_name"}}})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "pg4")
	require.NoError(t, err)
	assert.Len(t, got.ChangeLog, writers)
}
