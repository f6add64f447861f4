package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tourbridge/internal/booking"
	"github.com/mbd888/tourbridge/internal/operator"
	"github.com/mbd888/tourbridge/internal/tour"
)

var _ Operators = (*operator.Manager)(nil)

type fixture struct {
	store   *booking.MemoryStore
	adapter *stubAdapter
	ops     *fakeOps
	clock   *clock
	rec     *Reconciler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   booking.NewMemoryStore(),
		adapter: newStubAdapter(),
		clock:   &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.ops = &fakeOps{adapter: f.adapter}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	f.rec = New(f.store, f.ops, Config{}, opts...)
	return f
}

func (f *fixture) create(t *testing.T, b *booking.Booking) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), b))
}

func (f *fixture) get(t *testing.T, id string) *booking.Booking {
	t.Helper()
	b, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return b
}

func details(depTime string) *tour.Details {
	return &tour.Details{
		Hotel: &tour.Hotel{Name: "Rixos Premium", CheckIn: "2026-07-01", CheckOut: "2026-07-08"},
		Flights: &tour.Flights{
			There: &tour.FlightLeg{DepartureDate: "2026-07-01", DepartureTime: depTime, ArrivalTime: "14:00", FlightNumber: "TK 401", Airline: "Turkish"},
			Back:  &tour.FlightLeg{DepartureDate: "2026-07-08", DepartureTime: "16:00", ArrivalTime: "19:00", FlightNumber: "TK 402", Airline: "Turkish"},
		},
	}
}

func pendingBooking(id string) *booking.Booking {
	return &booking.Booking{
		ID:                 id,
		Status:             booking.StatusPending,
		OperatorType:       "obs",
		OperatorBookingKey: "key-" + id,
		OperatorOrderID:    "ORD-" + id,
		TourDetails:        details("10:00"),
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestReconcileOne_PendingToConfirmed(t *testing.T) {
	f := newFixture(t)
	f.create(t, pendingBooking("b1"))
	f.adapter.set("key-b1", &operator.BookingStatus{OrderStatusName: "Confirmed", TourDetails: details("10:00")})

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionSynced, out.Action)
	assert.Equal(t, booking.StatusPending, out.PreviousStatus)
	assert.Equal(t, booking.StatusConfirmed, out.Status)

	b := f.get(t, "b1")
	assert.Equal(t, booking.StatusConfirmed, b.Status)
	assert.Equal(t, "Confirmed", b.OperatorNativeStatus)
	require.NotNil(t, b.ConfirmedAt)
	assert.True(t, f.clock.Now().Equal(*b.ConfirmedAt))
	require.NotNil(t, b.LastSyncedAt)
	assert.Empty(t, b.ChangeLog)
	assert.Equal(t, []string{"obs"}, f.ops.pinned, "calls are pinned to the booking's operator")
}

func TestReconcileOne_UnchangedStatusOnlySyncs(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.Status = booking.StatusConfirmed
	b.OperatorNativeStatus = "confirmed"
	b.ConfirmedAt = timePtr(f.clock.Now().Add(-24 * time.Hour))
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "confirmed", TourDetails: details("10:00")})

	before := f.get(t, "b1")
	f.clock.Advance(time.Minute)

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, out.Changes)

	after := f.get(t, "b1")
	require.NotNil(t, after.LastSyncedAt)
	assert.True(t, f.clock.Now().Equal(*after.LastSyncedAt))
	assert.Empty(t, after.ChangeLog)

	before.LastSyncedAt, after.LastSyncedAt = nil, nil
	before.UpdatedAt, after.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, before, after, "only last_synced_at may change")
}

func TestReconcileOne_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.create(t, pendingBooking("b1"))
	f.adapter.set("key-b1", &operator.BookingStatus{
		OrderStatusName: "changed",
		Payment:         json.RawMessage(`{"paid":"100.00"}`),
		Comments:        json.RawMessage(`[{"text":"window seat"}]`),
		IsChecked:       func() *bool { v := true; return &v }(),
		TourDetails:     details("12:30"),
	})

	_, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	first := f.get(t, "b1")

	f.clock.Advance(10 * time.Minute)
	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, out.Changes)
	second := f.get(t, "b1")

	assert.True(t, second.LastSyncedAt.After(*first.LastSyncedAt))
	first.LastSyncedAt, second.LastSyncedAt = nil, nil
	first.UpdatedAt, second.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(t, first, second)
}

func TestReconcileOne_FlightTimeChangeLoggedOnce(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.Status = booking.StatusConfirmed
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "confirmed", TourDetails: details("12:30")})

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, out.Changes, 1)

	c := out.Changes[0]
	assert.Equal(t, booking.CategoryFlight, c.Category)
	assert.Equal(t, booking.DirectionDeparture, c.Direction)
	assert.Equal(t, FieldDepartureTime, c.Field)
	assert.Equal(t, "10:00", c.Before)
	assert.Equal(t, "12:30", c.After)
	assert.Equal(t, booking.SourcePoll, c.Source)
	assert.NotEmpty(t, c.ID)

	stored := f.get(t, "b1")
	require.Len(t, stored.ChangeLog, 1)
	assert.Equal(t, "12:30", stored.TourDetails.Leg(false).DepartureTime)

	_, err = f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Len(t, f.get(t, "b1").ChangeLog, 1, "identical operator data adds nothing")
}

func TestReconcileOne_ChangeLogIsAppendOnly(t *testing.T) {
	f := newFixture(t)
	f.create(t, pendingBooking("b1"))

	f.adapter.set("key-b1", &operator.BookingStatus{Status: "pending", TourDetails: details("12:30")})
	_, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	first := f.get(t, "b1").ChangeLog

	remote := details("12:30")
	remote.Hotel.Name = "Hilton"
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "pending", TourDetails: remote})
	_, err = f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)

	log := f.get(t, "b1").ChangeLog
	require.Len(t, log, 2)
	assert.Equal(t, first[0], log[0], "earlier entries are never rewritten")
	assert.Equal(t, FieldHotelName, log[1].Field)
	assert.Equal(t, booking.CategoryHotel, log[1].Category)
	assert.Equal(t, booking.DirectionNone, log[1].Direction)
}

func TestReconcileOne_ExpiredHoldIsCancelled(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.ExpiresAt = timePtr(f.clock.Now().Add(-time.Minute))
	f.create(t, b)

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionExpired, out.Action)
	assert.Equal(t, int32(1), f.adapter.cancelCalls.Load())
	assert.Equal(t, int32(0), f.adapter.statusCalls.Load())

	stored := f.get(t, "b1")
	assert.Equal(t, booking.StatusCancelled, stored.Status)
	require.NotNil(t, stored.CancelledAt)

	f.clock.Advance(48 * time.Hour)
	res, err := f.rec.ReconcileBatch(context.Background(), BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Selected, "cancelled bookings are never selected again")

	out, err = f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, out.Action)
	assert.Equal(t, int32(1), f.adapter.cancelCalls.Load())
}

func TestReconcileOne_ExpiredHoldCancelledEvenIfOperatorFails(t *testing.T) {
	f := newFixture(t)
	f.adapter.cancelErr = errors.New("operator down")
	b := pendingBooking("b1")
	b.Status = booking.StatusProcessing
	b.ExpiresAt = timePtr(f.clock.Now().Add(-time.Second))
	f.create(t, b)

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionExpired, out.Action)
	assert.Equal(t, booking.StatusCancelled, f.get(t, "b1").Status)
}

func TestReconcileOne_HoldExtendedWhenOperatorStillHolds(t *testing.T) {
	f := newFixture(t)
	expires := f.clock.Now().Add(3 * time.Minute)
	b := pendingBooking("b1")
	b.ExpiresAt = timePtr(expires)
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{OrderStatusName: "Hold", TourDetails: details("23:00")})

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionExtended, out.Action)

	stored := f.get(t, "b1")
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, expires.Add(15*time.Minute).Equal(*stored.ExpiresAt))
	assert.Equal(t, "Hold", stored.OperatorNativeStatus)
	assert.Equal(t, booking.StatusPending, stored.Status)
	assert.Empty(t, stored.ChangeLog, "hold check does not diff the tour")
	assert.Equal(t, int32(1), f.adapter.statusCalls.Load())
}

func TestReconcileOne_HoldLeftToExpire(t *testing.T) {
	f := newFixture(t)
	expires := f.clock.Now().Add(4 * time.Minute)
	b := pendingBooking("b1")
	b.ExpiresAt = timePtr(expires)
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "processing"})

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionHeld, out.Action)
	assert.True(t, expires.Equal(*f.get(t, "b1").ExpiresAt))

	f.clock.Advance(5 * time.Minute)
	out, err = f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionExpired, out.Action)
}

func TestReconcileOne_ConfirmedDuringHoldIsNotExpired(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.ExpiresAt = timePtr(f.clock.Now().Add(3 * time.Minute))
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "confirmed"})

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionSynced, out.Action)
	assert.Equal(t, booking.StatusConfirmed, out.Status)
	assert.NotNil(t, f.get(t, "b1").ConfirmedAt)

	f.clock.Advance(4 * time.Minute)
	out, err = f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.NotEqual(t, ActionExpired, out.Action)
	assert.Equal(t, booking.StatusConfirmed, f.get(t, "b1").Status)
	assert.Zero(t, f.adapter.cancelCalls.Load())
}

func TestReconcileOne_FarHoldGoesToStatusCheck(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.ExpiresAt = timePtr(f.clock.Now().Add(time.Hour))
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "approved"})

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionSynced, out.Action)
	assert.Equal(t, booking.StatusConfirmed, out.Status)
}

func TestReconcileOne_CreatesMissingOrderOnce(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.OperatorOrderID = ""
	b.CustomerData = json.RawMessage(`{"tourists":[]}`)
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "pending"})

	_, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "ORD-1", f.get(t, "b1").OperatorOrderID)

	_, err = f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.adapter.createCalls.Load(), "create only while the order id is missing")
}

func TestReconcileOne_CreatedOrderKeptWhenStatusFails(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.OperatorOrderID = ""
	f.create(t, b)
	f.adapter.fail("key-b1", errors.New("status down"))

	_, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.Error(t, err)
	assert.Equal(t, "ORD-1", f.get(t, "b1").OperatorOrderID)

	f.adapter.fail("key-b1", nil)
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "pending"})
	_, err = f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.adapter.createCalls.Load())
	assert.Equal(t, "ORD-1", f.get(t, "b1").OperatorOrderID)
}

func TestReconcileOne_CreateFailureDoesNotStopStatusCheck(t *testing.T) {
	f := newFixture(t)
	f.adapter.createErr = errors.New("validation failed")
	b := pendingBooking("b1")
	b.OperatorOrderID = ""
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "processing"})

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusProcessing, out.Status)
	assert.Empty(t, f.get(t, "b1").OperatorOrderID)
}

func TestReconcileOne_UnknownStatusMapsToPending(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.Status = booking.StatusProcessing
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "teleported"})

	before := &dto.Metric{}
	require.NoError(t, reconcileUnknownStatus.Write(before))

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusPending, out.Status)
	assert.Equal(t, "teleported", f.get(t, "b1").OperatorNativeStatus)

	after := &dto.Metric{}
	require.NoError(t, reconcileUnknownStatus.Write(after))
	assert.Equal(t, before.Counter.GetValue()+1, after.Counter.GetValue())
}

func TestReconcileOne_NoStatusReportedKeepsStatus(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.Status = booking.StatusConfirmed
	f.create(t, b)

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, out.Status)
}

func TestReconcileOne_OperatorCancelled(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.Status = booking.StatusConfirmed
	f.create(t, b)
	f.adapter.set("key-b1", &operator.BookingStatus{OrderStatusName: "Annulled"})

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusCancelled, out.Status)
	assert.NotNil(t, f.get(t, "b1").CancelledAt)
}

func TestReconcileOne_OperatorErrorSurfaces(t *testing.T) {
	f := newFixture(t)
	f.create(t, pendingBooking("b1"))
	f.adapter.fail("key-b1", errors.New("boom"))

	_, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.Error(t, err)
	assert.Nil(t, f.get(t, "b1").LastSyncedAt, "a failed pass does not count as synced")
}

func TestReconcileOne_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.ReconcileOne(context.Background(), "nope")
	assert.ErrorIs(t, err, booking.ErrNotFound)
}

func TestReconcileOne_UnassignedOperatorUsesFallback(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.OperatorType = ""
	f.create(t, b)

	_, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.ops.fallbacks)
	assert.Empty(t, f.ops.pinned)
}

func TestReconcileOne_Hooks(t *testing.T) {
	var (
		mu       sync.Mutex
		statuses []booking.Status
		changes  []string
	)
	f := newFixture(t, WithHooks(Hooks{
		OnStatusChange: func(b *booking.Booking, from booking.Status) {
			mu.Lock()
			statuses = append(statuses, from, b.Status)
			mu.Unlock()
		},
		OnChange: func(_ *booking.Booking, c booking.Change) {
			mu.Lock()
			changes = append(changes, c.Field)
			mu.Unlock()
			panic("listener bug")
		},
	}))
	f.create(t, pendingBooking("b1"))
	f.adapter.set("key-b1", &operator.BookingStatus{Status: "confirmed", TourDetails: details("11:00")})

	_, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, []booking.Status{booking.StatusPending, booking.StatusConfirmed}, statuses)
	assert.Equal(t, []string{FieldDepartureTime}, changes)
}

func TestApplySnapshot_Webhook(t *testing.T) {
	f := newFixture(t)
	f.create(t, pendingBooking("b1"))

	remote := details("10:00")
	remote.Hotel.CheckOut = "2026-07-09"
	out, err := f.rec.ApplySnapshot(context.Background(), "obs", "key-b1",
		&operator.BookingStatus{Status: "confirmed", TourDetails: remote}, booking.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, out.Status)
	require.Len(t, out.Changes, 1)
	assert.Equal(t, booking.SourceWebhook, out.Changes[0].Source)
	assert.Equal(t, FieldCheckOut, out.Changes[0].Field)
	assert.Equal(t, int32(0), f.adapter.statusCalls.Load(), "snapshots are not polled")

	_, err = f.rec.ApplySnapshot(context.Background(), "obs", "unknown", &operator.BookingStatus{}, booking.SourceWebhook)
	assert.ErrorIs(t, err, booking.ErrNotFound)
}

func TestApplySnapshot_CancelledBookingIgnored(t *testing.T) {
	f := newFixture(t)
	b := pendingBooking("b1")
	b.Status = booking.StatusCancelled
	f.create(t, b)

	out, err := f.rec.ApplySnapshot(context.Background(), "obs", "key-b1",
		&operator.BookingStatus{Status: "confirmed"}, booking.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, out.Action)
	assert.Equal(t, booking.StatusCancelled, f.get(t, "b1").Status)
}

func TestReconcileBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.create(t, pendingBooking(id))
		f.adapter.set("key-"+id, &operator.BookingStatus{Status: "confirmed"})
	}
	f.adapter.fail("key-b", errors.New("operator exploded"))

	res, err := f.rec.ReconcileBatch(context.Background(), BatchOptions{BatchSize: 2, Pause: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Selected)
	assert.Equal(t, 2, res.Actions[ActionSynced])
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "b", res.Failures[0].BookingID)

	assert.Equal(t, booking.StatusConfirmed, f.get(t, "a").Status)
	assert.Equal(t, booking.StatusConfirmed, f.get(t, "c").Status)
	assert.Equal(t, booking.StatusPending, f.get(t, "b").Status)
}

func TestReconcileBatch_SelectsStaleOnly(t *testing.T) {
	f := newFixture(t)
	fresh := pendingBooking("fresh")
	fresh.LastSyncedAt = timePtr(f.clock.Now().Add(-30 * time.Minute))
	stale := pendingBooking("stale")
	stale.LastSyncedAt = timePtr(f.clock.Now().Add(-3 * time.Hour))
	failed := pendingBooking("failed")
	failed.Status = booking.StatusFailed
	for _, b := range []*booking.Booking{fresh, stale, failed} {
		f.create(t, b)
	}

	res, err := f.rec.ReconcileBatch(context.Background(), BatchOptions{Staleness: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Selected)

	res, err = f.rec.ReconcileBatch(context.Background(), BatchOptions{Staleness: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Selected, "a synced booking drops out of the stale set")

	res, err = f.rec.ReconcileBatch(context.Background(), BatchOptions{Staleness: 2 * time.Hour, MaxPerRun: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Selected)
}

func TestReconcileBatch_MaxPerRunAndConcurrency(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.create(t, pendingBooking(string(rune('a'+i))))
	}

	res, err := f.rec.ReconcileBatch(context.Background(), BatchOptions{MaxPerRun: 4, BatchSize: 2, Concurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Selected)
	assert.Equal(t, 4, res.Actions[ActionSynced])
	assert.Equal(t, int32(4), f.adapter.statusCalls.Load())
}

func TestReconcileBatch_CancelledBetweenChunks(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.create(t, pendingBooking(id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for f.adapter.statusCalls.Load() < 1 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	res, err := f.rec.ReconcileBatch(ctx, BatchOptions{BatchSize: 1, Pause: time.Minute})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Actions[ActionSynced])
}

func TestReconcileOne_BookingLockBusySkips(t *testing.T) {
	f := newFixture(t, WithBookingLock(func(context.Context, string) (func(), error) {
		return nil, ErrBusy
	}))
	f.create(t, pendingBooking("b1"))

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, ActionSkipped, out.Action)
	assert.Equal(t, int32(0), f.adapter.statusCalls.Load())
}

func TestReconcileOne_BookingLockHeldAndReleased(t *testing.T) {
	var mu sync.Mutex
	var locked, released []string
	f := newFixture(t, WithBookingLock(func(_ context.Context, id string) (func(), error) {
		mu.Lock()
		locked = append(locked, id)
		mu.Unlock()
		return func() {
			mu.Lock()
			released = append(released, id)
			mu.Unlock()
		}, nil
	}))
	f.create(t, pendingBooking("b1"))
	f.adapter.set("key-b1", &operator.BookingStatus{OrderStatusName: "Confirmed", TourDetails: details("10:00")})

	out, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, booking.StatusConfirmed, out.Status)
	assert.Equal(t, []string{"b1"}, locked)
	assert.Equal(t, []string{"b1"}, released)
}

func TestReconcileOne_BookingLockErrorSurfaces(t *testing.T) {
	f := newFixture(t, WithBookingLock(func(context.Context, string) (func(), error) {
		return nil, errors.New("redis unavailable")
	}))
	f.create(t, pendingBooking("b1"))

	_, err := f.rec.ReconcileOne(context.Background(), "b1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis unavailable")
}

func TestApplySnapshot_BusyBookingReturnsErrBusy(t *testing.T) {
	f := newFixture(t, WithBookingLock(func(context.Context, string) (func(), error) {
		return nil, ErrBusy
	}))
	f.create(t, pendingBooking("b1"))

	_, err := f.rec.ApplySnapshot(context.Background(), "obs", "key-b1", &operator.BookingStatus{OrderStatusName: "Confirmed"}, booking.SourceWebhook)
	require.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, booking.StatusPending, f.get(t, "b1").Status)
}
