// Package reconciliation polls operators for the state of locally stored
// bookings and folds it back into the booking store: hold expiry and
// extension, canonical status, field-level tour changes and the sync
// timestamp, applied as one update per booking.
package reconciliation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/tourbridge/internal/booking"
	"github.com/mbd888/tourbridge/internal/logging"
	"github.com/mbd888/tourbridge/internal/operator"
	"github.com/mbd888/tourbridge/internal/traces"
)

const (
	DefaultHoldWindow    = 5 * time.Minute
	DefaultHoldExtension = 15 * time.Minute
	DefaultStaleness     = time.Hour
	DefaultBatchSize     = 50
	DefaultBatchPause    = 2 * time.Second
	DefaultMaxPerRun     = 1000
)

// ErrBusy reports that a booking or sweep is already being reconciled
// elsewhere.
var ErrBusy = errors.New("reconciliation: already in progress")

// BookingLock serializes reconciliation of one booking across workers and
// processes. It returns ErrBusy when another holder has the booking.
type BookingLock func(ctx context.Context, bookingID string) (release func(), err error)

// Operators runs operator calls for the reconciler. *operator.Manager
// implements it.
type Operators interface {
	ExecuteOn(ctx context.Context, typ string, op operator.Capability, attrs map[string]any, fn func(ctx context.Context, a operator.Adapter) error) error
	ExecuteWithFallback(ctx context.Context, op operator.Capability, attrs map[string]any, fn func(ctx context.Context, a operator.Adapter) error) error
}

// Action is what a reconciliation pass did to a booking.
type Action string

const (
	ActionSynced   Action = "synced"
	ActionExpired  Action = "expired"
	ActionExtended Action = "extended"
	ActionHeld     Action = "held"
	ActionSkipped  Action = "skipped"
)

// Outcome is the result of reconciling one booking.
type Outcome struct {
	BookingID      string           `json:"bookingId"`
	Action         Action           `json:"action"`
	PreviousStatus booking.Status   `json:"previousStatus"`
	Status         booking.Status   `json:"status"`
	Changes        []booking.Change `json:"changes,omitempty"`
	Booking        *booking.Booking `json:"-"`
}

// Hooks are optional callbacks fired after an update has been stored.
type Hooks struct {
	OnStatusChange func(b *booking.Booking, from booking.Status)
	OnChange       func(b *booking.Booking, c booking.Change)
}

// Config tunes the reconciler. Zero values take the defaults.
type Config struct {
	HoldWindow    time.Duration
	HoldExtension time.Duration
}

// Reconciler merges operator-side booking state into the local store.
// It is safe for concurrent use on different bookings; callers must not
// reconcile the same booking concurrently.
type Reconciler struct {
	store  booking.Store
	ops    Operators
	cfg    Config
	hooks  Hooks
	lock   BookingLock
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithHooks sets post-update callbacks.
func WithHooks(h Hooks) Option {
	return func(r *Reconciler) { r.hooks = h }
}

// WithBookingLock makes every pass hold lock for its booking. The booking is
// re-read once the lock is held.
func WithBookingLock(lock BookingLock) Option {
	return func(r *Reconciler) { r.lock = lock }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a Reconciler.
func New(store booking.Store, ops Operators, cfg Config, opts ...Option) *Reconciler {
	if cfg.HoldWindow <= 0 {
		cfg.HoldWindow = DefaultHoldWindow
	}
	if cfg.HoldExtension <= 0 {
		cfg.HoldExtension = DefaultHoldExtension
	}
	r := &Reconciler{
		store:  store,
		ops:    ops,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) log(ctx context.Context) *slog.Logger {
	if logging.FromContext(ctx) == slog.Default() {
		ctx = logging.WithLogger(ctx, r.logger)
	}
	return logging.L(ctx)
}

// ReconcileOne reconciles a single booking by id.
func (r *Reconciler) ReconcileOne(ctx context.Context, id string) (*Outcome, error) {
	b, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", id, err)
	}
	return r.reconcile(ctx, b)
}

func (r *Reconciler) reconcile(ctx context.Context, b *booking.Booking) (out *Outcome, err error) {
	ctx = logging.WithBookingID(ctx, b.ID)
	ctx, span := traces.StartSpan(ctx, "reconciliation.booking",
		traces.BookingID(b.ID), traces.Operator(b.OperatorType), traces.BookingStatus(string(b.Status)))
	defer func() {
		if err != nil {
			traces.Fail(span, err, "reconcile failed")
		} else {
			reconcileBookings.WithLabelValues(string(out.Action)).Inc()
		}
		span.End()
	}()

	if r.lock != nil {
		release, err := r.lock(ctx, b.ID)
		if errors.Is(err, ErrBusy) {
			r.log(ctx).Debug("booking locked elsewhere, skipping")
			return &Outcome{BookingID: b.ID, Action: ActionSkipped, PreviousStatus: b.Status, Status: b.Status, Booking: b}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: lock: %w", b.ID, err)
		}
		defer release()
		fresh, err := r.store.Get(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", b.ID, err)
		}
		b = fresh
	}

	if !b.Status.Monitorable() {
		return &Outcome{BookingID: b.ID, Action: ActionSkipped, PreviousStatus: b.Status, Status: b.Status, Booking: b}, nil
	}

	now := r.now()
	if b.Status.Holding() && b.ExpiresAt != nil {
		if now.After(*b.ExpiresAt) {
			return r.expire(ctx, b, now)
		}
		if b.ExpiresAt.Sub(now) <= r.cfg.HoldWindow {
			return r.checkHold(ctx, b, now)
		}
	}

	if b.OperatorOrderID == "" {
		if b, err = r.createMissing(ctx, b); err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", b.ID, err)
		}
	}

	snap, err := r.fetchStatus(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", b.ID, err)
	}
	return r.merge(ctx, b, snap, booking.SourcePoll, now)
}

// expire cancels an unconfirmed booking whose hold has lapsed. The
// operator-side cancel is best effort.
func (r *Reconciler) expire(ctx context.Context, b *booking.Booking, now time.Time) (*Outcome, error) {
	err := r.call(ctx, b, operator.CapCancelBooking, func(ctx context.Context, a operator.Adapter) error {
		return a.CancelBooking(ctx, b.OperatorBookingKey)
	})
	if err != nil {
		r.log(ctx).Warn("operator cancel of expired hold failed", "operator", b.OperatorType, "error", err)
	}

	cancelled := booking.StatusCancelled
	updated, err := r.store.Apply(ctx, b.ID, booking.Update{
		Status:       &cancelled,
		CancelledAt:  &now,
		LastSyncedAt: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: expire: %w", b.ID, err)
	}
	r.log(ctx).Info("booking hold expired", "expires_at", b.ExpiresAt)
	r.fireStatus(updated, b.Status)
	return &Outcome{BookingID: b.ID, Action: ActionExpired, PreviousStatus: b.Status, Status: updated.Status, Booking: updated}, nil
}

// checkHold extends a hold that is about to lapse if the operator still
// holds the booking. Otherwise the hold is left to expire.
func (r *Reconciler) checkHold(ctx context.Context, b *booking.Booking, now time.Time) (*Outcome, error) {
	snap, err := r.fetchStatus(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: hold check: %w", b.ID, err)
	}
	native := snap.NativeStatus()

	// The operator has settled the booking; the hold no longer applies.
	if status, known := MapStatus(native); known && !status.Holding() {
		return r.merge(ctx, b, snap, booking.SourcePoll, now)
	}

	u := booking.Update{LastSyncedAt: &now}
	if native != "" && native != b.OperatorNativeStatus {
		u.OperatorNativeStatus = &native
	}
	action := ActionHeld
	if Extendable(native) {
		extended := b.ExpiresAt.Add(r.cfg.HoldExtension)
		u.ExpiresAt = &extended
		action = ActionExtended
	}

	updated, err := r.store.Apply(ctx, b.ID, u)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: hold check: %w", b.ID, err)
	}
	if action == ActionExtended {
		r.log(ctx).Info("booking hold extended", "expires_at", updated.ExpiresAt, "operator_status", native)
	}
	return &Outcome{BookingID: b.ID, Action: action, PreviousStatus: b.Status, Status: updated.Status, Booking: updated}, nil
}

// createMissing places the booking with the operator when it has no order
// id yet and stores the new id at once, so a later failure in the pass
// cannot lead to a second create. An operator failure is logged and the
// pass continues with the status check.
func (r *Reconciler) createMissing(ctx context.Context, b *booking.Booking) (*booking.Booking, error) {
	var created *operator.CreatedBooking
	err := r.call(ctx, b, operator.CapCreateBooking, func(ctx context.Context, a operator.Adapter) error {
		res, err := a.CreateBooking(ctx, b.OperatorBookingKey, b.CustomerData)
		if err != nil {
			return err
		}
		created = res
		return nil
	})
	if err != nil {
		r.log(ctx).Warn("operator booking create failed", "operator", b.OperatorType, "error", err)
		return b, nil
	}
	if created == nil || created.OrderID == "" {
		return b, nil
	}

	orderID := created.OrderID
	updated, err := r.store.Apply(ctx, b.ID, booking.Update{OperatorOrderID: &orderID})
	if err != nil {
		r.log(ctx).Error("operator order created but not stored", "operator", b.OperatorType, "order_id", orderID, "error", err)
		return b, fmt.Errorf("store order id %s: %w", orderID, err)
	}
	r.log(ctx).Info("operator order created", "operator", b.OperatorType, "order_id", orderID)
	return updated, nil
}

func (r *Reconciler) fetchStatus(ctx context.Context, b *booking.Booking) (*operator.BookingStatus, error) {
	var snap *operator.BookingStatus
	err := r.call(ctx, b, operator.CapBookingStatus, func(ctx context.Context, a operator.Adapter) error {
		res, err := a.BookingStatus(ctx, b.OperatorBookingKey)
		if err != nil {
			return err
		}
		snap = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = &operator.BookingStatus{}
	}
	return snap, nil
}

// call runs fn on the booking's own operator, or with fallback when the
// booking is not yet tied to one.
func (r *Reconciler) call(ctx context.Context, b *booking.Booking, op operator.Capability, fn func(ctx context.Context, a operator.Adapter) error) error {
	attrs := map[string]any{"booking_id": b.ID}
	if b.OperatorType != "" {
		return r.ops.ExecuteOn(ctx, b.OperatorType, op, attrs, fn)
	}
	return r.ops.ExecuteWithFallback(ctx, op, attrs, fn)
}

// merge folds an operator snapshot into b as one combined update.
func (r *Reconciler) merge(ctx context.Context, b *booking.Booking, snap *operator.BookingStatus, source booking.Source, now time.Time) (*Outcome, error) {
	u := booking.Update{LastSyncedAt: &now}

	native := snap.NativeStatus()
	if native != "" {
		status, known := MapStatus(native)
		if !known {
			reconcileUnknownStatus.Inc()
			r.log(ctx).Warn("unrecognized operator status, treating as pending",
				"operator", b.OperatorType, "raw_status", native)
		}
		if status != b.Status {
			u.Status = &status
			switch status {
			case booking.StatusConfirmed:
				if b.ConfirmedAt == nil {
					u.ConfirmedAt = &now
				}
			case booking.StatusCancelled:
				u.CancelledAt = &now
			}
		}
		if native != b.OperatorNativeStatus {
			u.OperatorNativeStatus = &native
		}
	}

	if snap.OrderID != "" && snap.OrderID != b.OperatorOrderID {
		orderID := snap.OrderID
		u.OperatorOrderID = &orderID
	}
	if len(snap.Payment) > 0 && !bytes.Equal(snap.Payment, b.Payment) {
		u.Payment = snap.Payment
	}
	if len(snap.Comments) > 0 && !bytes.Equal(snap.Comments, b.Comments) {
		u.Comments = snap.Comments
	}
	if snap.IsChecked != nil && (b.IsChecked == nil || *b.IsChecked != *snap.IsChecked) {
		checked := *snap.IsChecked
		u.IsChecked = &checked
	}

	if snap.TourDetails != nil {
		u.AppendChanges = DiffTour(b.TourDetails, snap.TourDetails, source)
		for i := range u.AppendChanges {
			u.AppendChanges[i].DetectedAt = now
		}
		merged := MergeTour(b.TourDetails, snap.TourDetails)
		if !tourEqual(b.TourDetails, merged) {
			u.TourDetails = merged
		}
	}

	updated, err := r.store.Apply(ctx, b.ID, u)
	if errors.Is(err, booking.ErrTerminal) {
		r.log(ctx).Info("booking already cancelled, operator snapshot ignored", "operator_status", native)
		return &Outcome{BookingID: b.ID, Action: ActionSkipped, PreviousStatus: b.Status, Status: booking.StatusCancelled}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: apply: %w", b.ID, err)
	}

	added := tail(updated.ChangeLog, len(u.AppendChanges))
	for _, c := range added {
		reconcileChanges.WithLabelValues(string(c.Category), string(c.Source)).Inc()
		r.fireChange(updated, c)
	}
	if updated.Status != b.Status {
		r.log(ctx).Info("booking status changed", "from", b.Status, "to", updated.Status, "operator_status", native)
		r.fireStatus(updated, b.Status)
	}

	return &Outcome{
		BookingID:      b.ID,
		Action:         ActionSynced,
		PreviousStatus: b.Status,
		Status:         updated.Status,
		Changes:        added,
		Booking:        updated,
	}, nil
}

// ApplySnapshot merges a booking status pushed by an operator, identified
// by the operator's booking key, without polling.
func (r *Reconciler) ApplySnapshot(ctx context.Context, operatorType, bookingKey string, snap *operator.BookingStatus, source booking.Source) (*Outcome, error) {
	b, err := r.store.GetByOperatorKey(ctx, operatorType, bookingKey)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s/%s: %w", operatorType, bookingKey, err)
	}
	if r.lock != nil {
		// A webhook cannot be skipped, so ErrBusy goes back to the sender.
		release, err := r.lock(ctx, b.ID)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: %w", operatorType, bookingKey, err)
		}
		defer release()
		if b, err = r.store.Get(ctx, b.ID); err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: %w", operatorType, bookingKey, err)
		}
	}
	if snap == nil {
		snap = &operator.BookingStatus{}
	}
	ctx = logging.WithBookingID(ctx, b.ID)
	out, err := r.merge(ctx, b, snap, source, r.now())
	if err == nil {
		reconcileBookings.WithLabelValues(string(out.Action)).Inc()
	}
	return out, err
}

// BatchOptions select and pace a sweep. Zero values take the defaults.
type BatchOptions struct {
	Staleness   time.Duration
	BatchSize   int
	Pause       time.Duration
	MaxPerRun   int
	Concurrency int
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.Staleness <= 0 {
		o.Staleness = DefaultStaleness
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Pause < 0 {
		o.Pause = 0
	}
	if o.MaxPerRun <= 0 {
		o.MaxPerRun = DefaultMaxPerRun
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// Failure is one booking a sweep could not reconcile.
type Failure struct {
	BookingID string `json:"bookingId"`
	Error     string `json:"error"`
}

// BatchResult summarizes a sweep.
type BatchResult struct {
	Selected int            `json:"selected"`
	Actions  map[Action]int `json:"actions"`
	Changes  int            `json:"changes"`
	Failures []Failure      `json:"failures,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// ReconcileBatch reconciles every monitorable booking whose last sync is
// missing or older than opts.Staleness, in chunks of opts.BatchSize with
// opts.Pause between chunks. One booking's failure never stops the sweep.
func (r *Reconciler) ReconcileBatch(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	opts = opts.withDefaults()
	start := time.Now()

	ctx, span := traces.StartSpan(ctx, "reconciliation.batch")
	defer span.End()

	list, err := r.store.ListMonitorable(ctx, booking.MonitorableStatuses, r.now().Add(-opts.Staleness), opts.MaxPerRun)
	if err != nil {
		reconcileRuns.WithLabelValues("error").Inc()
		traces.Fail(span, err, "select failed")
		return nil, fmt.Errorf("reconcile batch: select: %w", err)
	}
	span.SetAttributes(traces.BatchSize(len(list)))
	reconcileSelected.Set(float64(len(list)))

	res := &BatchResult{Selected: len(list), Actions: make(map[Action]int)}
	results := make([]batchItem, len(list))

	for lo := 0; lo < len(list); lo += opts.BatchSize {
		if lo > 0 && opts.Pause > 0 {
			select {
			case <-ctx.Done():
				res.collect(results[:lo])
				res.Duration = time.Since(start)
				reconcileRuns.WithLabelValues("cancelled").Inc()
				return res, ctx.Err()
			case <-time.After(opts.Pause):
			}
		}
		hi := min(lo+opts.BatchSize, len(list))

		var g errgroup.Group
		g.SetLimit(opts.Concurrency)
		for i := lo; i < hi; i++ {
			g.Go(func() error {
				results[i] = r.safeReconcile(ctx, list[i])
				return nil
			})
		}
		_ = g.Wait()
	}

	res.collect(results)
	res.Duration = time.Since(start)
	reconcileDuration.Observe(res.Duration.Seconds())
	reconcileRuns.WithLabelValues("ok").Inc()

	r.log(ctx).Info("reconciliation batch complete",
		"selected", res.Selected,
		"actions", res.Actions,
		"changes", res.Changes,
		"failed", len(res.Failures),
		"duration", res.Duration)
	return res, nil
}

type batchItem struct {
	id  string
	out *Outcome
	err error
}

func (r *Reconciler) safeReconcile(ctx context.Context, b *booking.Booking) (item batchItem) {
	item.id = b.ID
	defer func() {
		if p := recover(); p != nil {
			item.err = fmt.Errorf("reconcile %s: panic: %v", b.ID, p)
		}
		if item.err != nil {
			r.log(logging.WithBookingID(ctx, b.ID)).Error("booking reconciliation failed", "error", item.err)
		}
	}()
	item.out, item.err = r.reconcile(ctx, b)
	return item
}

func (res *BatchResult) collect(items []batchItem) {
	for _, it := range items {
		switch {
		case it.err != nil:
			res.Failures = append(res.Failures, Failure{BookingID: it.id, Error: it.err.Error()})
		case it.out != nil:
			res.Actions[it.out.Action]++
			res.Changes += len(it.out.Changes)
		}
	}
}

func (r *Reconciler) fireStatus(b *booking.Booking, from booking.Status) {
	if r.hooks.OnStatusChange == nil {
		return
	}
	defer func() { _ = recover() }()
	r.hooks.OnStatusChange(b, from)
}

func (r *Reconciler) fireChange(b *booking.Booking, c booking.Change) {
	if r.hooks.OnChange == nil {
		return
	}
	defer func() { _ = recover() }()
	r.hooks.OnChange(b, c)
}

func tail(changes []booking.Change, n int) []booking.Change {
	if n <= 0 || n > len(changes) {
		return nil
	}
	return append([]booking.Change(nil), changes[len(changes)-n:]...)
}
