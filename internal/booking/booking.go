// Package booking holds the locally persisted view of tour bookings placed
// with operators, and the stores that keep it.
package booking

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/tourbridge/internal/idgen"
	"github.com/mbd888/tourbridge/internal/tour"
)

var (
	ErrNotFound = errors.New("booking: not found")
	ErrExists   = errors.New("booking: already exists")
	ErrTerminal = errors.New("booking: cancelled bookings cannot change status")
)

// Status is the canonical booking lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusChanged    Status = "changed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

// MonitorableStatuses are the statuses a reconciliation sweep looks at.
var MonitorableStatuses = []Status{StatusPending, StatusProcessing, StatusConfirmed, StatusChanged}

// Monitorable reports whether bookings in status s are still reconciled.
func (s Status) Monitorable() bool {
	for _, m := range MonitorableStatuses {
		if s == m {
			return true
		}
	}
	return false
}

// Holding reports whether s is a status with an expiring hold.
func (s Status) Holding() bool {
	return s == StatusPending || s == StatusProcessing
}

// Valid reports whether s is one of the canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusConfirmed, StatusChanged, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// Category groups change-log entries.
type Category string

const (
	CategoryFlight Category = "flight"
	CategoryHotel  Category = "hotel"
)

// Direction is the flight leg a change applies to. Hotel changes have none.
type Direction string

const (
	DirectionNone      Direction = ""
	DirectionDeparture Direction = "departure"
	DirectionReturn    Direction = "return"
)

// Source records how a change was observed.
type Source string

const (
	SourcePoll    Source = "poll"
	SourceWebhook Source = "webhook"
)

// Change is one append-only change-log entry: a single field of the tour
// that the operator reported differently from what we had stored.
type Change struct {
	ID         string    `json:"id"`
	Category   Category  `json:"category"`
	Direction  Direction `json:"direction,omitempty"`
	Field      string    `json:"field"`
	Before     string    `json:"before"`
	After      string    `json:"after"`
	DetectedAt time.Time `json:"detected_at"`
	Source     Source    `json:"source"`
}

// Booking is a tour booking placed with an operator.
type Booking struct {
	ID                   string          `json:"id"`
	Status               Status          `json:"status"`
	OperatorType         string          `json:"operator_type"`
	OperatorBookingKey   string          `json:"operator_booking_key"`
	OperatorOrderID      string          `json:"operator_order_id,omitempty"`
	OperatorNativeStatus string          `json:"operator_native_status,omitempty"`
	LastSyncedAt         *time.Time      `json:"last_synced_at,omitempty"`
	ExpiresAt            *time.Time      `json:"expires_at,omitempty"`
	ConfirmedAt          *time.Time      `json:"confirmed_at,omitempty"`
	CancelledAt          *time.Time      `json:"cancelled_at,omitempty"`
	CustomerData         json.RawMessage `json:"customer_data,omitempty"`
	Payment              json.RawMessage `json:"payment,omitempty"`
	Comments             json.RawMessage `json:"comments,omitempty"`
	IsChecked            *bool           `json:"is_checked,omitempty"`
	TourDetails          *tour.Details   `json:"tour_details,omitempty"`
	ChangeLog            []Change        `json:"change_log,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of b.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	cp := *b
	cp.LastSyncedAt = cloneTime(b.LastSyncedAt)
	cp.ExpiresAt = cloneTime(b.ExpiresAt)
	cp.ConfirmedAt = cloneTime(b.ConfirmedAt)
	cp.CancelledAt = cloneTime(b.CancelledAt)
	cp.CustomerData = cloneRaw(b.CustomerData)
	cp.Payment = cloneRaw(b.Payment)
	cp.Comments = cloneRaw(b.Comments)
	if b.IsChecked != nil {
		v := *b.IsChecked
		cp.IsChecked = &v
	}
	cp.TourDetails = b.TourDetails.Clone()
	if b.ChangeLog != nil {
		cp.ChangeLog = append([]Change(nil), b.ChangeLog...)
	}
	return &cp
}

// Update is a partial, atomic change to one booking. Nil fields are left
// alone. AppendChanges are added to the change log; existing entries are
// never rewritten.
type Update struct {
	Status               *Status
	OperatorOrderID      *string
	OperatorNativeStatus *string
	LastSyncedAt         *time.Time
	ExpiresAt            *time.Time
	ConfirmedAt          *time.Time
	CancelledAt          *time.Time
	Payment              json.RawMessage
	Comments             json.RawMessage
	IsChecked            *bool
	TourDetails          *tour.Details
	AppendChanges        []Change
}

// Empty reports whether u would change nothing.
func (u Update) Empty() bool {
	return u.Status == nil && u.OperatorOrderID == nil && u.OperatorNativeStatus == nil &&
		u.LastSyncedAt == nil && u.ExpiresAt == nil && u.ConfirmedAt == nil &&
		u.CancelledAt == nil && u.Payment == nil && u.Comments == nil &&
		u.IsChecked == nil && u.TourDetails == nil && len(u.AppendChanges) == 0
}

// apply writes u onto b and returns the change entries it appended, with
// ids and timestamps filled in. b is left untouched on error.
func (u Update) apply(b *Booking, now time.Time) ([]Change, error) {
	if u.Status != nil && b.Status == StatusCancelled && *u.Status != StatusCancelled {
		return nil, ErrTerminal
	}

	if u.Status != nil {
		b.Status = *u.Status
	}
	if u.OperatorOrderID != nil {
		b.OperatorOrderID = *u.OperatorOrderID
	}
	if u.OperatorNativeStatus != nil {
		b.OperatorNativeStatus = *u.OperatorNativeStatus
	}
	if u.LastSyncedAt != nil {
		b.LastSyncedAt = cloneTime(u.LastSyncedAt)
	}
	if u.ExpiresAt != nil {
		b.ExpiresAt = cloneTime(u.ExpiresAt)
	}
	if u.ConfirmedAt != nil {
		b.ConfirmedAt = cloneTime(u.ConfirmedAt)
	}
	if u.CancelledAt != nil {
		b.CancelledAt = cloneTime(u.CancelledAt)
	}
	if u.Payment != nil {
		b.Payment = cloneRaw(u.Payment)
	}
	if u.Comments != nil {
		b.Comments = cloneRaw(u.Comments)
	}
	if u.IsChecked != nil {
		v := *u.IsChecked
		b.IsChecked = &v
	}
	if u.TourDetails != nil {
		b.TourDetails = u.TourDetails.Clone()
	}

	added := make([]Change, 0, len(u.AppendChanges))
	for _, c := range u.AppendChanges {
		if c.ID == "" {
			c.ID = idgen.New()
		}
		if c.DetectedAt.IsZero() {
			c.DetectedAt = now
		}
		if c.Source == "" {
			c.Source = SourcePoll
		}
		added = append(added, c)
	}
	b.ChangeLog = append(b.ChangeLog, added...)
	b.UpdatedAt = now
	return added, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
