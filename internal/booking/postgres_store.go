package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/tourbridge/internal/idgen"
	"github.com/mbd888/tourbridge/internal/tour"
)

// PostgresStore persists bookings in PostgreSQL. Change-log entries live in
// the append-only booking_changes table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed booking store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bookingColumns = `
	id, status, operator_type, operator_booking_key, operator_order_id,
	operator_native_status, last_synced_at, expires_at, confirmed_at,
	cancelled_at, customer_data, payment, comments, is_checked,
	tour_details, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Booking) error {
	if b.ID == "" {
		b.ID = idgen.WithPrefix("bkg_")
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	details, err := marshalDetails(b.TourDetails)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		b.ID, string(b.Status), b.OperatorType, b.OperatorBookingKey, nullString(b.OperatorOrderID),
		b.OperatorNativeStatus, b.LastSyncedAt, b.ExpiresAt, b.ConfirmedAt,
		b.CancelledAt, nullJSON(b.CustomerData), nullJSON(b.Payment), nullJSON(b.Comments), b.IsChecked,
		details, b.CreatedAt, b.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("booking: insert %s: %w", b.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if b.ChangeLog, err = p.listChanges(ctx, p.db, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) GetByOperatorKey(ctx context.Context, operatorType, key string) (*Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE operator_type = $1 AND operator_booking_key = $2`, operatorType, key))
	if err != nil {
		return nil, err
	}
	if b.ChangeLog, err = p.listChanges(ctx, p.db, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) ListMonitorable(ctx context.Context, statuses []Status, staleBefore time.Time, limit int) ([]*Booking, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = ANY($1)
		  AND (last_synced_at IS NULL OR last_synced_at < $2)
		ORDER BY last_synced_at ASC NULLS FIRST, created_at ASC
		LIMIT $3`, pq.Array(names), staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("booking: list monitorable: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// Apply locks the booking row, applies u and appends any change entries in
// one transaction.
func (p *PostgresStore) Apply(ctx context.Context, id string, u Update) (*Booking, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("booking: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b, err := scanBooking(tx.QueryRowContext(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}

	added, err := u.apply(b, time.Now())
	if err != nil {
		return nil, err
	}

	details, err := marshalDetails(b.TourDetails)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE bookings SET
			status = $2,
			operator_order_id = $3,
			operator_native_status = $4,
			last_synced_at = $5,
			expires_at = $6,
			confirmed_at = $7,
			cancelled_at = $8,
			payment = $9,
			comments = $10,
			is_checked = $11,
			tour_details = $12,
			updated_at = $13
		WHERE id = $1`,
		b.ID, string(b.Status), nullString(b.OperatorOrderID), b.OperatorNativeStatus,
		b.LastSyncedAt, b.ExpiresAt, b.ConfirmedAt, b.CancelledAt,
		nullJSON(b.Payment), nullJSON(b.Comments), b.IsChecked, details, b.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("booking: update %s: %w", id, err)
	}

	for _, c := range added {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO booking_changes (id, booking_id, category, direction, field, before_value, after_value, detected_at, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, id, string(c.Category), string(c.Direction), c.Field, c.Before, c.After, c.DetectedAt, string(c.Source),
		)
		if err != nil {
			return nil, fmt.Errorf("booking: append change %s: %w", c.ID, err)
		}
	}

	if b.ChangeLog, err = p.listChanges(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("booking: commit: %w", err)
	}
	return b, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (p *PostgresStore) listChanges(ctx context.Context, q querier, bookingID string) ([]Change, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, category, direction, field, before_value, after_value, detected_at, source
		FROM booking_changes
		WHERE booking_id = $1
		ORDER BY seq ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("booking: list changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []Change
	for rows.Next() {
		var (
			c                           Change
			category, direction, source string
		)
		if err := rows.Scan(&c.ID, &category, &direction, &c.Field, &c.Before, &c.After, &c.DetectedAt, &source); err != nil {
			return nil, err
		}
		c.Category = Category(category)
		c.Direction = Direction(direction)
		c.Source = Source(source)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(s scanner) (*Booking, error) {
	var (
		b                                            Booking
		status                                       string
		orderID                                      sql.NullString
		lastSynced, expires, confirmed, cancelled    sql.NullTime
		customerData, payment, comments, tourDetails []byte
		isChecked                                    sql.NullBool
	)

	err := s.Scan(
		&b.ID, &status, &b.OperatorType, &b.OperatorBookingKey, &orderID,
		&b.OperatorNativeStatus, &lastSynced, &expires, &confirmed,
		&cancelled, &customerData, &payment, &comments, &isChecked,
		&tourDetails, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("booking: scan: %w", err)
	}

	b.Status = Status(status)
	b.OperatorOrderID = orderID.String
	b.LastSyncedAt = nullTime(lastSynced)
	b.ExpiresAt = nullTime(expires)
	b.ConfirmedAt = nullTime(confirmed)
	b.CancelledAt = nullTime(cancelled)
	b.CustomerData = rawOrNil(customerData)
	b.Payment = rawOrNil(payment)
	b.Comments = rawOrNil(comments)
	if isChecked.Valid {
		v := isChecked.Bool
		b.IsChecked = &v
	}
	if len(tourDetails) > 0 {
		var d tour.Details
		if err := json.Unmarshal(tourDetails, &d); err != nil {
			return nil, fmt.Errorf("booking: decode tour details for %s: %w", b.ID, err)
		}
		b.TourDetails = &d
	}
	return &b, nil
}

func marshalDetails(d *tour.Details) (any, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("booking: encode tour details: %w", err)
	}
	return data, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return []byte(r)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
