package booking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/tourbridge/internal/idgen"
)

// MemoryStore is an in-memory booking store for development and tests.
type MemoryStore struct {
	bookings map[string]*Booking
	byKey    map[string]string // operatorType + "/" + key → id
	now      func() time.Time
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		byKey:    make(map[string]string),
		now:      time.Now,
	}
}

func operatorKey(operatorType, key string) string {
	return operatorType + "/" + key
}

func (m *MemoryStore) Create(_ context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b.ID == "" {
		b.ID = idgen.WithPrefix("bkg_")
	}
	if _, ok := m.bookings[b.ID]; ok {
		return ErrExists
	}
	k := operatorKey(b.OperatorType, b.OperatorBookingKey)
	if _, ok := m.byKey[k]; ok && b.OperatorBookingKey != "" {
		return ErrExists
	}
	if b.Status == "" {
		b.Status = StatusPending
	}
	now := m.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	m.bookings[b.ID] = b.Clone()
	if b.OperatorBookingKey != "" {
		m.byKey[k] = b.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) GetByOperatorKey(_ context.Context, operatorType, key string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[operatorKey(operatorType, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.bookings[id].Clone(), nil
}

func (m *MemoryStore) ListMonitorable(_ context.Context, statuses []Status, staleBefore time.Time, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var result []*Booking
	for _, b := range m.bookings {
		if !want[b.Status] {
			continue
		}
		if b.LastSyncedAt != nil && !b.LastSyncedAt.Before(staleBefore) {
			continue
		}
		cp := b.Clone()
		cp.ChangeLog = nil
		result = append(result, cp)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].LastSyncedAt, result[j].LastSyncedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Apply(_ context.Context, id string, u Update) (*Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if _, err := u.apply(next, m.now()); err != nil {
		return nil, err
	}
	m.bookings[id] = next
	return next.Clone(), nil
}
