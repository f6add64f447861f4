package reconciliation

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tourbridge/internal/operator"
)

// stubAdapter serves scripted booking statuses. Methods the reconciler never
// calls are left to the embedded nil interface.
type stubAdapter struct {
	operator.Adapter

	mu        sync.Mutex
	statuses  map[string]*operator.BookingStatus
	statusErr map[string]error
	createErr error
	cancelErr error
	orderID   string

	statusCalls atomic.Int32
	createCalls atomic.Int32
	cancelCalls atomic.Int32
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		statuses:  make(map[string]*operator.BookingStatus),
		statusErr: make(map[string]error),
		orderID:   "ORD-1",
	}
}

func (s *stubAdapter) set(key string, st *operator.BookingStatus) {
	s.mu.Lock()
	s.statuses[key] = st
	s.mu.Unlock()
}

func (s *stubAdapter) fail(key string, err error) {
	s.mu.Lock()
	s.statusErr[key] = err
	s.mu.Unlock()
}

func (s *stubAdapter) Type() string { return "obs" }

func (s *stubAdapter) BookingStatus(_ context.Context, key string) (*operator.BookingStatus, error) {
	s.statusCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.statusErr[key]; err != nil {
		return nil, err
	}
	st, ok := s.statuses[key]
	if !ok {
		return &operator.BookingStatus{}, nil
	}
	cp := *st
	cp.TourDetails = st.TourDetails.Clone()
	return &cp, nil
}

func (s *stubAdapter) CreateBooking(_ context.Context, _ string, _ json.RawMessage) (*operator.CreatedBooking, error) {
	s.createCalls.Add(1)
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &operator.CreatedBooking{OrderID: s.orderID}, nil
}

func (s *stubAdapter) CancelBooking(context.Context, string) error {
	s.cancelCalls.Add(1)
	return s.cancelErr
}

// fakeOps hands every call straight to one adapter and records routing.
type fakeOps struct {
	adapter *stubAdapter

	mu        sync.Mutex
	pinned    []string
	fallbacks int
}

func (f *fakeOps) ExecuteOn(ctx context.Context, typ string, _ operator.Capability, _ map[string]any, fn func(context.Context, operator.Adapter) error) error {
	f.mu.Lock()
	f.pinned = append(f.pinned, typ)
	f.mu.Unlock()
	return fn(ctx, f.adapter)
}

func (f *fakeOps) ExecuteWithFallback(ctx context.Context, _ operator.Capability, _ map[string]any, fn func(context.Context, operator.Adapter) error) error {
	f.mu.Lock()
	f.fallbacks++
	f.mu.Unlock()
	return fn(ctx, f.adapter)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
