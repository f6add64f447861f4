package operator

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tourbridge/internal/alerts"
)

// fakeAdapter counts invocations and fails according to failFn.
type fakeAdapter struct {
	typ     string
	calls   atomic.Int32
	failFn  func(call int) error
	pingErr error
}

func (f *fakeAdapter) invoke() error {
	n := int(f.calls.Add(1))
	if f.failFn == nil {
		return nil
	}
	return f.failFn(n)
}

func (f *fakeAdapter) Type() string { return f.typ }

func (f *fakeAdapter) Search(context.Context, SearchParams) (*SearchResult, error) {
	return &SearchResult{}, f.invoke()
}
func (f *fakeAdapter) GetBooking(context.Context, string) (*BookingData, error) {
	return &BookingData{}, f.invoke()
}
func (f *fakeAdapter) Calculate(context.Context, string, json.RawMessage) (*Calculation, error) {
	return &Calculation{}, f.invoke()
}
func (f *fakeAdapter) CreateBooking(context.Context, string, json.RawMessage) (*CreatedBooking, error) {
	if err := f.invoke(); err != nil {
		return nil, err
	}
	return &CreatedBooking{OrderID: f.typ + "-order"}, nil
}
func (f *fakeAdapter) ConfirmBooking(context.Context, string) error { return f.invoke() }
func (f *fakeAdapter) CancelBooking(context.Context, string) error  { return f.invoke() }
func (f *fakeAdapter) BookingStatus(context.Context, string) (*BookingStatus, error) {
	if err := f.invoke(); err != nil {
		return nil, err
	}
	return &BookingStatus{Status: "confirmed"}, nil
}
func (f *fakeAdapter) DepartureCities(context.Context) ([]DepartureCity, error) {
	return nil, f.invoke()
}
func (f *fakeAdapter) Countries(context.Context, int) ([]Country, error) { return nil, f.invoke() }
func (f *fakeAdapter) PackageTemplates(context.Context, int) ([]PackageTemplate, error) {
	return nil, f.invoke()
}
func (f *fakeAdapter) Hotels(context.Context, int) ([]Hotel, error) { return nil, f.invoke() }
func (f *fakeAdapter) Meals(context.Context) ([]Meal, error)        { return nil, f.invoke() }
func (f *fakeAdapter) CalendarHints(context.Context, CalendarParams) ([]CalendarHint, error) {
	return nil, f.invoke()
}
func (f *fakeAdapter) Ping(context.Context) error { return f.pingErr }

type recordedAlert struct {
	level   alerts.Level
	message string
	details map[string]any
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []recordedAlert
}

func (r *alertRecorder) Alert(_ context.Context, level alerts.Level, message string, details map[string]any) {
	r.mu.Lock()
	r.alerts = append(r.alerts, recordedAlert{level, message, details})
	r.mu.Unlock()
}

func (r *alertRecorder) count(level alerts.Level) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.alerts {
		if a.level == level {
			n++
		}
	}
	return n
}

type trackRecord struct {
	operator, operation string
	success             bool
}

type trackRecorder struct {
	mu      sync.Mutex
	records []trackRecord
}

func (r *trackRecorder) TrackOperation(operator, operation string, _ time.Duration, success bool) {
	r.mu.Lock()
	r.records = append(r.records, trackRecord{operator, operation, success})
	r.mu.Unlock()
}
