// Package operatortest provides an in-memory operator adapter for tests of
// packages built on the operator Manager.
package operatortest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/mbd888/tourbridge/internal/operator"
)

// Adapter is a scriptable operator. Statuses maps booking keys to the status
// BookingStatus reports; unknown keys report "confirmed". Err, when set,
// fails every call.
type Adapter struct {
	Name string

	mu       sync.Mutex
	statuses map[string]*operator.BookingStatus
	err      error
	calls    map[string]int
}

// New creates a fake adapter of type typ.
func New(typ string) *Adapter {
	return &Adapter{
		Name:     typ,
		statuses: make(map[string]*operator.BookingStatus),
		calls:    make(map[string]int),
	}
}

// Factory registers a in an operator.Registry regardless of descriptor.
func (a *Adapter) Factory() operator.Factory {
	return func(operator.Descriptor, operator.Deps) (operator.Adapter, error) { return a, nil }
}

// SetStatus scripts the status reported for key.
func (a *Adapter) SetStatus(key string, st *operator.BookingStatus) {
	a.mu.Lock()
	a.statuses[key] = st
	a.mu.Unlock()
}

// SetError makes every subsequent call fail with err; nil clears it.
func (a *Adapter) SetError(err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
}

// Calls reports how often method was invoked.
func (a *Adapter) Calls(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

func (a *Adapter) record(method string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[method]++
	return a.err
}

func (a *Adapter) Type() string { return a.Name }

func (a *Adapter) Search(context.Context, operator.SearchParams) (*operator.SearchResult, error) {
	if err := a.record("Search"); err != nil {
		return nil, err
	}
	return &operator.SearchResult{}, nil
}

func (a *Adapter) GetBooking(_ context.Context, key string) (*operator.BookingData, error) {
	if err := a.record("GetBooking"); err != nil {
		return nil, err
	}
	return &operator.BookingData{}, nil
}

func (a *Adapter) Calculate(context.Context, string, json.RawMessage) (*operator.Calculation, error) {
	if err := a.record("Calculate"); err != nil {
		return nil, err
	}
	return &operator.Calculation{}, nil
}

func (a *Adapter) CreateBooking(_ context.Context, key string, _ json.RawMessage) (*operator.CreatedBooking, error) {
	if err := a.record("CreateBooking"); err != nil {
		return nil, err
	}
	return &operator.CreatedBooking{OrderID: a.Name + "-" + key}, nil
}

func (a *Adapter) ConfirmBooking(context.Context, string) error { return a.record("ConfirmBooking") }
func (a *Adapter) CancelBooking(context.Context, string) error  { return a.record("CancelBooking") }

func (a *Adapter) BookingStatus(_ context.Context, key string) (*operator.BookingStatus, error) {
	if err := a.record("BookingStatus"); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.statuses[key]; ok {
		cp := *st
		return &cp, nil
	}
	return &operator.BookingStatus{Status: "confirmed"}, nil
}

func (a *Adapter) DepartureCities(context.Context) ([]operator.DepartureCity, error) {
	return nil, a.record("DepartureCities")
}

func (a *Adapter) Countries(context.Context, int) ([]operator.Country, error) {
	return nil, a.record("Countries")
}

func (a *Adapter) PackageTemplates(context.Context, int) ([]operator.PackageTemplate, error) {
	return nil, a.record("PackageTemplates")
}

func (a *Adapter) Hotels(context.Context, int) ([]operator.Hotel, error) {
	return nil, a.record("Hotels")
}

func (a *Adapter) Meals(context.Context) ([]operator.Meal, error) { return nil, a.record("Meals") }

func (a *Adapter) CalendarHints(context.Context, operator.CalendarParams) ([]operator.CalendarHint, error) {
	return nil, a.record("CalendarHints")
}

func (a *Adapter) Ping(context.Context) error { return a.record("Ping") }

// ErrNoKey is returned by DecodeSnapshot for a body without booking_key.
var ErrNoKey = errors.New("operatortest: snapshot has no booking_key")

// DecodeSnapshot accepts {"booking_key": "...", "status": "...", "order_id": "..."}.
func (a *Adapter) DecodeSnapshot(body []byte) (string, *operator.BookingStatus, error) {
	var w struct {
		BookingKey string `json:"booking_key"`
		Status     string `json:"status"`
		OrderID    string `json:"order_id"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return "", nil, err
	}
	if w.BookingKey == "" {
		return "", nil, ErrNoKey
	}
	return w.BookingKey, &operator.BookingStatus{Status: w.Status, OrderID: w.OrderID}, nil
}

var (
	_ operator.Adapter         = (*Adapter)(nil)
	_ operator.SnapshotDecoder = (*Adapter)(nil)
)
