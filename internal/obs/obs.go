// Package obs implements the operator adapter for the OBS tour-operator API.
package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mbd888/tourbridge/internal/operator"
	"github.com/mbd888/tourbridge/internal/ratelimit"
	"github.com/mbd888/tourbridge/internal/transport"
)

// Type is the operator key OBS is registered under.
const Type = "obs"

const (
	pathLogin           = "/login"
	pathRefresh         = "/refresh"
	pathDepartureCities = "/departure-cities"
	pathCountries       = "/countries"
	pathPackages        = "/packages"
	pathHotels          = "/hotels"
	pathMeals           = "/meals"
	pathCalendarHints   = "/calendar-hints"
	pathSearch          = "/search"
)

// ErrNoBaseURL is returned when the descriptor has no base_url.
var ErrNoBaseURL = errors.New("obs: base_url is required")

// Adapter talks to one OBS installation.
type Adapter struct {
	typ     string
	api     *transport.Client
	limiter *ratelimit.Limiter
}

var (
	_ operator.Adapter         = (*Adapter)(nil)
	_ operator.SnapshotDecoder = (*Adapter)(nil)
)

// New builds an OBS adapter from its descriptor. It matches operator.Factory.
func New(d operator.Descriptor, deps operator.Deps) (operator.Adapter, error) {
	if d.BaseURL == "" {
		return nil, ErrNoBaseURL
	}

	hc := deps.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: d.Timeout}
	}

	authClient := transport.New(d.Type, d.BaseURL,
		transport.WithHTTPClient(hc),
		transport.WithTimeout(d.Timeout),
	)
	login, refresh := transport.PasswordAuth(authClient, pathLogin, pathRefresh, d.Credentials.Login, d.Credentials.Password)
	tokens := transport.NewTokenSource(d.Type, login, refresh)

	opts := []transport.Option{
		transport.WithHTTPClient(hc),
		transport.WithTimeout(d.Timeout),
		transport.WithAuth(tokens),
	}

	a := &Adapter{typ: d.Type}
	if d.RateLimit.RequestsPerMinute > 0 {
		burst := d.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		a.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: d.RateLimit.RequestsPerMinute,
			BurstSize:         burst,
			CleanupInterval:   ratelimit.DefaultConfig().CleanupInterval,
		})
		opts = append(opts, transport.WithLimiter(a.limiter))
	}
	a.api = transport.New(d.Type, d.BaseURL, opts...)
	return a, nil
}

// Type returns the operator key.
func (a *Adapter) Type() string { return a.typ }

// Close stops the outbound rate limiter.
func (a *Adapter) Close() error {
	if a.limiter != nil {
		a.limiter.Stop()
	}
	return nil
}

func bookingPath(key string, suffix string) string {
	return "/bookings/" + url.PathEscape(key) + suffix
}

// Search runs a tour search.
func (a *Adapter) Search(ctx context.Context, params operator.SearchParams) (*operator.SearchResult, error) {
	var out operator.SearchResult
	if err := a.api.Post(ctx, pathSearch, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBooking fetches the bookable offer or booking addressed by key.
func (a *Adapter) GetBooking(ctx context.Context, key string) (*operator.BookingData, error) {
	var w bookingWire
	if err := a.api.Get(ctx, bookingPath(key, ""), nil, &w); err != nil {
		return nil, err
	}
	return &operator.BookingData{
		Key:         key,
		OrderID:     w.OrderID.String(),
		TourDetails: w.TourDetails,
		Raw:         w.raw,
	}, nil
}

// Calculate prices key for the given customer data.
func (a *Adapter) Calculate(ctx context.Context, key string, customer json.RawMessage) (*operator.Calculation, error) {
	var w calculationWire
	body := map[string]json.RawMessage{"customer_data": customer}
	if err := a.api.Post(ctx, bookingPath(key, "/calculate"), body, &w); err != nil {
		return nil, err
	}
	return &operator.Calculation{
		Price: w.price(),
		Raw:   w.raw,
	}, nil
}

// CreateBooking places an order for key.
func (a *Adapter) CreateBooking(ctx context.Context, key string, payload json.RawMessage) (*operator.CreatedBooking, error) {
	var w createWire
	if err := a.api.Post(ctx, bookingPath(key, ""), payload, &w); err != nil {
		return nil, err
	}
	id := w.orderID()
	if id == "" {
		return nil, fmt.Errorf("obs: create booking %s: response has no order id", key)
	}
	return &operator.CreatedBooking{OrderID: id, Raw: w.raw}, nil
}

// ConfirmBooking asks the operator to confirm a held order.
func (a *Adapter) ConfirmBooking(ctx context.Context, key string) error {
	return a.api.Post(ctx, bookingPath(key, "/confirm"), struct{}{}, nil)
}

// CancelBooking cancels the order for key.
func (a *Adapter) CancelBooking(ctx context.Context, key string) error {
	return a.api.Post(ctx, bookingPath(key, "/cancel"), struct{}{}, nil)
}

// BookingStatus returns the operator's current view of the booking.
func (a *Adapter) BookingStatus(ctx context.Context, key string) (*operator.BookingStatus, error) {
	var w statusWire
	if err := a.api.Get(ctx, bookingPath(key, "/status"), nil, &w); err != nil {
		return nil, err
	}
	return w.toStatus(), nil
}

// ErrNoBookingKey is returned for a pushed snapshot without a booking key.
var ErrNoBookingKey = errors.New("obs: snapshot has no booking_key")

// DecodeSnapshot parses a pushed booking snapshot: the status document
// with the booking_key it belongs to alongside.
func (a *Adapter) DecodeSnapshot(body []byte) (string, *operator.BookingStatus, error) {
	var w struct {
		BookingKey flexID `json:"booking_key"`
		statusWire
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return "", nil, fmt.Errorf("obs: decode snapshot: %w", err)
	}
	if w.BookingKey == "" {
		return "", nil, ErrNoBookingKey
	}
	return w.BookingKey.String(), w.statusWire.toStatus(), nil
}

// DepartureCities lists departure cities.
func (a *Adapter) DepartureCities(ctx context.Context) ([]operator.DepartureCity, error) {
	var out []operator.DepartureCity
	if err := a.api.Get(ctx, pathDepartureCities, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Countries lists destination countries reachable from a departure city.
func (a *Adapter) Countries(ctx context.Context, departureCityID int) ([]operator.Country, error) {
	var out []operator.Country
	q := idQuery("departure_city_id", departureCityID)
	if err := a.api.Get(ctx, pathCountries, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PackageTemplates lists package templates for a country.
func (a *Adapter) PackageTemplates(ctx context.Context, countryID int) ([]operator.PackageTemplate, error) {
	var out []operator.PackageTemplate
	if err := a.api.Get(ctx, pathPackages, idQuery("country_id", countryID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Hotels lists hotels in a country.
func (a *Adapter) Hotels(ctx context.Context, countryID int) ([]operator.Hotel, error) {
	var out []operator.Hotel
	if err := a.api.Get(ctx, pathHotels, idQuery("country_id", countryID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Meals lists meal plans.
func (a *Adapter) Meals(ctx context.Context) ([]operator.Meal, error) {
	var out []operator.Meal
	if err := a.api.Get(ctx, pathMeals, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CalendarHints lists dates with departures in a month.
func (a *Adapter) CalendarHints(ctx context.Context, params operator.CalendarParams) ([]operator.CalendarHint, error) {
	q := url.Values{}
	if params.DepartureCityID > 0 {
		q.Set("departure_city_id", strconv.Itoa(params.DepartureCityID))
	}
	if params.CountryID > 0 {
		q.Set("country_id", strconv.Itoa(params.CountryID))
	}
	if params.Month != "" {
		q.Set("month", params.Month)
	}
	var out []operator.CalendarHint
	if err := a.api.Get(ctx, pathCalendarHints, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping fetches departure cities, the cheapest authenticated call.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.DepartureCities(ctx)
	return err
}

func idQuery(name string, id int) url.Values {
	if id <= 0 {
		return nil
	}
	return url.Values{name: {strconv.Itoa(id)}}
}
