// Package operator models tour-operator backends: their configuration, the
// adapter contract every operator implements, and the Manager that routes
// operations to the best available operator with fallback.
package operator

import (
	"context"
	"encoding/json"

	"github.com/mbd888/tourbridge/internal/tour"
)

// Adapter is one operator's implementation of the capability surface.
// Adapters perform a single raw attempt per call; the Manager adds the
// circuit breaker and retries around them.
type Adapter interface {
	Type() string

	Search(ctx context.Context, params SearchParams) (*SearchResult, error)
	GetBooking(ctx context.Context, key string) (*BookingData, error)
	Calculate(ctx context.Context, key string, customer json.RawMessage) (*Calculation, error)
	CreateBooking(ctx context.Context, key string, payload json.RawMessage) (*CreatedBooking, error)
	ConfirmBooking(ctx context.Context, key string) error
	CancelBooking(ctx context.Context, key string) error
	BookingStatus(ctx context.Context, key string) (*BookingStatus, error)

	DepartureCities(ctx context.Context) ([]DepartureCity, error)
	Countries(ctx context.Context, departureCityID int) ([]Country, error)
	PackageTemplates(ctx context.Context, countryID int) ([]PackageTemplate, error)
	Hotels(ctx context.Context, countryID int) ([]Hotel, error)
	Meals(ctx context.Context) ([]Meal, error)
	CalendarHints(ctx context.Context, params CalendarParams) ([]CalendarHint, error)

	// Ping is a lightweight call used by health probes.
	Ping(ctx context.Context) error
}

// SnapshotDecoder is implemented by adapters whose operator pushes booking
// snapshots. DecodeSnapshot parses one pushed body into the booking key it
// concerns and the operator's view of the booking.
type SnapshotDecoder interface {
	DecodeSnapshot(body []byte) (key string, status *BookingStatus, err error)
}

// SearchParams are the filters of a tour search.
type SearchParams struct {
	DepartureCityID int    `json:"departure_city_id"`
	CountryID       int    `json:"country_id"`
	DateFrom        string `json:"date_from"`
	DateTo          string `json:"date_to"`
	NightsFrom      int    `json:"nights_from"`
	NightsTo        int    `json:"nights_to"`
	Adults          int    `json:"adults"`
	Children        int    `json:"children,omitempty"`
	ChildAges       []int  `json:"child_ages,omitempty"`
	HotelIDs        []int  `json:"hotel_ids,omitempty"`
	MealIDs         []int  `json:"meal_ids,omitempty"`
	PriceFrom       string `json:"price_from,omitempty"`
	PriceTo         string `json:"price_to,omitempty"`
	Page            int    `json:"page,omitempty"`
	Currency        string `json:"currency,omitempty"`
}

// Offer is one bookable search result. Key addresses it in later calls.
type Offer struct {
	Key       string        `json:"key"`
	HotelName string        `json:"hotel_name"`
	CheckIn   string        `json:"check_in"`
	Nights    int           `json:"nights"`
	Meal      string        `json:"meal"`
	Room      string        `json:"room"`
	Price     tour.Price    `json:"price"`
	Flights   *tour.Flights `json:"flights,omitempty"`
}

// SearchResult is one page of offers.
type SearchResult struct {
	Offers []Offer `json:"offers"`
	Total  int     `json:"total"`
	Page   int     `json:"page"`
}

// BookingData is the operator's view of a bookable offer or existing booking.
type BookingData struct {
	Key         string          `json:"key"`
	OrderID     string          `json:"order_id,omitempty"`
	TourDetails *tour.Details   `json:"tour_details,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}

// Calculation is a priced quote for a customer payload.
type Calculation struct {
	Price tour.Price      `json:"price"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// CreatedBooking is the operator's acknowledgement of a new order.
type CreatedBooking struct {
	OrderID string          `json:"order_id"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// BookingStatus is an operator's current view of one booking. The operator
// may report its status in several places; NativeStatus picks one.
type BookingStatus struct {
	OrderStatusName     string          `json:"order_status_name,omitempty"`
	InfoOrderStatusName string          `json:"info_order_status_name,omitempty"`
	Status              string          `json:"status,omitempty"`
	OrderStatus         string          `json:"order_status,omitempty"`
	OrderID             string          `json:"order_id,omitempty"`
	Payment             json.RawMessage `json:"payment,omitempty"`
	Comments            json.RawMessage `json:"comments,omitempty"`
	IsChecked           *bool           `json:"is_checked,omitempty"`
	TourDetails         *tour.Details   `json:"tour_details,omitempty"`
}

// NativeStatus returns the raw status string in priority order: nested
// order_status.name, then info.order_status.name, then the top-level status
// fields. It is empty when the operator reported none.
func (s *BookingStatus) NativeStatus() string {
	if s == nil {
		return ""
	}
	for _, v := range []string{s.OrderStatusName, s.InfoOrderStatusName, s.Status, s.OrderStatus} {
		if v != "" {
			return v
		}
	}
	return ""
}

// DepartureCity is a reference-data entry.
type DepartureCity struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Country is a reference-data entry.
type Country struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// PackageTemplate is a reference-data entry.
type PackageTemplate struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	CountryID int    `json:"country_id"`
}

// Hotel is a reference-data entry.
type Hotel struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	CountryID int    `json:"country_id"`
	Stars     int    `json:"stars,omitempty"`
	Region    string `json:"region,omitempty"`
}

// Meal is a reference-data entry.
type Meal struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// CalendarParams select the departure-date hints to return.
type CalendarParams struct {
	DepartureCityID int    `json:"departure_city_id"`
	CountryID       int    `json:"country_id"`
	Month           string `json:"month"`
}

// CalendarHint marks a date with available departures.
type CalendarHint struct {
	Date      string      `json:"date"`
	Available bool        `json:"available"`
	MinPrice  *tour.Price `json:"min_price,omitempty"`
}
