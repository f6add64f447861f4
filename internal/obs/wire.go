package obs

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mbd888/tourbridge/internal/operator"
	"github.com/mbd888/tourbridge/internal/tour"
)

// flexID accepts an identifier sent either as a JSON number or a string.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

// namedStatus accepts {"name": "..."} or a bare string.
type namedStatus struct {
	Name string
}

func (n *namedStatus) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		return json.Unmarshal(b, &n.Name)
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	n.Name = obj.Name
	return nil
}

type statusWire struct {
	OrderStatus *json.RawMessage `json:"order_status"`
	Info        *struct {
		OrderStatus *namedStatus `json:"order_status"`
	} `json:"info"`
	Status      string          `json:"status"`
	OrderID     flexID          `json:"order_id"`
	Payment     json.RawMessage `json:"payment"`
	Comments    json.RawMessage `json:"comments"`
	IsChecked   *bool           `json:"is_checked"`
	TourDetails *tour.Details   `json:"tour_details"`
}

// toStatus normalizes the operator's status locations: an order_status
// object contributes the nested name, a bare order_status string the
// top-level fallback.
func (w *statusWire) toStatus() *operator.BookingStatus {
	s := &operator.BookingStatus{
		Status:      strings.TrimSpace(w.Status),
		OrderID:     w.OrderID.String(),
		Payment:     nullToNil(w.Payment),
		Comments:    nullToNil(w.Comments),
		IsChecked:   w.IsChecked,
		TourDetails: w.TourDetails,
	}
	if w.OrderStatus != nil {
		raw := bytes.TrimSpace(*w.OrderStatus)
		if len(raw) > 0 && raw[0] == '"' {
			_ = json.Unmarshal(raw, &s.OrderStatus)
		} else {
			var ns namedStatus
			if err := json.Unmarshal(raw, &ns); err == nil {
				s.OrderStatusName = ns.Name
			}
		}
	}
	if w.Info != nil && w.Info.OrderStatus != nil {
		s.InfoOrderStatusName = w.Info.OrderStatus.Name
	}
	return s
}

type bookingWire struct {
	OrderID     flexID        `json:"order_id"`
	TourDetails *tour.Details `json:"tour_details"`
	raw         json.RawMessage
}

func (w *bookingWire) UnmarshalJSON(b []byte) error {
	type plain bookingWire
	if err := json.Unmarshal(b, (*plain)(w)); err != nil {
		return err
	}
	w.raw = append(json.RawMessage(nil), b...)
	return nil
}

type calculationWire struct {
	Price    json.Number `json:"price"`
	Total    json.Number `json:"total"`
	Currency string      `json:"currency"`
	raw      json.RawMessage
}

func (w *calculationWire) UnmarshalJSON(b []byte) error {
	type plain calculationWire
	if err := json.Unmarshal(b, (*plain)(w)); err != nil {
		return err
	}
	w.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (w *calculationWire) price() tour.Price {
	amount := w.Total.String()
	if amount == "" {
		amount = w.Price.String()
	}
	return tour.Price{Amount: amount, Currency: w.Currency}
}

type createWire struct {
	OrderID flexID `json:"order_id"`
	ID      flexID `json:"id"`
	raw     json.RawMessage
}

func (w *createWire) UnmarshalJSON(b []byte) error {
	type plain createWire
	if err := json.Unmarshal(b, (*plain)(w)); err != nil {
		return err
	}
	w.raw = append(json.RawMessage(nil), b...)
	return nil
}

func (w *createWire) orderID() string {
	if w.OrderID != "" {
		return w.OrderID.String()
	}
	return w.ID.String()
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}
