// Package tour holds the package-tour snapshot shared by operator adapters
// and the booking store: hotel, flights, notes and price as last reported by
// an operator.
package tour

import "encoding/json"

// Details is an operator's canonical snapshot of a booked tour.
type Details struct {
	Hotel   *Hotel          `json:"hotel,omitempty"`
	Flights *Flights        `json:"flights,omitempty"`
	Notes   string          `json:"notes,omitempty"`
	Price   *Price          `json:"price,omitempty"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// Hotel describes the accommodation part of a tour.
type Hotel struct {
	Name     string `json:"name,omitempty"`
	CheckIn  string `json:"check_in,omitempty"`
	CheckOut string `json:"check_out,omitempty"`
	Room     string `json:"room,omitempty"`
	Meal     string `json:"meal,omitempty"`
}

// Flights holds the outbound ("there") and return ("back") legs.
type Flights struct {
	There *FlightLeg `json:"there,omitempty"`
	Back  *FlightLeg `json:"back,omitempty"`
}

// FlightLeg is one direction of travel.
type FlightLeg struct {
	DepartureDate string `json:"departure_date,omitempty"`
	DepartureTime string `json:"departure_time,omitempty"`
	ArrivalTime   string `json:"arrival_time,omitempty"`
	FlightNumber  string `json:"flight_number,omitempty"`
	Airline       string `json:"airline,omitempty"`
}

// Price is the operator-quoted total.
type Price struct {
	Amount   string `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Clone returns a deep copy of d. A nil receiver yields nil.
func (d *Details) Clone() *Details {
	if d == nil {
		return nil
	}
	cp := *d
	if d.Hotel != nil {
		h := *d.Hotel
		cp.Hotel = &h
	}
	if d.Flights != nil {
		f := Flights{}
		if d.Flights.There != nil {
			there := *d.Flights.There
			f.There = &there
		}
		if d.Flights.Back != nil {
			back := *d.Flights.Back
			f.Back = &back
		}
		cp.Flights = &f
	}
	if d.Price != nil {
		p := *d.Price
		cp.Price = &p
	}
	if d.Extra != nil {
		cp.Extra = append(json.RawMessage(nil), d.Extra...)
	}
	return &cp
}

// Leg returns the flight leg for direction "there" or "back", or nil.
func (d *Details) Leg(back bool) *FlightLeg {
	if d == nil || d.Flights == nil {
		return nil
	}
	if back {
		return d.Flights.Back
	}
	return d.Flights.There
}

// HotelInfo returns the hotel block or nil.
func (d *Details) HotelInfo() *Hotel {
	if d == nil {
		return nil
	}
	return d.Hotel
}
