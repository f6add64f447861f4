package reconciliation

import (
	"reflect"

	"github.com/mbd888/tourbridge/internal/booking"
	"github.com/mbd888/tourbridge/internal/tour"
)

// Change-log field names.
const (
	FieldDepartureDate = "departure_date"
	FieldDepartureTime = "departure_time"
	FieldArrivalTime   = "arrival_time"
	FieldFlightNumber  = "flight_number"
	FieldAirline       = "airline"
	FieldHotelName     = "hotel_name"
	FieldCheckIn       = "check_in"
	FieldCheckOut      = "check_out"
)

// DiffTour compares the operator's tour snapshot against the stored one and
// returns one change per differing field. A block is only compared when both
// sides have it, so the first snapshot of a leg or hotel produces nothing.
func DiffTour(local, remote *tour.Details, source booking.Source) []booking.Change {
	var out []booking.Change

	legs := []struct {
		back bool
		dir  booking.Direction
	}{
		{false, booking.DirectionDeparture},
		{true, booking.DirectionReturn},
	}
	for _, l := range legs {
		before, after := local.Leg(l.back), remote.Leg(l.back)
		if before == nil || after == nil {
			continue
		}
		for _, f := range []struct {
			name          string
			before, after string
		}{
			{FieldDepartureDate, before.DepartureDate, after.DepartureDate},
			{FieldDepartureTime, before.DepartureTime, after.DepartureTime},
			{FieldArrivalTime, before.ArrivalTime, after.ArrivalTime},
			{FieldFlightNumber, before.FlightNumber, after.FlightNumber},
			{FieldAirline, before.Airline, after.Airline},
		} {
			if f.before != f.after {
				out = append(out, booking.Change{
					Category:  booking.CategoryFlight,
					Direction: l.dir,
					Field:     f.name,
					Before:    f.before,
					After:     f.after,
					Source:    source,
				})
			}
		}
	}

	if before, after := local.HotelInfo(), remote.HotelInfo(); before != nil && after != nil {
		for _, f := range []struct {
			name          string
			before, after string
		}{
			{FieldHotelName, before.Name, after.Name},
			{FieldCheckIn, before.CheckIn, after.CheckIn},
			{FieldCheckOut, before.CheckOut, after.CheckOut},
		} {
			if f.before != f.after {
				out = append(out, booking.Change{
					Category: booking.CategoryHotel,
					Field:    f.name,
					Before:   f.before,
					After:    f.after,
					Source:   source,
				})
			}
		}
	}
	return out
}

// MergeTour overlays the blocks present in remote onto a copy of local.
// Blocks the operator did not report are kept.
func MergeTour(local, remote *tour.Details) *tour.Details {
	if remote == nil {
		return local.Clone()
	}
	if local == nil {
		return remote.Clone()
	}
	out := local.Clone()
	r := remote.Clone()
	if r.Hotel != nil {
		out.Hotel = r.Hotel
	}
	if r.Flights != nil {
		if out.Flights == nil {
			out.Flights = &tour.Flights{}
		}
		if r.Flights.There != nil {
			out.Flights.There = r.Flights.There
		}
		if r.Flights.Back != nil {
			out.Flights.Back = r.Flights.Back
		}
	}
	if r.Notes != "" {
		out.Notes = r.Notes
	}
	if r.Price != nil {
		out.Price = r.Price
	}
	if r.Extra != nil {
		out.Extra = r.Extra
	}
	return out
}

func tourEqual(a, b *tour.Details) bool {
	return reflect.DeepEqual(a, b)
}
