package reconciliation

import (
	"strings"

	"github.com/mbd888/tourbridge/internal/booking"
)

// statusTable maps normalized operator status names to canonical statuses.
// Anything not listed maps to pending.
var statusTable = map[string]booking.Status{
	"new":                   booking.StatusPending,
	"pending":               booking.StatusPending,
	"hold":                  booking.StatusPending,
	"wait":                  booking.StatusPending,
	"awaiting_confirmation": booking.StatusPending,

	"processing":  booking.StatusProcessing,
	"in_progress": booking.StatusProcessing,
	"in_work":     booking.StatusProcessing,

	"confirmed": booking.StatusConfirmed,
	"approved":  booking.StatusConfirmed,
	"paid":      booking.StatusConfirmed,

	"changed":  booking.StatusChanged,
	"modified": booking.StatusChanged,

	"cancelled": booking.StatusCancelled,
	"canceled":  booking.StatusCancelled,
	"annulled":  booking.StatusCancelled,
	"rejected":  booking.StatusCancelled,

	"failed": booking.StatusFailed,
	"error":  booking.StatusFailed,
}

// extendableStatuses are operator states in which a hold may be prolonged.
var extendableStatuses = map[string]bool{
	"pending": true,
	"hold":    true,
}

func normalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// MapStatus maps an operator's raw status name to a canonical status. ok is
// false when the name is not in the table, in which case the result is
// pending: an unrecognized state is never promoted to confirmed or
// cancelled.
func MapStatus(raw string) (status booking.Status, ok bool) {
	if s, found := statusTable[normalizeStatus(raw)]; found {
		return s, true
	}
	return booking.StatusPending, false
}

// Extendable reports whether the operator's raw status allows extending a
// hold.
func Extendable(raw string) bool {
	return extendableStatuses[normalizeStatus(raw)]
}
