package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourbridge",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total batch reconciliation runs by result.",
	}, []string{"result"})

	reconcileBookings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourbridge",
		Subsystem: "reconciliation",
		Name:      "bookings_total",
		Help:      "Bookings reconciled by action taken.",
	}, []string{"action"})

	reconcileChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourbridge",
		Subsystem: "reconciliation",
		Name:      "change_entries_total",
		Help:      "Change-log entries appended by category and source.",
	}, []string{"category", "source"})

	reconcileUnknownStatus = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tourbridge",
		Subsystem: "reconciliation",
		Name:      "unknown_status_total",
		Help:      "Operator statuses not found in the status table.",
	})

	reconcileSelected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tourbridge",
		Subsystem: "reconciliation",
		Name:      "last_run_selected",
		Help:      "Bookings selected by the last batch run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tourbridge",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of batch reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
)

func init() {
	prometheus.MustRegister(
		reconcileRuns,
		reconcileBookings,
		reconcileChanges,
		reconcileUnknownStatus,
		reconcileSelected,
		reconcileDuration,
	)
}
