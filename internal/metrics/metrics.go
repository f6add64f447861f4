// Package metrics provides Prometheus instrumentation for tourbridge.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbd888/tourbridge/internal/alerts"
	"github.com/mbd888/tourbridge/internal/circuitbreaker"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tourbridge",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tourbridge",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// OperatorOperationsTotal counts operator attempts by operator, operation and result.
	OperatorOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tourbridge",
			Subsystem: "operator",
			Name:      "operations_total",
			Help:      "Operator attempts (including retries) by operator, operation and result.",
		},
		[]string{"operator", "operation", "result"},
	)

	// OperatorOperationDuration observes operator attempt latency.
	OperatorOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tourbridge",
			Subsystem: "operator",
			Name:      "operation_duration_seconds",
			Help:      "Operator attempt duration in seconds, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"operator", "operation"},
	)

	// CircuitState reports each operator's breaker: 0 closed, 1 half-open, 2 open.
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tourbridge",
			Subsystem: "operator",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per operator (0 closed, 1 half-open, 2 open).",
		},
		[]string{"operator"},
	)

	// AlertsTotal counts raised alerts by level.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tourbridge",
			Name:      "alerts_total",
			Help:      "Alerts raised by level.",
		},
		[]string{"level"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tourbridge",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tourbridge", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tourbridge", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tourbridge", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tourbridge", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tourbridge", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tourbridge", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		OperatorOperationsTotal,
		OperatorOperationDuration,
		CircuitState,
		AlertsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// OperatorTracker records operator attempts into Prometheus.
type OperatorTracker struct{}

// TrackOperation implements alerts.Tracker.
func (OperatorTracker) TrackOperation(operator, operation string, duration time.Duration, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	OperatorOperationsTotal.WithLabelValues(operator, operation, result).Inc()
	OperatorOperationDuration.WithLabelValues(operator, operation).Observe(duration.Seconds())
}

// CountAlert implements alerts.Alerter by counting alerts by level.
type CountAlert struct{}

// Alert increments AlertsTotal.
func (CountAlert) Alert(_ context.Context, level alerts.Level, _ string, _ map[string]any) {
	AlertsTotal.WithLabelValues(string(level)).Inc()
}

// SetCircuitState records a breaker transition for operator.
func SetCircuitState(operator string, state circuitbreaker.State) {
	var v float64
	switch state {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	CircuitState.WithLabelValues(operator).Set(v)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into Prometheus gauges. db may be nil when running on the memory
// store. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sample(db)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sample(db *sql.DB) {
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
	if db == nil {
		return
	}
	stats := db.Stats()
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBIdleConnections.Set(float64(stats.Idle))
	DBInUseConnections.Set(float64(stats.InUse))
	DBWaitCount.Set(float64(stats.WaitCount))
	DBWaitDuration.Set(stats.WaitDuration.Seconds())
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
