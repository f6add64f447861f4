package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tourbridge/internal/app"
	"github.com/mbd888/tourbridge/internal/booking"
	"github.com/mbd888/tourbridge/internal/circuitbreaker"
	"github.com/mbd888/tourbridge/internal/health"
	"github.com/mbd888/tourbridge/internal/logging"
	"github.com/mbd888/tourbridge/internal/operator"
	"github.com/mbd888/tourbridge/internal/reconciliation"
	"github.com/mbd888/tourbridge/internal/scheduler"
	"github.com/mbd888/tourbridge/internal/validation"
	"github.com/mbd888/tourbridge/internal/webhooks"
)

// HealthResponse is returned by /health and /health/ready.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.app.Health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

type handlers struct {
	app *app.App
}

// operatorView is one registry entry as shown to ops.
type operatorView struct {
	operator.Descriptor
	Primary bool   `json:"primary"`
	Circuit string `json:"circuitState"`
}

func (h *handlers) listOperators(c *gin.Context) {
	primary := h.app.Operators.Primary()
	breakers := h.app.Manager.Breakers()

	all := h.app.Operators.All()
	out := make([]operatorView, 0, len(all))
	for _, d := range all {
		out = append(out, operatorView{
			Descriptor: d,
			Primary:    d.Type == primary,
			Circuit:    breakers.State(d.Type).String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"primary": primary, "operators": out})
}

func (h *handlers) operatorHealth(c *gin.Context) {
	results := h.app.Manager.Health(c.Request.Context())
	up := 0
	for _, r := range results {
		if r.Healthy {
			up++
		}
	}
	code := http.StatusOK
	if up == 0 {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"healthy": up, "total": len(results), "operators": results})
}

func (h *handlers) listCircuits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"circuits": h.app.Manager.Breakers().Snapshots()})
}

func (h *handlers) getBooking(c *gin.Context) {
	b, err := h.app.Store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, booking.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "booking not found"})
		return
	}
	if err != nil {
		internalError(c, "load booking", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// reconcileBooking syncs one booking now, or queues it with ?async=true.
func (h *handlers) reconcileBooking(c *gin.Context) {
	id := c.Param("id")
	ctx := logging.WithBookingID(c.Request.Context(), id)

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		queued, err := h.app.Pool.Submit(id)
		if errors.Is(err, scheduler.ErrQueueFull) {
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_full", "message": "sync queue is full, retry later"})
			return
		}
		if err != nil {
			internalError(c, "queue booking sync", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"bookingId": id, "queued": queued})
		return
	}

	out, err := h.app.Reconciler.ReconcileOne(ctx, id)
	switch {
	case errors.Is(err, booking.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "booking not found"})
	case err != nil:
		operatorError(c, err)
	default:
		c.JSON(http.StatusOK, out)
	}
}

// sweepRequest overrides the configured sweep selection for one run.
type sweepRequest struct {
	Staleness string `json:"staleness"`
	MaxPerRun int    `json:"maxPerRun"`
}

// reconcileAll runs a sweep. With ?async=true it is started in the
// background and 202 is returned at once.
func (h *handlers) reconcileAll(c *gin.Context) {
	var req sweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
	}
	if errs := validation.Validate(validation.Duration("staleness", req.Staleness)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	opts := h.app.BatchOptions()
	if req.Staleness != "" {
		opts.Staleness, _ = time.ParseDuration(req.Staleness)
	}
	if req.MaxPerRun > 0 {
		opts.MaxPerRun = req.MaxPerRun
	}

	if async, _ := strconv.ParseBool(c.Query("async")); async {
		ctx := context.WithoutCancel(c.Request.Context())
		go func() {
			if _, err := h.app.Sweeper.ReconcileBatch(ctx, opts); err != nil && !errors.Is(err, reconciliation.ErrBusy) {
				logging.L(ctx).Warn("requested sweep failed", "error", err)
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"started": true})
		return
	}

	res, err := h.app.Sweeper.ReconcileBatch(c.Request.Context(), opts)
	switch {
	case errors.Is(err, reconciliation.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "sweep_in_progress", "message": "a sweep is already running"})
	case err != nil && res == nil:
		internalError(c, "sweep", err)
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"result": res, "interrupted": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"result": res})
	}
}

// operatorWebhook accepts a booking snapshot pushed by an operator. The body
// must be signed with the operator's webhook secret.
func (h *handlers) operatorWebhook(c *gin.Context) {
	typ := c.Param("type")
	d, ok := h.app.Operators.Get(typ)
	if !ok || d.WebhookSecret == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no webhook configured for operator"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body_too_large", "message": "request body too large"})
		return
	}
	if err := webhooks.Verify(body, d.WebhookSecret, c.GetHeader(webhooks.HeaderSignature)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad_signature", "message": "signature mismatch"})
		return
	}

	adapter, err := h.app.Manager.Adapter(typ)
	if err != nil {
		internalError(c, "build adapter", err)
		return
	}
	decoder, ok := adapter.(operator.SnapshotDecoder)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "unsupported", "message": "operator does not push snapshots"})
		return
	}
	key, snap, err := decoder.DecodeSnapshot(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_snapshot", "message": err.Error()})
		return
	}

	out, err := h.app.Reconciler.ApplySnapshot(c.Request.Context(), typ, key, snap, booking.SourceWebhook)
	switch {
	case errors.Is(err, reconciliation.ErrBusy):
		c.Header("Retry-After", "10")
		c.JSON(http.StatusConflict, gin.H{"error": "booking_busy", "message": "booking is being reconciled, retry later"})
	case errors.Is(err, booking.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no booking with that operator key"})
	case err != nil:
		internalError(c, "apply snapshot", err)
	default:
		c.JSON(http.StatusOK, out)
	}
}

func (h *handlers) realtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.app.Hub.Stats())
}

func internalError(c *gin.Context, what string, err error) {
	logging.L(c.Request.Context()).Error(what+" failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "An unexpected error occurred"})
}

// operatorError maps an operator-side failure of a sync to 502, or to 503
// when an open circuit or an exhausted fallback refused the call.
func operatorError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Warn("booking sync failed", "error", err)
	code := http.StatusBadGateway
	var all *operator.AllOperatorsFailedError
	if errors.As(err, &all) || errors.Is(err, circuitbreaker.ErrOpen) {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"error": "operator_error", "message": err.Error()})
}
