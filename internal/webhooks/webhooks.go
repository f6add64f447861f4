// Package webhooks signs, verifies and delivers JSON event payloads.
//
// Outbound deliveries carry an HMAC-SHA256 signature of the body in
// X-Tourbridge-Signature. Operators pushing booking snapshots sign the same
// way with their own shared secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/tourbridge/internal/idgen"
	"github.com/mbd888/tourbridge/internal/retry"
)

const (
	HeaderSignature = "X-Tourbridge-Signature"
	HeaderEvent     = "X-Tourbridge-Event"
	HeaderTimestamp = "X-Tourbridge-Timestamp"
)

// ErrBadSignature is returned by Verify when the signature does not match.
var ErrBadSignature = errors.New("webhooks: signature mismatch")

var (
	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tourbridge",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Outbound webhook deliveries by event type and result.",
	}, []string{"event_type", "result"})
)

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Event is one outbound notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType string, data map[string]any) *Event {
	return &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks signature against payload in constant time.
func Verify(payload []byte, secret, signature string) error {
	expected := Sign(payload, secret)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Sender posts signed events to one URL.
type Sender struct {
	url      string
	secret   string
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// NewSender creates a Sender. An empty secret sends unsigned payloads.
func NewSender(url, secret string) *Sender {
	return &Sender{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

// Send delivers event, retrying network errors and 5xx responses.
func (s *Sender) Send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = retry.Do(ctx, s.attempts, s.backoff, func() error {
		return s.post(ctx, event, payload)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	deliveriesTotal.WithLabelValues(event.Type, result).Inc()
	return err
}

func (s *Sender) post(ctx context.Context, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", event.Timestamp.Unix()))
	if s.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, s.secret))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook returned HTTP %d", resp.StatusCode))
	}
}
