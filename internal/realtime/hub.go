// Package realtime streams operations events (circuit transitions, booking
// status changes, change-log entries, sweep summaries) to WebSocket clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tourbridge/internal/booking"
	"github.com/mbd888/tourbridge/internal/metrics"
	"github.com/mbd888/tourbridge/internal/reconciliation"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const (
	EventCircuitState  EventType = "circuit_state"
	EventBookingStatus EventType = "booking_status"
	EventBookingChange EventType = "booking_change"
	EventSweep         EventType = "sweep"
)

// Event represents a real-time event. Operator and BookingID are copied out
// of Data so subscriptions can filter without inspecting the payload.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Operator  string    `json:"operator,omitempty"`
	BookingID string    `json:"bookingId,omitempty"`
	Data      any       `json:"data"`
}

// CircuitData is the payload of EventCircuitState.
type CircuitData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StatusData is the payload of EventBookingStatus.
type StatusData struct {
	From         booking.Status `json:"from"`
	To           booking.Status `json:"to"`
	NativeStatus string         `json:"nativeStatus,omitempty"`
}

// SweepData is the payload of EventSweep.
type SweepData struct {
	Selected   int            `json:"selected"`
	Actions    map[string]int `json:"actions"`
	Changes    int            `json:"changes"`
	Failures   int            `json:"failures"`
	DurationMs int64          `json:"durationMs"`
}

// Subscription filters for a client. Empty lists match everything.
type Subscription struct {
	AllEvents  bool        `json:"allEvents"`
	EventTypes []EventType `json:"eventTypes"`
	Operators  []string    `json:"operators"`
	BookingIDs []string    `json:"bookingIds"`
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 500

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("ops client connected", "total", n)

		case client := <-h.unregister:
			h.drop(client)

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

// fanOut delivers event to every matching client. Clients whose buffer is
// full are disconnected.
func (h *Hub) fanOut(event *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("marshal realtime event", "type", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !h.shouldSend(client, event) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("ops client disconnected", "total", n)
}

// shouldSend checks if event matches client's subscription
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 && !slices.Contains(sub.EventTypes, event.Type) {
		return false
	}
	// Events without an operator (none today) are not filtered out by it.
	if len(sub.Operators) > 0 && event.Operator != "" && !slices.Contains(sub.Operators, event.Operator) {
		return false
	}
	if len(sub.BookingIDs) > 0 && !slices.Contains(sub.BookingIDs, event.BookingID) {
		return false
	}
	return true
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// PublishCircuit announces a breaker transition.
func (h *Hub) PublishCircuit(operator, from, to string) {
	h.Broadcast(&Event{
		Type:      EventCircuitState,
		Timestamp: time.Now(),
		Operator:  operator,
		Data:      CircuitData{From: from, To: to},
	})
}

// PublishStatus announces a booking status change.
func (h *Hub) PublishStatus(b *booking.Booking, from booking.Status) {
	h.Broadcast(&Event{
		Type:      EventBookingStatus,
		Timestamp: time.Now(),
		Operator:  b.OperatorType,
		BookingID: b.ID,
		Data:      StatusData{From: from, To: b.Status, NativeStatus: b.OperatorNativeStatus},
	})
}

// PublishChange announces one new change-log entry.
func (h *Hub) PublishChange(b *booking.Booking, c booking.Change) {
	h.Broadcast(&Event{
		Type:      EventBookingChange,
		Timestamp: c.DetectedAt,
		Operator:  b.OperatorType,
		BookingID: b.ID,
		Data:      c,
	})
}

// PublishSweep announces the summary of a finished reconciliation sweep.
func (h *Hub) PublishSweep(res *reconciliation.BatchResult) {
	if res == nil {
		return
	}
	actions := make(map[string]int, len(res.Actions))
	for a, n := range res.Actions {
		actions[string(a)] = n
	}
	h.Broadcast(&Event{
		Type:      EventSweep,
		Timestamp: time.Now(),
		Data: SweepData{
			Selected:   res.Selected,
			Actions:    actions,
			Changes:    res.Changes,
			Failures:   len(res.Failures),
			DurationMs: res.Duration.Milliseconds(),
		},
	})
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscriptions, pings)
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// ServeHTTP lets the hub be mounted directly as an http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}
