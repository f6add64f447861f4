package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tourbridge/internal/booking"
	"github.com/mbd888/tourbridge/internal/reconciliation"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func addClient(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	client := &Client{hub: h, send: make(chan []byte, 16), sub: sub}
	h.register <- client
	return client
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestShouldSend(t *testing.T) {
	h := testHub()
	status := &Event{Type: EventBookingStatus, Operator: "obs", BookingID: "bkg_1"}
	circuit := &Event{Type: EventCircuitState, Operator: "backup"}
	sweep := &Event{Type: EventSweep}

	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"all events", Subscription{AllEvents: true}, circuit, true},
		{"empty subscription", Subscription{}, sweep, true},
		{"type match", Subscription{EventTypes: []EventType{EventBookingStatus}}, status, true},
		{"type mismatch", Subscription{EventTypes: []EventType{EventBookingStatus}}, circuit, false},
		{"operator match", Subscription{Operators: []string{"obs"}}, status, true},
		{"operator mismatch", Subscription{Operators: []string{"obs"}}, circuit, false},
		{"operator filter ignores operatorless events", Subscription{Operators: []string{"obs"}}, sweep, true},
		{"booking match", Subscription{BookingIDs: []string{"bkg_1"}}, status, true},
		{"booking filter drops other events", Subscription{BookingIDs: []string{"bkg_1"}}, circuit, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &Client{sub: tt.sub}
			if got := h.shouldSend(client, tt.event); got != tt.want {
				t.Errorf("shouldSend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	client := addClient(t, h, Subscription{AllEvents: true})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats.ConnectedClients != 1 || stats.PeakClients != 1 {
		t.Errorf("stats after register = %+v", stats)
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %d", stats.ConnectedClients)
	}
	if stats.PeakClients != 1 {
		t.Errorf("Expected peak still 1, got %d", stats.PeakClients)
	}
}

func TestHub_PublishStatusAndChange(t *testing.T) {
	h := runHub(t)
	client := addClient(t, h, Subscription{BookingIDs: []string{"bkg_1"}})
	other := addClient(t, h, Subscription{BookingIDs: []string{"bkg_2"}})

	b := &booking.Booking{ID: "bkg_1", OperatorType: "obs", Status: booking.StatusConfirmed, OperatorNativeStatus: "confirmed"}
	h.PublishStatus(b, booking.StatusPending)
	h.PublishChange(b, booking.Change{ID: "c1", Category: booking.CategoryFlight, Field: "flight_number", Before: "PS101", After: "PS103", DetectedAt: time.Now()})

	ev := receive(t, client)
	if ev.Type != EventBookingStatus || ev.BookingID != "bkg_1" || ev.Operator != "obs" {
		t.Fatalf("status event = %+v", ev)
	}
	data := ev.Data.(map[string]any)
	if data["from"] != "pending" || data["to"] != "confirmed" {
		t.Errorf("status data = %v", data)
	}

	ev = receive(t, client)
	if ev.Type != EventBookingChange {
		t.Fatalf("expected change event, got %s", ev.Type)
	}
	if ev.Data.(map[string]any)["after"] != "PS103" {
		t.Errorf("change data = %v", ev.Data)
	}

	select {
	case <-other.send:
		t.Error("client subscribed to another booking should not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_PublishCircuitAndSweep(t *testing.T) {
	h := runHub(t)
	client := addClient(t, h, Subscription{EventTypes: []EventType{EventCircuitState, EventSweep}})

	h.PublishCircuit("obs", "closed", "open")
	h.PublishSweep(&reconciliation.BatchResult{
		Selected: 3,
		Actions:  map[reconciliation.Action]int{reconciliation.ActionSynced: 2},
		Failures: []reconciliation.Failure{{BookingID: "bkg_9"}},
		Duration: 1500 * time.Millisecond,
	})
	h.PublishSweep(nil)

	ev := receive(t, client)
	if ev.Type != EventCircuitState || ev.Operator != "obs" {
		t.Fatalf("circuit event = %+v", ev)
	}
	if ev.Data.(map[string]any)["to"] != "open" {
		t.Errorf("circuit data = %v", ev.Data)
	}

	ev = receive(t, client)
	if ev.Type != EventSweep {
		t.Fatalf("expected sweep event, got %s", ev.Type)
	}
	data := ev.Data.(map[string]any)
	if data["selected"] != float64(3) || data["failures"] != float64(1) || data["durationMs"] != float64(1500) {
		t.Errorf("sweep data = %v", data)
	}
	if data["actions"].(map[string]any)["synced"] != float64(2) {
		t.Errorf("sweep actions = %v", data["actions"])
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := runHub(t)
	slow := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}}
	h.register <- slow

	h.PublishCircuit("obs", "closed", "open")
	time.Sleep(50 * time.Millisecond)

	if n := h.Stats().ConnectedClients; n != 0 {
		t.Errorf("expected slow client to be dropped, %d connected", n)
	}
	if _, ok := <-slow.send; ok {
		t.Error("slow client's channel should be closed")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/ws", nil))
	if w.Code != 503 {
		t.Errorf("upgrade after shutdown = %d, want 503", w.Code)
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(Subscription{Operators: []string{"obs"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.PublishCircuit("backup", "closed", "open")
	h.PublishCircuit("obs", "open", "half-open")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Operator != "obs" {
		t.Errorf("received event for %q, want obs only", ev.Operator)
	}
}
