package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/tomascrow/peervault/internal/notify"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_NotificationOnlyToRecipient(t *testing.T) {
	h := testHub()
	alice := &Client{userID: "alice", sub: Subscription{PublicEvents: true}}
	bob := &Client{userID: "bob", sub: Subscription{PublicEvents: true}}

	event := &Event{Type: EventNotification, UserID: "alice", Timestamp: time.Now()}
	if !h.shouldSend(alice, event) {
		t.Error("recipient should receive their notification")
	}
	if h.shouldSend(bob, event) {
		t.Error("other users should NOT receive someone else's notification")
	}
}

func TestShouldSend_NotificationIgnoresFilters(t *testing.T) {
	h := testHub()

	// Even a client that opted out of everything public still gets
	// their own notifications.
	client := &Client{userID: "alice", sub: Subscription{}}

	event := &Event{Type: EventNotification, UserID: "alice"}
	if !h.shouldSend(client, event) {
		t.Error("own notifications must bypass subscription filters")
	}
}

func TestShouldSend_PublicEventsOptIn(t *testing.T) {
	h := testHub()

	subscribed := &Client{userID: "alice", sub: Subscription{PublicEvents: true}}
	optedOut := &Client{userID: "bob", sub: Subscription{}}

	event := &Event{Type: EventOrderPlaced}
	if !h.shouldSend(subscribed, event) {
		t.Error("subscribed client should receive public events")
	}
	if h.shouldSend(optedOut, event) {
		t.Error("opted-out client should NOT receive public events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{userID: "alice", sub: Subscription{
		PublicEvents: true,
		EventTypes:   []EventType{EventOrderClosed},
	}}

	if h.shouldSend(client, &Event{Type: EventOrderPlaced}) {
		t.Error("should NOT receive order_placed events")
	}
	if !h.shouldSend(client, &Event{Type: EventOrderClosed}) {
		t.Error("should receive order_closed events")
	}
}

func TestShouldSend_TokenFilter(t *testing.T) {
	h := testHub()

	client := &Client{userID: "alice", sub: Subscription{
		PublicEvents: true,
		Tokens:       []string{"WBTC"},
	}}

	matching := &Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{"token": "WBTC", "amount": "1.0"},
	}
	other := &Event{
		Type: EventOrderPlaced,
		Data: map[string]interface{}{"token": "WETH", "amount": "1.0"},
	}

	if !h.shouldSend(client, matching) {
		t.Error("should match on token")
	}
	if h.shouldSend(client, other) {
		t.Error("should NOT match other tokens")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{userID: "alice", sub: Subscription{
		PublicEvents: true,
		Tokens:       []string{"WBTC"},
	}}

	// Token filter skips non-map data (cannot extract the token), so
	// the event passes through instead of crashing.
	event := &Event{Type: EventOrderClosed, Data: "string data not a map"}
	if !h.shouldSend(client, event) {
		t.Error("non-map data should pass through the token filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventOrderPlaced, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:    h,
		userID: "alice",
		send:   make(chan []byte, 256),
		sub:    Subscription{PublicEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_NotifyReachesOnlyRecipient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	alice := &Client{hub: h, userID: "alice", send: make(chan []byte, 256)}
	bob := &Client{hub: h, userID: "bob", send: make(chan []byte, 256)}
	h.register <- alice
	h.register <- bob
	time.Sleep(50 * time.Millisecond)

	h.Notify(ctx, "alice", notify.Notification{
		Event:   "payment_made",
		TradeID: "trd_1",
		Message: "buyer marked payment sent",
	})

	select {
	case msg := <-alice.send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != EventNotification {
			t.Errorf("event type = %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Error("recipient never received notification")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-bob.send:
		t.Error("notification leaked to another user")
	default:
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants order closes.
	client := &Client{
		hub:    h,
		userID: "alice",
		send:   make(chan []byte, 256),
		sub:    Subscription{PublicEvents: true, EventTypes: []EventType{EventOrderClosed}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: EventOrderPlaced, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive order_placed event")
	default:
	}

	h.Broadcast(&Event{Type: EventOrderClosed, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive order_closed event")
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
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
