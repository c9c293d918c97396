package delivery

import (
	"testing"
)

func TestHub_RegisterAndBind(t *testing.T) {
	hub := NewHub()
	client := &Client{
		ID:            "client-1",
		Subscriptions: []string{"sub-a"},
		Send:          make(chan []byte, 8),
	}

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.BoundCount("sub-a") != 1 {
		t.Fatalf("expected 1 client bound to sub-a, got %d", hub.BoundCount("sub-a"))
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bind-subscription", Subscriptions: []string{"sub-b"}})
	if hub.BoundCount("sub-b") != 1 {
		t.Fatalf("expected 1 client bound to sub-b, got %d", hub.BoundCount("sub-b"))
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unbind-subscription", Subscriptions: []string{"sub-a"}})
	if hub.BoundCount("sub-a") != 0 {
		t.Fatalf("expected 0 clients bound to sub-a, got %d", hub.BoundCount("sub-a"))
	}
	if len(client.Subscriptions) != 1 || client.Subscriptions[0] != "sub-b" {
		t.Errorf("client subscriptions = %v, want [sub-b]", client.Subscriptions)
	}
}

func TestHub_Unregister(t *testing.T) {
	hub := NewHub()
	client := &Client{
		ID:            "client-2",
		Subscriptions: []string{"sub-a"},
		Send:          make(chan []byte, 8),
	}

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.BoundCount("sub-a") != 0 {
		t.Fatalf("expected 0 clients bound, got %d", hub.BoundCount("sub-a"))
	}
	if _, open := <-client.Send; open {
		t.Error("send channel still open after unregister")
	}

	// A second unregister is a no-op, not a double close.
	hub.Unregister(client)
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	bound := &Client{ID: "bound", Subscriptions: []string{"sub-a"}, Send: make(chan []byte, 8)}
	other := &Client{ID: "other", Subscriptions: []string{"sub-b"}, Send: make(chan []byte, 8)}
	hub.Register(bound)
	hub.Register(other)

	if sent := hub.Broadcast("sub-a", []byte(`{"ping":1}`)); sent != 1 {
		t.Fatalf("Broadcast reached %d clients, want 1", sent)
	}

	select {
	case msg := <-bound.Send:
		if string(msg) != `{"ping":1}` {
			t.Errorf("bound client got %q", msg)
		}
	default:
		t.Fatal("bound client received nothing")
	}
	select {
	case msg := <-other.Send:
		t.Fatalf("unbound client got %q", msg)
	default:
	}
}

func TestHub_BroadcastSkipsFullBuffers(t *testing.T) {
	hub := NewHub()
	full := &Client{ID: "full", Subscriptions: []string{"sub-a"}, Send: make(chan []byte, 1)}
	hub.Register(full)

	hub.Broadcast("sub-a", []byte("one"))
	if sent := hub.Broadcast("sub-a", []byte("two")); sent != 0 {
		t.Fatalf("Broadcast reached %d clients with a full buffer, want 0", sent)
	}
	if msg := <-full.Send; string(msg) != "one" {
		t.Errorf("buffered message = %q, want the first broadcast", msg)
	}
}
