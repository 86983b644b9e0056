package messaging

import (
	"strings"
	"testing"

	"github.com/boristopalov/quorum/pkg/config"
)

func TestBroker(t *testing.T) {
	cfg := config.Default().Prioritizer

	t.Run("test direct message", func(t *testing.T) {
		broker := NewBroker(nil)
		t.Cleanup(func() {
			broker.Reset()
		})
		p1 := NewPrioritizer("agent1", cfg)
		p2 := NewPrioritizer("agent2", cfg)

		if err := broker.Register(p1); err != nil {
			t.Fatalf("Failed to register agent1: %v", err)
		}
		if err := broker.Register(p2); err != nil {
			t.Fatalf("Failed to register agent2: %v", err)
		}

		id, err := broker.Route("agent1", "agent2", TypeQuery, "Hello agent2")
		if err != nil {
			t.Fatalf("Failed to route message: %v", err)
		}

		// agent2 should receive the message
		received, ok := p2.Dequeue()
		if !ok {
			t.Fatal("agent2 inbox is empty")
		}
		if received.ID != id || received.From != "agent1" || received.Content != "Hello agent2" {
			t.Errorf("Unexpected message received: %+v", received)
		}

		// agent1 should not receive the message
		if msg, ok := p1.Dequeue(); ok {
			t.Errorf("agent1 should not receive message but got: %+v", msg)
		}
	})

	t.Run("test broadcast message", func(t *testing.T) {
		broker := NewBroker(nil)
		t.Cleanup(func() {
			broker.Reset()
		})

		inboxes := map[string]*Prioritizer{
			"agent1": NewPrioritizer("agent1", cfg),
			"agent2": NewPrioritizer("agent2", cfg),
			"agent3": NewPrioritizer("agent3", cfg),
		}
		for id, p := range inboxes {
			if err := broker.Register(p); err != nil {
				t.Fatalf("Failed to register %s: %v", id, err)
			}
		}

		ids, err := broker.Broadcast("agent1", TypeNotification, "Hello everyone")
		if err != nil {
			t.Fatalf("Failed to broadcast message: %v", err)
		}
		if len(ids) != 2 {
			t.Fatalf("expected 2 deliveries, got %d", len(ids))
		}

		// agent2 and agent3 should receive the message, but not agent1 (sender)
		for id, p := range inboxes {
			msg, ok := p.Dequeue()
			if id == "agent1" {
				if ok {
					t.Errorf("Sender received their own broadcast: %+v", msg)
				}
				continue
			}
			if !ok {
				t.Errorf("No broadcast message for %s", id)
				continue
			}
			if msg.From != "agent1" || msg.Content != "Hello everyone" || msg.ID != ids[id] {
				t.Errorf("Unexpected message received by %s: %+v", id, msg)
			}
		}
	})

	t.Run("test registration management", func(t *testing.T) {
		broker := NewBroker(nil)
		t.Cleanup(func() {
			broker.Reset()
		})
		p := NewPrioritizer("agent1", cfg)

		if err := broker.Register(p); err != nil {
			t.Fatalf("Failed to register: %v", err)
		}

		// Test duplicate registration
		if err := broker.Register(p); err == nil {
			t.Error("Expected error for duplicate registration, got nil")
		}

		if got := broker.Agents(); len(got) != 1 || got[0] != "agent1" {
			t.Errorf("Agents() = %v", got)
		}

		if err := broker.Unregister("agent1"); err != nil {
			t.Fatalf("Failed to unregister: %v", err)
		}

		// Test unregister non-existent agent
		if err := broker.Unregister("agent1"); err == nil {
			t.Error("Expected error for unregistering non-existent agent, got nil")
		}
	})

	t.Run("test unknown target falls back to local id", func(t *testing.T) {
		broker := NewBroker(nil)
		t.Cleanup(func() {
			broker.Reset()
		})

		id, err := broker.Route("agent1", "ghost", TypeCommand, "anyone there?")
		if err != nil {
			t.Fatalf("Expected best-effort success, got %v", err)
		}
		if !strings.HasPrefix(id, "local-") {
			t.Errorf("Expected synthesized local id, got %q", id)
		}
	})
}
