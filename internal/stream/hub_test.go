package stream

import (
	"testing"
	"time"

	"github.com/paxlab/ussd-pilot/internal/domain"
)

func TestHubRegisterUnregister(t *testing.T) {
	h := NewHub(nil)

	c1 := newClient()
	c2 := newClient()
	h.register(c1)
	h.register(c2)
	if got := h.ClientCount(); got != 2 {
		t.Errorf("Expected 2 clients, got %d", got)
	}

	h.unregister(c1)
	if got := h.ClientCount(); got != 1 {
		t.Errorf("Expected 1 client after unregister, got %d", got)
	}
}

func TestHubBroadcast(t *testing.T) {
	h := NewHub(nil)
	c := newClient()
	h.register(c)

	h.OnTurn("h-1", "Enter your MPIN")

	select {
	case ev := <-c.ch:
		if ev.Type != "turn" || ev.Handle != "h-1" || ev.Text != "Enter your MPIN" {
			t.Errorf("Unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a turn event")
	}
}

func TestHubBroadcastOutcome(t *testing.T) {
	h := NewHub(nil)
	c := newClient()
	h.register(c)

	h.OnOutcome(domain.Outcome{Handle: "h-2", Kind: domain.OpSendMoney, Success: true})

	select {
	case ev := <-c.ch:
		if ev.Type != "outcome" || ev.Handle != "h-2" {
			t.Errorf("Unexpected event: %+v", ev)
		}
		if ev.Outcome == nil || !ev.Outcome.Success {
			t.Errorf("Expected outcome payload, got %+v", ev.Outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected an outcome event")
	}
}

func TestHubDropsWhenClientIsSlow(t *testing.T) {
	h := NewHub(nil)
	c := newClient()
	h.register(c)

	// Fill the buffer without draining; broadcasts must never block.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < clientBuffer+10; i++ {
			h.Broadcast(Event{Type: "turn", Text: "spam"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow client")
	}

	if got := len(c.ch); got != clientBuffer {
		t.Errorf("Expected buffer capped at %d, got %d", clientBuffer, got)
	}
}

func TestHubBroadcastWithNoClients(t *testing.T) {
	h := NewHub(nil)
	// Must not panic or block.
	h.Broadcast(Event{Type: "turn", Text: "hello balance"})
}
