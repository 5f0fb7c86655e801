// Package stream delivers live engine events to WebSocket clients.
package stream

import (
	"log/slog"
	"sync"

	"github.com/paxlab/ussd-pilot/internal/domain"
)

// Event is one message pushed to stream clients.
type Event struct {
	Type    string          `json:"type"` // "turn" or "outcome"
	Handle  string          `json:"handle,omitempty"`
	Text    string          `json:"text,omitempty"`
	Outcome *domain.Outcome `json:"outcome,omitempty"`
}

// client is one connected stream consumer. Events are buffered; a slow
// client drops events rather than blocking the engine.
type client struct {
	ch chan Event
}

const clientBuffer = 32

func newClient() *client {
	return &client{ch: make(chan Event, clientBuffer)}
}

// Hub fans engine events out to connected clients. It implements the
// engine's Listener interface.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.logger.Info("[STREAM] Client registered", "clients", len(h.clients))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	h.logger.Info("[STREAM] Client unregistered", "clients", len(h.clients))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast pushes an event to every client without blocking.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.ch <- ev:
		default:
			h.logger.Warn("[STREAM] Client buffer full, event dropped", "type", ev.Type)
		}
	}
}

// OnTurn implements the engine listener: live turn text for progress
// display.
func (h *Hub) OnTurn(handle, text string) {
	h.Broadcast(Event{Type: "turn", Handle: handle, Text: text})
}

// OnOutcome implements the engine listener.
func (h *Hub) OnOutcome(out domain.Outcome) {
	h.Broadcast(Event{Type: "outcome", Handle: out.Handle, Outcome: &out})
}
