package sse

import (
	"encoding/json"
	"sync"
	"time"

	"lecture-attendance-go/internal/presence"

	log "github.com/sirupsen/logrus"
)

// Client represents a single connected SSE client: a channel carrying
// messages destined for it.
type Client chan []byte

// Hub manages the set of active clients and broadcasts live monitoring
// events (presence snapshots, transitions, diagnostics) to them.
type Hub struct {
	clients    map[Client]bool
	broadcast  chan []byte
	register   chan Client
	unregister chan Client
	mu         sync.Mutex
}

// Event is the envelope pushed to SSE clients.
type Event struct {
	Type string      `json:"type"` // "presence", "transition", "status", "log"
	At   time.Time   `json:"at"`
	Data interface{} `json:"data,omitempty"`
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan []byte, 16),
		register:   make(chan Client),
		unregister: make(chan Client),
		clients:    make(map[Client]bool),
	}
}

// Run starts the hub's processing loop. It should be run in a goroutine.
func (h *Hub) Run() {
	log.Info("SSE hub started")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Debugf("SSE client registered, total: %d", total)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client)
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Debugf("SSE client unregistered, total: %d", total)
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client <- message:
				default:
					// Slow client; skip this message rather than block the hub.
					log.Warn("SSE client channel full, skipping message")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a new client to the hub.
func (h *Hub) Register(client Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client Client) {
	h.unregister <- client
}

// Broadcast sends a raw message to all registered clients without blocking
// the caller.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn("SSE broadcast channel full, message dropped")
	}
}

// BroadcastEvent marshals and broadcasts one event envelope.
func (h *Hub) BroadcastEvent(eventType string, data interface{}) {
	raw, err := json.Marshal(Event{Type: eventType, At: time.Now(), Data: data})
	if err != nil {
		log.Errorf("Failed to marshal SSE event '%s': %v", eventType, err)
		return
	}
	h.Broadcast(raw)
}

// BroadcastPresence pushes the current presence snapshot.
func (h *Hub) BroadcastPresence(records []presence.Record) {
	h.BroadcastEvent("presence", records)
}

// BroadcastTransitions pushes arrival/departure flips.
func (h *Hub) BroadcastTransitions(transitions []presence.Transition) {
	if len(transitions) == 0 {
		return
	}
	h.BroadcastEvent("transition", transitions)
}
