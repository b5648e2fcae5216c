package streaming

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxStreamClients = 200

// Hub manages WebSocket connections and broadcasts manager events to them.
// Single broadcaster pattern prevents N duplicate fan-out loops. Hub also
// implements Publisher, so the event recorder can feed it directly.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	outbound   chan Envelope
	mu         sync.RWMutex
}

// NewHub creates a WebSocket event hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		outbound:   make(chan Envelope, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxStreamClients {
				h.mu.Unlock()
				conn.Close()
				log.Printf("Event stream connection rejected: max connections (%d) reached", maxStreamClients)
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("Event stream client registered. Total: %d", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("Event stream client unregistered. Total: %d", total)

		case env := <-h.outbound:
			h.broadcast(env)
		}
	}
}

func (h *Hub) broadcast(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		// Write deadline prevents blocking on dead connections.
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(env); err != nil {
			log.Printf("Event stream write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// Publish implements Publisher. It never blocks: when the outbound buffer is
// full the envelope is dropped and the caller carries on.
func (h *Hub) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    "cycle-manager",
	}
	select {
	case h.outbound <- env:
		return nil
	default:
		log.Printf("Event stream buffer full, dropping %s", topic)
		return nil
	}
}

// Close implements Publisher.
func (h *Hub) Close() error {
	return nil
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down event stream hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a new client connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
