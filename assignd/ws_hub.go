package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sirateb/assignd/assignd/store"
)

const maxWSConnections = 200

// DecisionHub manages WebSocket connections and broadcasts assignment
// decision records as they are produced. Single broadcaster pattern so
// each decision is serialized once regardless of client count.
type DecisionHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	decisions  chan *store.DecisionRecord
	mu         sync.RWMutex
}

// NewDecisionHub creates a new WebSocket hub.
func NewDecisionHub() *DecisionHub {
	return &DecisionHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		decisions:  make(chan *store.DecisionRecord, 64),
	}
}

// Run starts the hub's main loop.
func (h *DecisionHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			// Connection cap to prevent overload
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			h.mu.Unlock()
			log.Printf("WebSocket client registered. Total: %d", h.ClientCount())

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()
			log.Printf("WebSocket client unregistered. Total: %d", h.ClientCount())

		case rec := <-h.decisions:
			h.broadcast(rec)
		}
	}
}

// Notify queues a decision record for broadcast. Never blocks the caller;
// records are dropped when the channel is full and no one would see them
// anyway (the durable log is the authority).
func (h *DecisionHub) Notify(rec *store.DecisionRecord) {
	select {
	case h.decisions <- rec:
	default:
	}
}

func (h *DecisionHub) broadcast(rec *store.DecisionRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.clients {
		// Set write deadline to prevent blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(rec); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

// shutdown gracefully closes all client connections.
func (h *DecisionHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))

	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
}

// Register adds a new client connection.
func (h *DecisionHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *DecisionHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *DecisionHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
