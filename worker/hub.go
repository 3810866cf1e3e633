package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AyushJhin07/Automation-sub003/orchestrator"
)

const (
	maxWSConnections = 200
	eventBuffer      = 256
)

// EventHub fans execution events out to WebSocket clients, scoped by
// organization. Single broadcaster goroutine; publishers never block.
type EventHub struct {
	clients    map[*websocket.Conn]string // conn -> organizationID
	register   chan registration
	unregister chan *websocket.Conn
	events     chan scopedEvent
	mu         sync.RWMutex
}

type registration struct {
	conn  *websocket.Conn
	orgID string
}

type scopedEvent struct {
	orgID string
	event orchestrator.ExecutionEvent
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		events:     make(chan scopedEvent, eventBuffer),
	}
}

// PublishEvent implements orchestrator.EventSink. Drops on overflow so a
// slow client can never stall the scheduler.
func (h *EventHub) PublishEvent(organizationID string, event orchestrator.ExecutionEvent) {
	select {
	case h.events <- scopedEvent{orgID: organizationID, event: event}:
	default:
	}
}

// Run is the hub main loop.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				log.Printf("[hub] connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.orgID
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[hub] client registered for org %s. Total: %d", reg.orgID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			log.Printf("[hub] client unregistered. Total: %d", total)

		case ev := <-h.events:
			h.broadcast(ev)
		}
	}
}

// broadcast sends one event to every client of its organization.
func (h *EventHub) broadcast(ev scopedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, orgID := range h.clients {
		if orgID != ev.orgID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(ev.event); err != nil {
			log.Printf("[hub] write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	log.Printf("[hub] shutting down with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register adds a client connection scoped to one organization.
func (h *EventHub) Register(conn *websocket.Conn, orgID string) {
	h.register <- registration{conn: conn, orgID: orgID}
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
