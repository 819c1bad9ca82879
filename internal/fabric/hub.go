// Package fabric is the realtime delivery layer: a hub of per-user
// WebSocket connections fed by the user_notifications consumer, so
// progress updates and lifecycle events reach open clients immediately.
package fabric

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Message is one frame pushed to a connected client.
type Message struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
}

// Hub tracks connected clients by user id. A user may hold several
// connections (phone and web); every one gets the fanout.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *log.Logger
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  log.New(log.Writer(), "[FABRIC] ", log.LstdFlags),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.logger.Printf("Client connected: user=%s (%d connections)", c.userID, len(h.clients[c.userID]))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.clients[c.userID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
		}
	}
}

// Push delivers an event to every connection a user holds. Slow clients
// are dropped rather than blocking the fanout.
func (h *Hub) Push(userID, eventType string, payload json.RawMessage) {
	frame, err := json.Marshal(Message{EventType: eventType, Payload: payload, SentAt: time.Now().UTC()})
	if err != nil {
		h.logger.Printf("❌ Frame marshal failed for %s: %v", eventType, err)
		return
	}

	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[userID]))
	for c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.send <- frame:
		default:
			h.logger.Printf("⚠️ Dropping slow client for user %s", userID)
			c.close()
		}
	}
}

// ConnectedUsers reports the current user count, for health output.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify implements the worker fabric's notifier: recipients are read
// from the event payload's id fields.
func (h *Hub) Notify(_ context.Context, eventType string, payload json.RawMessage) error {
	var p struct {
		UserID   string `json:"user_id"`
		WorkerID string `json:"worker_id"`
		PosterID string `json:"poster_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, id := range []string{p.UserID, p.WorkerID, p.PosterID} {
		if id != "" && !seen[id] {
			seen[id] = true
			h.Push(id, eventType, payload)
		}
	}
	return nil
}
