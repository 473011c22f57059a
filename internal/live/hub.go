// Package live streams session events to connected web clients and accepts
// their commands over WebSocket.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/ashureev/agentdeck/internal/domain"
	"github.com/ashureev/agentdeck/internal/runner"
)

// payload is one server-to-client frame.
type payload struct {
	Type     string           `json:"type"`
	Session  string           `json:"session,omitempty"`
	Message  *domain.Message  `json:"message,omitempty"`
	Messages []domain.Message `json:"messages,omitempty"`
	Error    string           `json:"error,omitempty"`
	ExitCode int              `json:"exit_code,omitempty"`
}

// Hub fans coordinator events out to every connected client. Clients come
// and go; the coordinator's stream does not care.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Run consumes the event stream until it closes or the context is done.
// Call it once, in its own goroutine.
func (h *Hub) Run(ctx context.Context, events <-chan runner.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(eventPayload(ev))
		}
	}
}

// Register adds a client connection.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
	h.logger.Info("[LIVE] Client connected", "clients", len(h.clients))
}

// Unregister removes a client connection.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
	h.logger.Info("[LIVE] Client disconnected", "clients", len(h.clients))
}

// Broadcast sends one frame to every connected client. Write failures are
// left to each connection's own read loop to notice and clean up.
func (h *Hub) Broadcast(p payload) {
	data, err := json.Marshal(p)
	if err != nil {
		h.logger.Error("[LIVE] Failed to marshal frame", "type", p.Type, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
			h.logger.Debug("[LIVE] Broadcast write failed", "error", err)
		}
	}
}

// eventPayload translates a session event into its wire frame.
func eventPayload(ev runner.Event) payload {
	p := payload{
		Type:    string(ev.Type),
		Session: ev.SessionName,
	}
	switch ev.Type {
	case runner.EventMessage:
		p.Message = ev.Message
	case runner.EventError:
		p.Error = ev.Err
	case runner.EventClosed:
		p.ExitCode = ev.ExitCode
	}
	return p
}
