package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/ashureev/agentdeck/internal/coordinator"
)

// command is one client-to-server frame.
type command struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Content string `json:"content,omitempty"`
}

// WebSocketHandler upgrades UI connections and dispatches their commands to
// the coordinator. Session output reaches clients through the hub.
type WebSocketHandler struct {
	co            *coordinator.Coordinator
	hub           *Hub
	logger        *slog.Logger
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(co *coordinator.Coordinator, hub *Hub, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		co:            co,
		hub:           hub,
		logger:        logger,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("[LIVE] WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("[LIVE] Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			h.logger.Debug("[LIVE] Failed to close websocket", "error", closeErr)
		}
	}()

	h.hub.Register(ws)
	defer h.hub.Unregister(ws)

	ctx := r.Context()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("[LIVE] WebSocket closed by client")
			} else if ctx.Err() == nil {
				h.logger.Warn("[LIVE] WebSocket read error", "error", err)
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reply(ws, payload{Type: "error", Error: "malformed command"})
			continue
		}
		h.dispatch(ctx, ws, cmd)
	}
}

// dispatch executes one client command. Errors go back to the issuing client
// only; successful results that concern everyone go through the hub.
func (h *WebSocketHandler) dispatch(ctx context.Context, ws *websocket.Conn, cmd command) {
	switch cmd.Type {
	case "send":
		if err := h.co.SendMessage(ctx, cmd.Content); err != nil {
			h.reply(ws, payload{Type: "error", Error: err.Error()})
		}

	case "switch":
		snapshot, err := h.co.SwitchSession(cmd.Session)
		if err != nil {
			h.reply(ws, payload{Type: "error", Session: cmd.Session, Error: err.Error()})
			return
		}
		h.hub.Broadcast(payload{Type: "snapshot", Session: cmd.Session, Messages: snapshot})

	case "resume":
		_, history, err := h.co.ResumeSession(ctx, cmd.Session)
		if err != nil {
			h.reply(ws, payload{Type: "error", Session: cmd.Session, Error: err.Error()})
			return
		}
		h.hub.Broadcast(payload{Type: "snapshot", Session: cmd.Session, Messages: history})

	case "interrupt":
		if err := h.co.Interrupt(); err != nil {
			h.reply(ws, payload{Type: "error", Error: err.Error()})
		}

	case "stop":
		if err := h.co.StopSession(cmd.Session); err != nil {
			h.reply(ws, payload{Type: "error", Session: cmd.Session, Error: err.Error()})
		}

	case "force_stop":
		if err := h.co.ForceStop(); err != nil {
			h.reply(ws, payload{Type: "error", Error: err.Error()})
		}

	case "ping":
		h.reply(ws, payload{Type: "pong"})

	default:
		h.reply(ws, payload{Type: "error", Error: "unknown command: " + cmd.Type})
	}
}

func (h *WebSocketHandler) reply(ws *websocket.Conn, p payload) {
	data, err := json.Marshal(p)
	if err != nil {
		h.logger.Error("[LIVE] Failed to marshal reply", "error", err)
		return
	}
	if err := ws.Write(context.Background(), websocket.MessageText, data); err != nil {
		h.logger.Debug("[LIVE] Reply write failed", "error", err)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("[LIVE] WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
