package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/agentdeck/internal/coordinator"
	"github.com/ashureev/agentdeck/internal/domain"
)

// RegisterRoutes mounts the session API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/config", h.configInfo)
		r.Get("/recipes", h.listRecipes)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.listSessions)
			r.Post("/", h.createSession)

			r.Route("/active", func(r chi.Router) {
				r.Post("/messages", h.sendMessage)
				r.Post("/interrupt", h.interrupt)
				r.Post("/force-stop", h.forceStop)
			})

			r.Route("/{name}", func(r chi.Router) {
				r.Get("/messages", h.getMessages)
				r.Post("/start", h.startSession)
				r.Post("/switch", h.switchSession)
				r.Post("/resume", h.resumeSession)
				r.Post("/stop", h.stopSession)
			})
		})
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		slog.Error("Health check failed", "error", err)
		Error(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) configInfo(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"agent_bin":         h.cfg.AgentBin,
		"debounce_interval": h.cfg.Runner.DebounceInterval.String(),
		"auto_interrupt":    h.cfg.Runner.AutoInterrupt,
	})
}

func (h *Handler) listRecipes(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{"recipes": h.recipes.List()})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.co.ListSessions(r.Context())
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"active":   h.co.ActiveSession(),
	})
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "session name is required")
		return
	}

	if _, err := h.co.CreateSession(r.Context(), req); err != nil {
		if errors.Is(err, coordinator.ErrSessionExists) {
			Error(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("Failed to create session", "session", req.Name, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	// The record is durable now; start the process. A start failure leaves
	// the session recorded and retryable via the start endpoint.
	session, err := h.co.StartSession(r.Context(), req.Name)
	if err != nil {
		slog.Error("Failed to start session", "session", req.Name, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusCreated, session)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	session, err := h.co.StartSession(r.Context(), name)
	if err != nil {
		if errors.Is(err, coordinator.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, err.Error())
			return
		}
		slog.Error("Failed to start session", "session", name, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, session)
}

func (h *Handler) getMessages(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	messages, err := h.co.GetMessages(r.Context(), name)
	if err != nil {
		slog.Error("Failed to load messages", "session", name, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": messages})
}

func (h *Handler) switchSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snapshot, err := h.co.SwitchSession(name)
	if err != nil {
		if errors.Is(err, coordinator.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snapshot == nil {
		snapshot = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"active": name, "messages": snapshot})
}

func (h *Handler) resumeSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	session, history, err := h.co.ResumeSession(r.Context(), name)
	if err != nil {
		if errors.Is(err, coordinator.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, err.Error())
			return
		}
		slog.Error("Failed to resume session", "session", name, "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if history == nil {
		history = []domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session": session, "messages": history})
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.co.StopSession(name); err != nil {
		if errors.Is(err, coordinator.ErrSessionNotFound) {
			Error(w, http.StatusNotFound, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		Error(w, http.StatusBadRequest, "message content is required")
		return
	}

	if err := h.co.SendMessage(r.Context(), req.Content); err != nil {
		if errors.Is(err, coordinator.ErrNoActiveSession) {
			Error(w, http.StatusConflict, err.Error())
			return
		}
		slog.Error("Failed to send message", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *Handler) interrupt(w http.ResponseWriter, _ *http.Request) {
	if err := h.co.Interrupt(); err != nil {
		if errors.Is(err, coordinator.ErrNoActiveSession) {
			Error(w, http.StatusConflict, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (h *Handler) forceStop(w http.ResponseWriter, _ *http.Request) {
	if err := h.co.ForceStop(); err != nil {
		if errors.Is(err, coordinator.ErrNoActiveSession) {
			Error(w, http.StatusConflict, err.Error())
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}
