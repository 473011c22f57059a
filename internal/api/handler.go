// Package api provides HTTP handlers for the agentdeck API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/agentdeck/internal/config"
	"github.com/ashureev/agentdeck/internal/coordinator"
	"github.com/ashureev/agentdeck/internal/recipe"
	"github.com/ashureev/agentdeck/internal/store"
)

// Handler provides common handler dependencies.
type Handler struct {
	co      *coordinator.Coordinator
	recipes *recipe.FileStore
	repo    store.Repository
	cfg     *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(co *coordinator.Coordinator, recipes *recipe.FileStore, repo store.Repository, cfg *config.Config) *Handler {
	return &Handler{
		co:      co,
		recipes: recipes,
		repo:    repo,
		cfg:     cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
