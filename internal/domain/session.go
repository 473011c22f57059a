// Package domain contains core domain types for agentdeck.
package domain

import (
	"time"
)

// Status is the lifecycle status of a session.
type Status string

const (
	// StatusCreated means the session exists but its process has not started.
	StatusCreated Status = "created"
	// StatusStarting means the agent process is launching.
	StatusStarting Status = "starting"
	// StatusResuming means the process is launching and prior history is being replayed.
	StatusResuming Status = "resuming"
	// StatusReady means the agent is waiting for input.
	StatusReady Status = "ready"
	// StatusProcessing means the agent is generating a reply.
	StatusProcessing Status = "processing"
	// StatusInterrupted means the current turn was cancelled.
	StatusInterrupted Status = "interrupted"
	// StatusStopping means a graceful shutdown is in progress.
	StatusStopping Status = "stopping"
	// StatusStopped means the agent process has exited.
	StatusStopped Status = "stopped"
)

// Session represents one conversational run of the agent process.
//
// The ID is only valid while a live wrapper exists for the session; the Name
// is the durable key under which history and context persist.
type Session struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	WorkDir    string    `json:"work_dir"`
	Extensions []string  `json:"extensions,omitempty"`
	RecipeID   string    `json:"recipe_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionContext is the persisted launch context for a session, loaded back
// when the session is resumed.
type SessionContext struct {
	Name       string    `json:"name"`
	WorkDir    string    `json:"work_dir"`
	Extensions []string  `json:"extensions,omitempty"`
	RecipeID   string    `json:"recipe_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
