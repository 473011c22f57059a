package runner

import (
	"github.com/ashureev/agentdeck/internal/domain"
)

// EventType identifies what a wrapper event carries.
type EventType string

const (
	// EventMessage carries one classified conversation message.
	EventMessage EventType = "message"
	// EventReady signals the agent is waiting for input.
	EventReady EventType = "ready"
	// EventError carries a non-fatal runtime stream error.
	EventError EventType = "error"
	// EventInterrupted signals the current turn was cancelled.
	EventInterrupted EventType = "interrupted"
	// EventClosed signals the agent process has exited.
	EventClosed EventType = "closed"
)

// Event is one typed occurrence on a session's stream. Events for a session
// are emitted in classification order; consumers receive them over the
// wrapper's channel and never concurrently with each other.
type Event struct {
	Type        EventType
	SessionID   string
	SessionName string
	Message     *domain.Message
	Err         string
	ExitCode    int
}
