package domain

import (
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	// RoleUser marks a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant marks conversational output from the agent.
	RoleAssistant Role = "assistant"
	// RoleSystem marks transient status and tool annotations. System messages
	// are never merged with assistant content.
	RoleSystem Role = "system"
)

// Message sources identify the subsystem a message originated from.
const (
	// SourceStream is live conversational or status output from the agent.
	SourceStream = "stream"
	// SourceTool is a tool-usage annotation.
	SourceTool = "tool"
	// SourceHistory is replayed output from a resumed session.
	SourceHistory = "history"
	// SourceUser is an outbound message typed by the user.
	SourceUser = "user"
)

// Message is one unit of conversation within a session.
type Message struct {
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	SessionName string    `json:"session_name,omitempty"`
}
