// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/agentdeck/internal/domain"
)

// Repository defines the interface for persisting sessions and their
// conversations. Session launch context and status live in SQLite; messages
// live in append-only per-session transcript files.
type Repository interface {
	// CreateOrGetSession creates the session record if it does not exist and
	// returns the stored context either way.
	CreateOrGetSession(ctx context.Context, sctx domain.SessionContext) (*domain.SessionContext, error)

	// AppendMessage appends one message to the session's transcript.
	AppendMessage(ctx context.Context, sessionName string, msg domain.Message) error

	// GetMessages returns the full ordered message list for a session.
	GetMessages(ctx context.Context, sessionName string) ([]domain.Message, error)

	// GetSessionContext returns the persisted launch context for a session,
	// or nil if the session has never been recorded.
	GetSessionContext(ctx context.Context, name string) (*domain.SessionContext, error)

	// UpdateSessionStatus records the session's lifecycle status.
	UpdateSessionStatus(ctx context.Context, name string, status domain.Status) error

	// ListSessions returns all recorded sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]domain.SessionContext, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
