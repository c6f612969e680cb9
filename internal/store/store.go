// Package store persists client-local state: the auth credential read at
// startup plus a cache of sessions and transcripts so history is available
// offline.
package store

import (
	"context"
	"time"

	"github.com/interviewkit/coachchat/internal/domain"
)

// Repository defines the interface for persisting client state.
type Repository interface {
	// SaveCredential stores the auth token and profile, replacing any
	// previous credential.
	SaveCredential(ctx context.Context, cred *domain.Credential) error

	// Credential returns the stored credential, or nil if none is saved.
	Credential(ctx context.Context) (*domain.Credential, error)

	// ClearCredential removes the stored credential. Called on logout and
	// on authentication failure.
	ClearCredential(ctx context.Context) error

	// UpsertSession creates or updates a cached session record.
	UpsertSession(ctx context.Context, s *domain.Session) error

	// Sessions lists cached sessions, most recently started first.
	Sessions(ctx context.Context) ([]*domain.Session, error)

	// MarkSessionCompleted flips the cached session to completed/inactive.
	MarkSessionCompleted(ctx context.Context, sessionID int64) error

	// AppendMessage caches one transcript message.
	AppendMessage(ctx context.Context, m *domain.Message) error

	// Messages returns the cached transcript for a session in arrival order.
	Messages(ctx context.Context, sessionID int64) ([]domain.Message, error)

	// PruneMessages drops cached messages older than the retention window
	// and returns the number removed.
	PruneMessages(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
