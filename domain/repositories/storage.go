package repositories

import (
	"context"
	"time"

	"github.com/satriahrh/medspa-realtime/domain/entities"
)

// SessionRepository defines data access methods for backend transcription sessions
type SessionRepository interface {
	Create(ctx context.Context, session *entities.StoredSession) error
	GetByID(ctx context.Context, id string) (*entities.StoredSession, error)
	Update(ctx context.Context, session *entities.StoredSession) error
	// Modify applies fn to the stored session atomically and returns the result
	Modify(ctx context.Context, id string, fn func(*entities.StoredSession) error) (*entities.StoredSession, error)
	// ExpireSessions marks active sessions idle for longer than ttl as expired
	ExpireSessions(ctx context.Context, ttl time.Duration) (int, error)
}

// ClientRepository resolves API client credentials
type ClientRepository interface {
	Validate(clientID, secret string) (*entities.APIClient, error)
}
