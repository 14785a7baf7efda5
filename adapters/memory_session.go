package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidClient   = errors.New("invalid client credentials")
)

// MemorySessionRepository is an in-memory implementation of SessionRepository
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*entities.StoredSession // id -> session
	clock    clock.Clock
}

var _ repositories.SessionRepository = (*MemorySessionRepository)(nil)

// NewMemorySessionRepository creates a new in-memory session repository
func NewMemorySessionRepository(clk clock.Clock) *MemorySessionRepository {
	if clk == nil {
		clk = clock.New()
	}
	return &MemorySessionRepository{
		sessions: make(map[string]*entities.StoredSession),
		clock:    clk,
	}
}

// Create implements SessionRepository interface
func (m *MemorySessionRepository) Create(ctx context.Context, session *entities.StoredSession) error {
	if session == nil {
		return errors.New("session cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Generate ID if not provided
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, exists := m.sessions[session.ID]; exists {
		return errors.New("session with this ID already exists")
	}
	if session.Status == "" {
		session.Status = entities.StoredSessionActive
	}

	now := m.clock.Now()
	session.CreatedAt = now
	session.LastActiveAt = now

	sessionCopy := *session
	m.sessions[session.ID] = &sessionCopy
	return nil
}

// GetByID implements SessionRepository interface
func (m *MemorySessionRepository) GetByID(ctx context.Context, id string) (*entities.StoredSession, error) {
	if id == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}

	// Return a copy to prevent external modifications
	sessionCopy := *session
	return &sessionCopy, nil
}

// Update implements SessionRepository interface
func (m *MemorySessionRepository) Update(ctx context.Context, session *entities.StoredSession) error {
	if session == nil || session.ID == "" {
		return errors.New("session ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.sessions[session.ID]
	if !exists {
		return ErrSessionNotFound
	}

	sessionCopy := *session
	sessionCopy.CreatedAt = existing.CreatedAt // Preserve original creation time
	m.sessions[session.ID] = &sessionCopy
	return nil
}

// Modify implements SessionRepository interface
func (m *MemorySessionRepository) Modify(ctx context.Context, id string, fn func(*entities.StoredSession) error) (*entities.StoredSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.sessions[id]
	if !exists {
		return nil, ErrSessionNotFound
	}

	sessionCopy := *existing
	if err := fn(&sessionCopy); err != nil {
		return nil, err
	}
	sessionCopy.ID = existing.ID
	sessionCopy.CreatedAt = existing.CreatedAt
	m.sessions[id] = &sessionCopy

	out := sessionCopy
	return &out, nil
}

// ExpireSessions implements SessionRepository interface
func (m *MemorySessionRepository) ExpireSessions(ctx context.Context, ttl time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	expired := 0
	for _, session := range m.sessions {
		if session.Status == entities.StoredSessionActive && session.IsIdle(now, ttl) {
			session.Expire()
			expired++
		}
	}
	return expired, nil
}

// MemoryClientRepository is an in-memory implementation of ClientRepository
type MemoryClientRepository struct {
	mu      sync.RWMutex
	clients map[string]*entities.APIClient // client id -> client
}

var _ repositories.ClientRepository = (*MemoryClientRepository)(nil)

// NewMemoryClientRepository creates an empty client repository
func NewMemoryClientRepository() *MemoryClientRepository {
	return &MemoryClientRepository{clients: make(map[string]*entities.APIClient)}
}

// Register stores the credentials of an API client
func (m *MemoryClientRepository) Register(client entities.APIClient) error {
	if client.ID == "" {
		return errors.New("client ID cannot be empty")
	}
	if client.Secret == "" {
		return errors.New("secret cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[client.ID] = &client
	return nil
}

// Validate validates client credentials (id + secret)
func (m *MemoryClientRepository) Validate(clientID, secret string) (*entities.APIClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[clientID]
	if !exists || client.Secret != secret {
		return nil, ErrInvalidClient
	}

	clientCopy := *client
	return &clientCopy, nil
}
