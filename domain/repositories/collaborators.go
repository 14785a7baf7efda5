package repositories

import (
	"context"

	"github.com/satriahrh/medspa-realtime/domain/entities"
)

// TokenProvider supplies a short-lived bearer credential before a socket opens
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider
type TokenProviderFunc func(ctx context.Context) (string, error)

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// SessionRequest asks the backend for a new transcription session
type SessionRequest struct {
	PatientID string `json:"patient_id"`
	ChartType string `json:"chart_type"`
}

// SessionInfo is returned by the session-creation endpoint
type SessionInfo struct {
	SessionID             string `json:"session_id"`
	TranscriptionEndpoint string `json:"transcription_endpoint"`
}

// TranscriptionSessions is the request/response control plane of dictation
type TranscriptionSessions interface {
	CreateSession(ctx context.Context, req SessionRequest) (SessionInfo, error)
	StopSession(ctx context.Context, sessionID string) error
}

// DeliveryObserver receives metadata about finalized assistant responses
type DeliveryObserver interface {
	ObserveDelivery(conversationID string, metadata entities.DeliveryMetadata)
}
