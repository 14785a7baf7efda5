package entities

import (
	"errors"
	"time"
)

// ConnectionState is the lifecycle state of one physical socket
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateClosed       ConnectionState = "closed"
	ConnectionStateError        ConnectionState = "error"
)

// RecordingState is the lifecycle state of a dictation attempt
type RecordingState string

const (
	RecordingStateIdle        RecordingState = "idle"
	RecordingStateStarting    RecordingState = "starting"
	RecordingStateAssociating RecordingState = "associating"
	RecordingStateRecording   RecordingState = "recording"
	RecordingStateStopping    RecordingState = "stopping"
	RecordingStateStopped     RecordingState = "stopped"
	RecordingStateError       RecordingState = "error"
)

// TeardownState guards against overlapping teardown calls
type TeardownState string

const (
	TeardownIdle     TeardownState = "idle"
	TeardownStopping TeardownState = "stopping"
	TeardownStopped  TeardownState = "stopped"
)

// TranscriptionSession represents a backend dictation session bound to one socket
type TranscriptionSession struct {
	SessionID       string          `json:"sessionId"`
	Endpoint        string          `json:"transcriptionEndpoint"`
	PatientID       string          `json:"patientId,omitempty"`
	ChartType       string          `json:"chartType,omitempty"`
	ConnectionState ConnectionState `json:"connectionState"`
	RecordingState  RecordingState  `json:"recordingState"`
	Associated      bool            `json:"associated"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// NewTranscriptionSession creates a session record for a freshly created backend session
func NewTranscriptionSession(sessionID, endpoint string) *TranscriptionSession {
	return &TranscriptionSession{
		SessionID:       sessionID,
		Endpoint:        endpoint,
		ConnectionState: ConnectionStateDisconnected,
		RecordingState:  RecordingStateStarting,
		CreatedAt:       time.Now(),
	}
}

// CanStream reports whether audio frames may be sent for sessionID
func (s *TranscriptionSession) CanStream(sessionID string) bool {
	return s != nil && s.Associated && s.SessionID == sessionID
}

// Validate validates the session data
func (s *TranscriptionSession) Validate() error {
	if s.SessionID == "" {
		return errors.New("session id is required")
	}
	if s.Endpoint == "" {
		return errors.New("transcription endpoint is required")
	}
	return nil
}

// StoredSessionStatus is the backend-side status of a transcription session
type StoredSessionStatus string

const (
	StoredSessionActive  StoredSessionStatus = "active"
	StoredSessionStopped StoredSessionStatus = "stopped"
	StoredSessionExpired StoredSessionStatus = "expired"
)

// StoredSession is the backend record of a transcription session
type StoredSession struct {
	ID           string              `json:"id"`
	ProviderID   string              `json:"provider_id"`
	PatientID    string              `json:"patient_id"`
	ChartType    string              `json:"chart_type"`
	Status       StoredSessionStatus `json:"status"`
	CreatedAt    time.Time           `json:"created_at"`
	LastActiveAt time.Time           `json:"last_active_at"`
	Transcript   string              `json:"transcript"`
}

// Touch updates the last active timestamp
func (s *StoredSession) Touch(now time.Time) {
	s.LastActiveAt = now
}

// IsIdle reports whether the session saw no activity for longer than ttl
func (s *StoredSession) IsIdle(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActiveAt) > ttl
}

// Stop marks the session as stopped by its owner
func (s *StoredSession) Stop() {
	s.Status = StoredSessionStopped
}

// Expire marks the session as expired
func (s *StoredSession) Expire() {
	s.Status = StoredSessionExpired
}

// APIClient is a credential allowed to request bearer tokens
type APIClient struct {
	ID         string `json:"id"`
	Secret     string `json:"-"`
	ProviderID string `json:"provider_id"`
}
