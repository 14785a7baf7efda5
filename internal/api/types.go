package api

import "github.com/satriahrh/medspa-realtime/domain/entities"

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StopSessionResponse is returned by the session stop endpoint
type StopSessionResponse struct {
	SessionID  string                       `json:"session_id"`
	Status     entities.StoredSessionStatus `json:"status"`
	Transcript string                       `json:"transcript,omitempty"`
}
