// Package protocol defines the JSON envelopes exchanged with the chat and
// transcription backends and the framing helpers shared by both engines.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/medspa-realtime/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Outbound message types
const (
	MessageTypeAuth             MessageType = "auth"
	MessageTypeChat             MessageType = "chat"
	MessageTypeAudioData        MessageType = "audio_data"
	MessageTypeAssociateSession MessageType = "associate_session"
)

// Inbound message types
const (
	MessageTypeAuthSuccess        MessageType = "auth_success"
	MessageTypeChatStreamStart    MessageType = "chat_stream_start"
	MessageTypeChatStreamChunk    MessageType = "chat_stream_chunk"
	MessageTypeChatStreamComplete MessageType = "chat_stream_complete"
	MessageTypeChatResponse       MessageType = "chat_response"
	MessageTypeSessionAssociated  MessageType = "session_associated"
	MessageTypeStatusUpdate       MessageType = "status_update"
	MessageTypeTranscriptPartial  MessageType = "transcript_partial"
	MessageTypeTranscriptComplete MessageType = "transcript_complete"
	MessageTypeError              MessageType = "error"
)

// AuthMessage is sent right after the socket opens
type AuthMessage struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

// CacheControl carries cache hints for the chat backend
type CacheControl struct {
	Debug      bool `json:"debug"`
	ForceFresh bool `json:"forceFresh"`
}

// ChatRequest sends one user message to the chat backend
type ChatRequest struct {
	Type           MessageType              `json:"type"`
	Message        string                   `json:"message"`
	ConversationID string                   `json:"conversationId"`
	PatientID      string                   `json:"patientId,omitempty"`
	PatientInfo    *entities.PatientContext `json:"patientInfo,omitempty"`
	Streaming      bool                     `json:"streaming"`
	CacheControl   CacheControl             `json:"cacheControl"`
}

// AudioPayload wraps base64 encoded PCM
type AudioPayload struct {
	Data string `json:"data"`
}

// AudioDataMessage carries one captured audio frame
type AudioDataMessage struct {
	Type      MessageType  `json:"type"`
	SessionID string       `json:"sessionId"`
	Data      AudioPayload `json:"data"`
	Timestamp int64        `json:"timestamp"`
	MessageID string       `json:"messageId"`
}

// AssociateSessionMessage binds the socket to a backend session
type AssociateSessionMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"`
	MessageID string      `json:"messageId"`
}

// NewAuth creates an auth envelope
func NewAuth(token string) *AuthMessage {
	return &AuthMessage{Type: MessageTypeAuth, Token: token}
}

// NewAudioData creates an audio_data envelope with a fresh message id
func NewAudioData(sessionID, pcmBase64 string, now time.Time) *AudioDataMessage {
	return &AudioDataMessage{
		Type:      MessageTypeAudioData,
		SessionID: sessionID,
		Data:      AudioPayload{Data: pcmBase64},
		Timestamp: now.UnixMilli(),
		MessageID: uuid.NewString(),
	}
}

// NewAssociateSession creates an associate_session envelope with a fresh message id
func NewAssociateSession(sessionID string, now time.Time) *AssociateSessionMessage {
	return &AssociateSessionMessage{
		Type:      MessageTypeAssociateSession,
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
		MessageID: uuid.NewString(),
	}
}

// Encode serializes an outbound envelope into one text frame
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
