package entities

import (
	"errors"
	"time"
)

// Sender identifies who authored a chat message
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MessageStatus tracks delivery of a chat message.
// User messages start pending and move to sent or failed exactly once.
type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
)

// ChatMessage represents a single message in a conversation thread
type ChatMessage struct {
	ID        string        `json:"id"`
	Sender    Sender        `json:"sender"`
	Text      string        `json:"text"`
	ThreadID  string        `json:"threadId"`
	CreatedAt time.Time     `json:"createdAt"`
	Status    MessageStatus `json:"status"`
}

// Validate validates the message data
func (m *ChatMessage) Validate() error {
	if m.ID == "" {
		return errors.New("id is required")
	}
	if m.Sender != SenderUser && m.Sender != SenderAssistant {
		return errors.New("invalid sender")
	}
	if m.ThreadID == "" {
		return errors.New("thread id is required")
	}
	return nil
}

// Settle moves a pending message to its terminal status.
// It returns false if the message was already settled.
func (m *ChatMessage) Settle(sent bool) bool {
	if m.Status != MessageStatusPending {
		return false
	}
	if sent {
		m.Status = MessageStatusSent
	} else {
		m.Status = MessageStatusFailed
	}
	return true
}

// Thread is a conversation-ordered sequence of chat messages
type Thread struct {
	ID        string        `json:"id"`
	PatientID string        `json:"patientId,omitempty"`
	Messages  []ChatMessage `json:"messages"`
}

// UserMessages returns the messages sent by the user, in order
func (t *Thread) UserMessages() []ChatMessage {
	var out []ChatMessage
	for _, m := range t.Messages {
		if m.Sender == SenderUser {
			out = append(out, m)
		}
	}
	return out
}

// DeliveryMetadata describes how an assistant response was produced
type DeliveryMetadata struct {
	Model                   string   `json:"model,omitempty"`
	ProcessingTimeMs        int64    `json:"processingTime,omitempty"`
	CacheHit                *bool    `json:"cacheHit,omitempty"`
	ContextIntegrationScore *float64 `json:"contextIntegrationScore,omitempty"`
}

// PatientContext is the optional patient payload attached to chat requests
type PatientContext struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Summary   string         `json:"summary,omitempty"`
	Allergies []string       `json:"allergies,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}
