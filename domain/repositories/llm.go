package repositories

import (
	"context"

	"github.com/satriahrh/medspa-realtime/domain/entities"
)

// ChatResponder abstracts any chat/LLM provider able to stream a reply
type ChatResponder interface {
	// StreamReply streams the assistant reply to message given the prior history.
	// The returned channel is closed when the reply is complete or ctx is done.
	StreamReply(ctx context.Context, req ReplyRequest) (<-chan ReplyChunk, error)
	// Model returns the model identity reported in delivery metadata
	Model() string
}

// ReplyRequest carries one chat turn to the responder
type ReplyRequest struct {
	ConversationID string
	Message        string
	History        []ChatTurn
	Patient        *entities.PatientContext
}

// ChatTurn represents a single message in a conversation
type ChatTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ReplyChunk is one streamed fragment of a reply
type ReplyChunk struct {
	Text string
	Err  error
}

// Role defines the type of message sender
type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
	SystemRole    Role = "system"
)
