package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/satriahrh/medspa-realtime/domain/entities"
)

// Event is a decoded inbound envelope
type Event interface {
	MessageType() MessageType
}

type AuthSuccess struct{}

func (AuthSuccess) MessageType() MessageType { return MessageTypeAuthSuccess }

type ChatStreamStart struct{}

func (ChatStreamStart) MessageType() MessageType { return MessageTypeChatStreamStart }

// ChatStreamChunk carries one polymorphic chunk; see ExtractChunkText
type ChatStreamChunk struct {
	Chunk json.RawMessage `json:"chunk"`
}

func (ChatStreamChunk) MessageType() MessageType { return MessageTypeChatStreamChunk }

// ResponseBody is the finalized payload of a chat stream.
// Content keeps the raw JSON so an explicit null can be told apart from an absent field.
type ResponseBody struct {
	Content  json.RawMessage            `json:"content"`
	Metadata *entities.DeliveryMetadata `json:"metadata,omitempty"`
}

// Text returns the content and whether the content field was present
func (r *ResponseBody) Text() (string, bool) {
	if r == nil || len(r.Content) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(r.Content, &s); err != nil {
		// null and non-string values resolve to an empty message
		return "", true
	}
	return s, true
}

// ChatStreamComplete ends a stream
type ChatStreamComplete struct {
	Response *ResponseBody `json:"response"`
}

func (ChatStreamComplete) MessageType() MessageType { return MessageTypeChatStreamComplete }

// ChatResponse delivers a whole reply without streaming
type ChatResponse struct {
	Response *ResponseBody `json:"response"`
}

func (ChatResponse) MessageType() MessageType { return MessageTypeChatResponse }

type SessionAssociated struct {
	SessionID string `json:"sessionId,omitempty"`
}

func (SessionAssociated) MessageType() MessageType { return MessageTypeSessionAssociated }

type StatusUpdate struct {
	Data struct {
		Status  string `json:"status"`
		Message string `json:"message,omitempty"`
	} `json:"data"`
}

func (StatusUpdate) MessageType() MessageType { return MessageTypeStatusUpdate }

// Ready reports whether the remote endpoint accepts session association
func (s StatusUpdate) Ready() bool {
	switch strings.ToLower(strings.TrimSpace(s.Data.Status)) {
	case "ready", "connected":
		return true
	}
	return false
}

type TranscriptData struct {
	Transcript string `json:"transcript"`
}

type TranscriptPartial struct {
	Data TranscriptData `json:"data"`
}

func (TranscriptPartial) MessageType() MessageType { return MessageTypeTranscriptPartial }

type TranscriptComplete struct {
	Data TranscriptData `json:"data"`
}

func (TranscriptComplete) MessageType() MessageType { return MessageTypeTranscriptComplete }

// ErrorMessage carries an application error. The backend sends either a
// top-level error string or data.error.
type ErrorMessage struct {
	Error string `json:"error,omitempty"`
	Data  *struct {
		Error string `json:"error"`
	} `json:"data,omitempty"`
}

func (ErrorMessage) MessageType() MessageType { return MessageTypeError }

// Text returns the error string from whichever field carries it
func (e ErrorMessage) Text() string {
	if msg := strings.TrimSpace(e.Error); msg != "" {
		return msg
	}
	if e.Data != nil {
		if msg := strings.TrimSpace(e.Data.Error); msg != "" {
			return msg
		}
	}
	return "unknown error"
}

// Unknown is returned for envelopes whose type is not recognized
type Unknown struct {
	Type MessageType
	Raw  json.RawMessage
}

func (u Unknown) MessageType() MessageType { return u.Type }

// Decode parses one inbound text frame into a typed event.
// Unrecognized types decode to Unknown without error.
func Decode(frame []byte) (Event, error) {
	// First parse the header to get the type
	var header struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(frame, &header); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if strings.TrimSpace(string(header.Type)) == "" {
		return nil, fmt.Errorf("message missing type field")
	}

	switch header.Type {
	case MessageTypeAuthSuccess:
		return AuthSuccess{}, nil
	case MessageTypeChatStreamStart:
		return ChatStreamStart{}, nil
	case MessageTypeChatStreamChunk:
		return decodeAs[ChatStreamChunk](frame)
	case MessageTypeChatStreamComplete:
		return decodeAs[ChatStreamComplete](frame)
	case MessageTypeChatResponse:
		return decodeAs[ChatResponse](frame)
	case MessageTypeSessionAssociated:
		return decodeAs[SessionAssociated](frame)
	case MessageTypeStatusUpdate:
		return decodeAs[StatusUpdate](frame)
	case MessageTypeTranscriptPartial:
		return decodeAs[TranscriptPartial](frame)
	case MessageTypeTranscriptComplete:
		return decodeAs[TranscriptComplete](frame)
	case MessageTypeError:
		event, err := decodeAs[ErrorMessage](frame)
		if err != nil {
			// an error envelope with an odd shape is still an error
			return ErrorMessage{}, nil
		}
		return event, nil
	default:
		return Unknown{Type: header.Type, Raw: append(json.RawMessage(nil), frame...)}, nil
	}
}

func decodeAs[T Event](frame []byte) (Event, error) {
	var msg T
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", msg.MessageType(), err)
	}
	return msg, nil
}
