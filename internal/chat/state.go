package chat

import "github.com/satriahrh/medspa-realtime/domain/entities"

// EventKind names what changed in the engine
type EventKind string

const (
	EventState         EventKind = "state"
	EventStreamStart   EventKind = "stream_start"
	EventStreamChunk   EventKind = "stream_chunk"
	EventMessage       EventKind = "message"
	EventMessageStatus EventKind = "message_status"
	EventError         EventKind = "error"
)

// Event is one observable change
type Event struct {
	Kind    EventKind
	State   entities.ConnectionState
	Text    string
	Message entities.ChatMessage
}

// Snapshot is a point-in-time copy of the engine's observable state
type Snapshot struct {
	ConnectionState entities.ConnectionState
	Loading         bool
	Streaming       bool
	Buffer          string
	Error           string
	Messages        []entities.ChatMessage
}

// Snapshot returns a copy of the current state
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		ConnectionState: e.connState,
		Loading:         e.loading,
		Streaming:       e.streaming,
		Buffer:          e.buffer.String(),
		Error:           e.lastErr,
		Messages:        append([]entities.ChatMessage(nil), e.thread.Messages...),
	}
}
