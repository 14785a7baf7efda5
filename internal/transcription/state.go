package transcription

import (
	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/internal/audio"
)

// EventKind names what changed in the engine
type EventKind string

const (
	EventConnectionState EventKind = "connection_state"
	EventRecordingState  EventKind = "recording_state"
	EventAssociated      EventKind = "associated"
	EventPartial         EventKind = "partial"
	EventFinal           EventKind = "final"
	EventError           EventKind = "error"
)

// Event is one observable change
type Event struct {
	Kind            EventKind
	ConnectionState entities.ConnectionState
	RecordingState  entities.RecordingState
	Text            string
}

// Snapshot is a point-in-time copy of the engine's observable state
type Snapshot struct {
	SessionID       string
	ConnectionState entities.ConnectionState
	RecordingState  entities.RecordingState
	Teardown        entities.TeardownState
	Associated      bool

	// Partial is the running hypothesis of the current utterance
	Partial string
	// Final is the last completed utterance; Segments holds all of them
	Final    string
	Segments []string

	Error       string
	DeviceError *audio.DeviceError

	FramesSent    int
	FramesDropped int
}

// Snapshot returns a copy of the current state
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		ConnectionState: entities.ConnectionStateDisconnected,
		RecordingState:  e.recording,
		Teardown:        e.teardown,
		Partial:         e.partial,
		Final:           e.final,
		Segments:        append([]string(nil), e.segments...),
		Error:           e.lastErr,
		DeviceError:     e.deviceErr,
		FramesSent:      e.framesSent,
		FramesDropped:   e.framesDropped,
	}
	if e.session != nil {
		snap.SessionID = e.session.SessionID
		snap.ConnectionState = e.session.ConnectionState
		snap.Associated = e.session.Associated
	}
	return snap
}
