// Package transcription drives live dictation: it creates a backend session,
// associates a socket with it and streams captured audio only once the
// backend confirmed the association.
package transcription

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
	"github.com/satriahrh/medspa-realtime/internal/audio"
	"github.com/satriahrh/medspa-realtime/internal/connection"
	"github.com/satriahrh/medspa-realtime/internal/protocol"
)

const (
	defaultStopTimeout = 10 * time.Second
	eventBufferSize    = 256

	msgConnectionLost   = "Transcription connection lost. Please start recording again."
	msgConnectFailed    = "Could not connect to the transcription service."
	msgSessionFailed    = "Could not start a transcription session."
	msgSessionEnded     = "Transcription session ended."
)

// ErrNotAssociated is returned when audio is sent before the backend
// confirmed the session association. It indicates a logic bug.
var ErrNotAssociated = errors.New("audio frame sent before session association")

// StartRequest identifies what is being dictated
type StartRequest struct {
	PatientID string
	ChartType string
}

// Options configures a transcription engine
type Options struct {
	Device audio.Device
	Format audio.Format

	Header      http.Header
	Dialer      *websocket.Dialer
	Clock       clock.Clock
	StopTimeout time.Duration
}

type transport interface {
	Connect(ctx context.Context) error
	Send(v any) error
	Close() error
}

type dialFunc func(endpoint string, handlers connection.Handlers) transport

// Engine runs one dictation at a time
type Engine struct {
	opts     Options
	sessions repositories.TranscriptionSessions
	tokens   repositories.TokenProvider
	logger   *zap.Logger
	clock    clock.Clock
	dial     dialFunc

	mu             sync.Mutex
	attempt        int
	session        *entities.TranscriptionSession
	conn           transport
	capture        audio.Capture
	cancelPipeline context.CancelFunc
	pipelineDone   chan struct{}
	teardown       entities.TeardownState
	recording      entities.RecordingState
	associateSent  bool
	socketFailed   bool
	partial        string
	final          string
	segments       []string
	lastErr        string
	deviceErr      *audio.DeviceError
	framesSent     int
	framesDropped  int

	events chan Event
}

// NewEngine creates a transcription engine. tokens may be nil when the
// transcription endpoint needs no auth envelope.
func NewEngine(opts Options, sessions repositories.TranscriptionSessions, tokens repositories.TokenProvider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Format == (audio.Format{}) {
		opts.Format = audio.DefaultFormat()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}

	e := &Engine{
		opts:      opts,
		sessions:  sessions,
		tokens:    tokens,
		logger:    logger,
		clock:     opts.Clock,
		teardown:  entities.TeardownStopped,
		recording: entities.RecordingStateIdle,
		events:    make(chan Event, eventBufferSize),
	}
	e.dial = func(endpoint string, handlers connection.Handlers) transport {
		// a failed audio socket ends the attempt; mid-utterance resume is undefined
		return connection.New(connection.Config{
			URL:        endpoint,
			Header:     opts.Header,
			MaxRetries: 0,
			Clock:      opts.Clock,
			Dialer:     opts.Dialer,
		}, e.tokens, handlers, e.logger)
	}
	return e
}

// Events streams engine changes on a best-effort basis
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Start tears down any previous recording, creates a backend session and
// opens its socket. Capture begins once the backend confirms the association.
func (e *Engine) Start(ctx context.Context, req StartRequest) error {
	if err := e.Stop(ctx); err != nil {
		e.logger.Warn("Previous recording did not stop cleanly", zap.Error(err))
	}

	e.mu.Lock()
	e.attempt++
	attempt := e.attempt
	e.teardown = entities.TeardownIdle
	e.session = nil
	e.conn = nil
	e.capture = nil
	e.cancelPipeline = nil
	e.pipelineDone = nil
	e.associateSent = false
	e.socketFailed = false
	e.partial, e.final, e.lastErr = "", "", ""
	e.segments = nil
	e.deviceErr = nil
	e.framesSent, e.framesDropped = 0, 0
	e.recording = entities.RecordingStateStarting
	e.mu.Unlock()
	e.emit(Event{Kind: EventRecordingState, RecordingState: entities.RecordingStateStarting})

	info, err := e.sessions.CreateSession(ctx, repositories.SessionRequest{
		PatientID: req.PatientID,
		ChartType: req.ChartType,
	})
	if err != nil {
		e.logger.Error("Failed to create transcription session", zap.Error(err))
		e.failAttempt(attempt, msgSessionFailed)
		return fmt.Errorf("create session: %w", err)
	}

	session := entities.NewTranscriptionSession(info.SessionID, info.TranscriptionEndpoint)
	session.PatientID = req.PatientID
	session.ChartType = req.ChartType
	session.CreatedAt = e.clock.Now()
	if err := session.Validate(); err != nil {
		e.failAttempt(attempt, msgSessionFailed)
		return fmt.Errorf("create session: %w", err)
	}

	conn := e.dial(session.Endpoint, connection.Handlers{
		OnMessage:     func(frame []byte) { e.handleFrame(attempt, frame) },
		OnStateChange: func(state entities.ConnectionState) { e.handleState(attempt, state) },
	})

	e.mu.Lock()
	if e.attempt != attempt || e.teardown != entities.TeardownIdle {
		e.mu.Unlock()
		// stopped while the session was being created
		e.releaseSession(session.SessionID)
		return context.Canceled
	}
	e.session = session
	e.session.RecordingState = e.recording
	e.conn = conn
	e.mu.Unlock()

	logger := e.logger.With(zap.String("session_id", session.SessionID))
	logger.Info("Transcription session created", zap.String("endpoint", session.Endpoint))

	if err := conn.Connect(ctx); err != nil {
		logger.Error("Failed to open transcription socket", zap.Error(err))
		e.failAttempt(attempt, msgConnectFailed)
		return fmt.Errorf("connect: %w", err)
	}

	e.mu.Lock()
	advanced := e.attempt == attempt && e.recording == entities.RecordingStateStarting
	if advanced {
		e.setRecordingLocked(entities.RecordingStateAssociating)
	}
	e.mu.Unlock()
	if advanced {
		e.emit(Event{Kind: EventRecordingState, RecordingState: entities.RecordingStateAssociating})
	}
	return nil
}

func (e *Engine) handleState(attempt int, state entities.ConnectionState) {
	e.mu.Lock()
	if attempt != e.attempt {
		e.mu.Unlock()
		return
	}
	if e.session != nil {
		e.session.ConnectionState = state
	}
	if state == entities.ConnectionStateError {
		e.socketFailed = true
	}
	lost := state == entities.ConnectionStateDisconnected &&
		e.teardown == entities.TeardownIdle &&
		e.session != nil
	failed := e.socketFailed
	e.mu.Unlock()

	e.emit(Event{Kind: EventConnectionState, ConnectionState: state})
	if !lost {
		return
	}

	if failed {
		e.logger.Warn("Transcription socket failed while recording")
		e.failAttempt(attempt, msgConnectionLost)
		return
	}
	// the backend closed the session cleanly
	e.logger.Info("Transcription socket closed by backend")
	e.stopAttempt(attempt, msgSessionEnded)
}

func (e *Engine) handleFrame(attempt int, frame []byte) {
	event, err := protocol.Decode(frame)
	if err != nil {
		e.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	switch ev := event.(type) {
	case protocol.AuthSuccess:
		e.logger.Debug("Transcription socket authenticated")
	case protocol.StatusUpdate:
		if ev.Ready() {
			e.associate(attempt)
		} else {
			e.logger.Debug("Transcription status", zap.String("status", ev.Data.Status))
		}
	case protocol.SessionAssociated:
		e.onAssociated(attempt, ev.SessionID)
	case protocol.TranscriptPartial:
		e.mu.Lock()
		e.partial = ev.Data.Transcript
		e.mu.Unlock()
		e.emit(Event{Kind: EventPartial, Text: ev.Data.Transcript})
	case protocol.TranscriptComplete:
		e.mu.Lock()
		e.final = ev.Data.Transcript
		e.partial = ""
		e.segments = append(e.segments, ev.Data.Transcript)
		e.mu.Unlock()
		e.emit(Event{Kind: EventFinal, Text: ev.Data.Transcript})
	case protocol.ErrorMessage:
		e.mu.Lock()
		e.lastErr = ev.Text()
		e.mu.Unlock()
		e.logger.Warn("Transcription backend reported error", zap.String("error", ev.Text()))
		e.emit(Event{Kind: EventError, Text: ev.Text()})
	default:
		e.logger.Warn("Unhandled message type", zap.String("type", string(event.MessageType())))
	}
}

func (e *Engine) associate(attempt int) {
	e.mu.Lock()
	if attempt != e.attempt || e.session == nil || e.associateSent || e.teardown != entities.TeardownIdle {
		e.mu.Unlock()
		return
	}
	e.associateSent = true
	conn := e.conn
	sessionID := e.session.SessionID
	e.mu.Unlock()

	if err := conn.Send(protocol.NewAssociateSession(sessionID, e.clock.Now())); err != nil {
		e.logger.Error("Failed to send session association", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	e.logger.Info("Requested session association", zap.String("session_id", sessionID))
}

func (e *Engine) onAssociated(attempt int, sessionID string) {
	e.mu.Lock()
	if attempt != e.attempt || e.session == nil || e.teardown != entities.TeardownIdle {
		e.mu.Unlock()
		return
	}
	if sessionID != "" && sessionID != e.session.SessionID {
		e.mu.Unlock()
		e.logger.Warn("Association for a different session ignored",
			zap.String("session_id", sessionID),
		)
		return
	}
	if e.session.Associated {
		e.mu.Unlock()
		return
	}
	e.session.Associated = true
	sessionID = e.session.SessionID
	e.mu.Unlock()

	e.logger.Info("Session associated, starting capture", zap.String("session_id", sessionID))
	e.emit(Event{Kind: EventAssociated})

	if err := e.startCapture(attempt, sessionID); err != nil {
		devErr := audio.ClassifyDeviceError(err)
		e.logger.Error("Failed to acquire capture device",
			zap.String("kind", string(devErr.Kind)),
			zap.Error(err),
		)
		e.mu.Lock()
		if attempt == e.attempt {
			e.deviceErr = devErr
		}
		e.mu.Unlock()
		e.failAttempt(attempt, devErr.Message)
	}
}

func (e *Engine) startCapture(attempt int, sessionID string) error {
	if e.opts.Device == nil {
		return audio.ErrNoDevice
	}
	capture, err := e.opts.Device.Open(context.Background(), e.opts.Format)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	e.mu.Lock()
	if attempt != e.attempt || e.teardown != entities.TeardownIdle {
		e.mu.Unlock()
		cancel()
		return audio.Release(capture)
	}
	e.capture = capture
	e.cancelPipeline = cancel
	e.pipelineDone = done
	e.setRecordingLocked(entities.RecordingStateRecording)
	e.mu.Unlock()

	e.emit(Event{Kind: EventRecordingState, RecordingState: entities.RecordingStateRecording})
	go e.runPipeline(ctx, attempt, sessionID, capture, done)
	return nil
}

// runPipeline pulls captured blocks and forwards them as audio frames
func (e *Engine) runPipeline(ctx context.Context, attempt int, sessionID string, capture audio.Capture, done chan struct{}) {
	defer close(done)

	for block, err := range audio.Blocks(ctx, capture) {
		if err != nil {
			devErr := audio.ClassifyDeviceError(err)
			e.logger.Error("Audio capture failed", zap.Error(err))
			e.mu.Lock()
			if attempt == e.attempt {
				e.deviceErr = devErr
			}
			e.mu.Unlock()
			// the teardown waits for this goroutine to exit
			go e.failAttempt(attempt, devErr.Message)
			return
		}
		if err := e.sendFrame(attempt, sessionID, audio.EncodeBlock(block)); errors.Is(err, ErrNotAssociated) {
			return
		}
	}
}

// sendFrame sends one encoded frame. Frames are dropped while the socket is
// not open; sending before association is refused.
func (e *Engine) sendFrame(attempt int, sessionID, pcmBase64 string) error {
	e.mu.Lock()
	if attempt != e.attempt || !e.session.CanStream(sessionID) {
		e.mu.Unlock()
		e.logger.DPanic("Audio frame before session association",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
		)
		return ErrNotAssociated
	}
	conn := e.conn
	e.mu.Unlock()

	err := conn.Send(protocol.NewAudioData(sessionID, pcmBase64, e.clock.Now()))

	e.mu.Lock()
	if err != nil {
		e.framesDropped++
	} else {
		e.framesSent++
	}
	e.mu.Unlock()

	if err != nil && !errors.Is(err, connection.ErrNotConnected) {
		e.logger.Warn("Failed to send audio frame", zap.Error(err))
	}
	return err
}

func (e *Engine) setRecordingLocked(state entities.RecordingState) {
	e.recording = state
	if e.session != nil {
		e.session.RecordingState = state
	}
}

func (e *Engine) sessionIDLocked() string {
	if e.session == nil {
		return ""
	}
	return e.session.SessionID
}

// SessionID returns the id of the current backend session, if any
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionIDLocked()
}

func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	default:
	}
}
