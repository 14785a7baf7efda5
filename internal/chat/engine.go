// Package chat implements the streaming chat engine: optimistic sends with a
// delivery status, stream buffering between start and complete envelopes,
// first-message gating and a stall watchdog.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
	"github.com/satriahrh/medspa-realtime/internal/connection"
	"github.com/satriahrh/medspa-realtime/internal/protocol"
)

const (
	// DefaultStreamTimeout bounds the silence between stream events
	DefaultStreamTimeout = 90 * time.Second

	errStreamTimeout = "response timed out"

	eventBufferSize = 256
)

// Options configures a chat engine
type Options struct {
	URL string

	// Thread seeds the conversation. A thread holding exactly one user
	// message has it sent on the first successful connection.
	Thread entities.Thread

	PatientID      string
	Patient        *entities.PatientContext
	ContextEnabled bool

	Debug      bool
	ForceFresh bool

	// StreamTimeout defaults to DefaultStreamTimeout; negative disables the watchdog
	StreamTimeout time.Duration

	MaxRetries int
	RetryDelay time.Duration

	Clock  clock.Clock
	Dialer *websocket.Dialer
}

// transport is the part of connection.Manager the engine drives
type transport interface {
	Connect(ctx context.Context) error
	Send(v any) error
	Close() error
}

// Engine runs one chat conversation over one managed socket
type Engine struct {
	opts     Options
	conn     transport
	observer repositories.DeliveryObserver
	logger   *zap.Logger
	clock    clock.Clock

	mu          sync.Mutex
	thread      entities.Thread
	buffer      strings.Builder
	streaming   bool
	loading     bool
	lastErr     string
	initialSent bool
	connState   entities.ConnectionState
	watchdog    *clock.Timer
	streamSeq   int

	events chan Event
}

// NewEngine creates a chat engine backed by a reconnecting websocket.
// observer may be nil.
func NewEngine(opts Options, tokens repositories.TokenProvider, observer repositories.DeliveryObserver, logger *zap.Logger) *Engine {
	e := newEngine(opts, observer, logger)

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = connection.DefaultMaxRetries
	}
	e.conn = connection.New(connection.Config{
		URL:        opts.URL,
		MaxRetries: maxRetries,
		RetryDelay: opts.RetryDelay,
		Clock:      e.clock,
		Dialer:     opts.Dialer,
	}, tokens, connection.Handlers{
		OnMessage:     e.handleFrame,
		OnStateChange: e.handleState,
	}, e.logger)
	return e
}

func newEngine(opts Options, observer repositories.DeliveryObserver, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.StreamTimeout == 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}

	thread := opts.Thread
	if thread.ID == "" {
		thread.ID = uuid.NewString()
	}
	if thread.PatientID == "" {
		thread.PatientID = opts.PatientID
	}
	thread.Messages = append([]entities.ChatMessage(nil), opts.Thread.Messages...)
	for i := range thread.Messages {
		if thread.Messages[i].ThreadID == "" {
			thread.Messages[i].ThreadID = thread.ID
		}
		if thread.Messages[i].Status == "" {
			thread.Messages[i].Status = entities.MessageStatusPending
		}
	}

	return &Engine{
		opts:      opts,
		observer:  observer,
		logger:    logger.With(zap.String("conversation_id", thread.ID)),
		clock:     opts.Clock,
		thread:    thread,
		connState: entities.ConnectionStateDisconnected,
		events:    make(chan Event, eventBufferSize),
	}
}

// ConversationID identifies the thread on the wire
func (e *Engine) ConversationID() string {
	return e.thread.ID
}

// Events streams engine changes. Delivery is best effort; events are dropped
// when the consumer falls behind.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Connect opens the chat socket
func (e *Engine) Connect(ctx context.Context) error {
	return e.conn.Connect(ctx)
}

// Close shuts the socket down cleanly and stops the watchdog
func (e *Engine) Close() error {
	e.mu.Lock()
	e.stopWatchdogLocked()
	e.mu.Unlock()
	return e.conn.Close()
}

// SendMessage appends a pending user message and sends it. Nothing happens
// while the socket is not connected. It reports whether the frame was written;
// the message is marked failed otherwise.
func (e *Engine) SendMessage(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	e.mu.Lock()
	if e.connState != entities.ConnectionStateConnected {
		e.mu.Unlock()
		e.logger.Debug("Ignoring send while disconnected")
		return false
	}
	msg := entities.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    entities.SenderUser,
		Text:      text,
		ThreadID:  e.thread.ID,
		CreatedAt: e.clock.Now(),
		Status:    entities.MessageStatusPending,
	}
	e.thread.Messages = append(e.thread.Messages, msg)
	e.mu.Unlock()

	e.emit(Event{Kind: EventMessage, Message: msg})
	return e.transmit(msg)
}

// transmit writes the chat envelope for msg and settles its status. It must
// be called without e.mu held since a failed write reports a state change
// synchronously.
func (e *Engine) transmit(msg entities.ChatMessage) bool {
	req := &protocol.ChatRequest{
		Type:           protocol.MessageTypeChat,
		Message:        msg.Text,
		ConversationID: e.thread.ID,
		Streaming:      true,
		CacheControl: protocol.CacheControl{
			Debug:      e.opts.Debug,
			ForceFresh: e.opts.ForceFresh,
		},
	}
	if e.opts.ContextEnabled {
		req.PatientID = e.thread.PatientID
		req.PatientInfo = e.opts.Patient
	}

	err := e.conn.Send(req)
	if err != nil {
		e.logger.Error("Failed to send chat message", zap.String("message_id", msg.ID), zap.Error(err))
	}

	e.mu.Lock()
	var settled entities.ChatMessage
	changed := false
	for i := range e.thread.Messages {
		if e.thread.Messages[i].ID == msg.ID {
			changed = e.thread.Messages[i].Settle(err == nil)
			settled = e.thread.Messages[i]
			break
		}
	}
	e.mu.Unlock()

	if changed {
		e.emit(Event{Kind: EventMessageStatus, Message: settled})
	}
	return err == nil
}

func (e *Engine) handleState(state entities.ConnectionState) {
	e.mu.Lock()
	e.connState = state
	var seed *entities.ChatMessage
	if state == entities.ConnectionStateConnected && !e.initialSent {
		e.initialSent = true
		if users := e.thread.UserMessages(); len(users) == 1 && users[0].Status == entities.MessageStatusPending {
			seed = &users[0]
		}
	}
	e.mu.Unlock()

	e.emit(Event{Kind: EventState, State: state})
	if seed != nil {
		e.logger.Info("Sending initial thread message", zap.String("message_id", seed.ID))
		e.transmit(*seed)
	}
}

func (e *Engine) handleFrame(frame []byte) {
	event, err := protocol.Decode(frame)
	if err != nil {
		e.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	switch ev := event.(type) {
	case protocol.AuthSuccess:
		e.logger.Debug("Chat socket authenticated")
	case protocol.ChatStreamStart:
		e.startStream()
	case protocol.ChatStreamChunk:
		e.appendChunk(protocol.ExtractChunkText(ev.Chunk))
	case protocol.ChatStreamComplete:
		e.finish(ev.Response)
	case protocol.ChatResponse:
		e.finish(ev.Response)
	case protocol.ErrorMessage:
		e.fail(ev.Text())
	default:
		e.logger.Warn("Unhandled message type", zap.String("type", string(event.MessageType())))
	}
}

func (e *Engine) startStream() {
	e.mu.Lock()
	e.buffer.Reset()
	e.streaming = true
	e.loading = true
	e.lastErr = ""
	e.armWatchdogLocked()
	e.mu.Unlock()

	e.emit(Event{Kind: EventStreamStart})
}

func (e *Engine) appendChunk(text string) {
	e.mu.Lock()
	e.buffer.WriteString(text)
	if e.streaming {
		e.armWatchdogLocked()
	}
	e.mu.Unlock()

	e.emit(Event{Kind: EventStreamChunk, Text: text})
}

// finish finalizes a response. Content delivered with the terminal event,
// even null, replaces whatever was buffered.
func (e *Engine) finish(resp *protocol.ResponseBody) {
	e.mu.Lock()
	text, present := resp.Text()
	if !present {
		text = e.buffer.String()
	}
	msg := entities.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    entities.SenderAssistant,
		Text:      protocol.Sanitize(text),
		ThreadID:  e.thread.ID,
		CreatedAt: e.clock.Now(),
		Status:    entities.MessageStatusSent,
	}
	e.thread.Messages = append(e.thread.Messages, msg)
	e.buffer.Reset()
	e.streaming = false
	e.loading = false
	e.stopWatchdogLocked()
	e.mu.Unlock()

	e.emit(Event{Kind: EventMessage, Message: msg})
	if resp != nil && resp.Metadata != nil && e.observer != nil {
		e.observer.ObserveDelivery(e.thread.ID, *resp.Metadata)
	}
}

func (e *Engine) fail(text string) {
	e.mu.Lock()
	e.loading = false
	e.streaming = false
	e.lastErr = text
	e.stopWatchdogLocked()
	e.mu.Unlock()

	e.logger.Warn("Chat backend reported error", zap.String("error", text))
	e.emit(Event{Kind: EventError, Text: text})
}

func (e *Engine) armWatchdogLocked() {
	e.stopWatchdogLocked()
	if e.opts.StreamTimeout < 0 {
		return
	}
	seq := e.streamSeq
	e.watchdog = e.clock.AfterFunc(e.opts.StreamTimeout, func() {
		e.onStall(seq)
	})
}

func (e *Engine) stopWatchdogLocked() {
	e.streamSeq++
	if e.watchdog != nil {
		e.watchdog.Stop()
		e.watchdog = nil
	}
}

func (e *Engine) onStall(seq int) {
	e.mu.Lock()
	if seq != e.streamSeq || !e.loading {
		e.mu.Unlock()
		return
	}
	e.watchdog = nil
	e.buffer.Reset()
	e.streaming = false
	e.loading = false
	e.lastErr = errStreamTimeout
	e.mu.Unlock()

	e.logger.Warn("Chat stream stalled", zap.Duration("timeout", e.opts.StreamTimeout))
	e.emit(Event{Kind: EventError, Text: errStreamTimeout})
}

func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	default:
	}
}
