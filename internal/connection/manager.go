// Package connection owns one client websocket and its lifecycle: token
// fetch, auth-on-open, keepalive and bounded fixed-delay reconnects.
package connection

import (
	"context"
	"encoding/json"
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
	"github.com/satriahrh/medspa-realtime/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	defaultConnectTimeout = 15 * time.Second

	// DefaultMaxRetries caps reconnect attempts of the chat socket
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the fixed delay between reconnect attempts
	DefaultRetryDelay = 2 * time.Second
)

var (
	// ErrNotConnected is returned by Send when no socket is open
	ErrNotConnected = errors.New("connection is not open")
	// ErrClosed is returned when Close was called while a connect was in flight
	ErrClosed = errors.New("connection closed by caller")
)

// Config holds the settings of one managed socket
type Config struct {
	URL    string
	Header http.Header

	// MaxRetries bounds reconnects after an unclean close. Zero disables them.
	MaxRetries int
	RetryDelay time.Duration

	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	ConnectTimeout time.Duration
	MaxMessageSize int64

	Dialer *websocket.Dialer
	Clock  clock.Clock
}

func (c Config) withDefaults() Config {
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.WriteWait <= 0 {
		c.WriteWait = writeWait
	}
	if c.PongWait <= 0 {
		c.PongWait = pongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = maxMessageSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Handlers receive socket events. Both are invoked without any manager lock
// held; messages arrive in order from a single read goroutine.
type Handlers struct {
	OnMessage     func(frame []byte)
	OnStateChange func(state entities.ConnectionState)
}

// Manager owns at most one open websocket at a time
type Manager struct {
	cfg      Config
	tokens   repositories.TokenProvider
	handlers Handlers
	logger   *zap.Logger

	mu        sync.Mutex
	state     entities.ConnectionState
	retries   int
	link      *link
	reconnect *clock.Timer
	closing   bool
	epoch     int
	baseCtx   context.Context
}

// New creates a manager. tokens may be nil for unauthenticated sockets.
func New(cfg Config, tokens repositories.TokenProvider, handlers Handlers, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		tokens:   tokens,
		handlers: handlers,
		logger:   logger.With(zap.String("url", cfg.URL)),
		state:    entities.ConnectionStateDisconnected,
		baseCtx:  context.Background(),
	}
}

// State returns the current connection state
func (m *Manager) State() entities.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the socket. It is a no-op while a socket is connecting or open.
// A token failure leaves the manager in the error state without dialing;
// a dial failure goes through the reconnect policy.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == entities.ConnectionStateConnecting || m.state == entities.ConnectionStateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	// a link left behind by a transport error has not run its close handling yet
	prev := m.link
	m.link = nil
	m.closing = false
	m.retries = 0
	m.epoch++
	epoch := m.epoch
	m.baseCtx = context.WithoutCancel(ctx)
	m.mu.Unlock()

	if prev != nil {
		prev.shutdown(0, m.cfg.WriteWait)
	}
	return m.dial(ctx, epoch)
}

func (m *Manager) dial(ctx context.Context, epoch int) error {
	if !m.transitionIf(epoch, entities.ConnectionStateConnecting) {
		return ErrClosed
	}

	var token string
	if m.tokens != nil {
		var err error
		token, err = m.tokens.Token(ctx)
		if err != nil {
			m.logger.Error("Failed to fetch connection token", zap.Error(err))
			m.transitionIf(epoch, entities.ConnectionStateError)
			return fmt.Errorf("fetch token: %w", err)
		}
	}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.cfg.ConnectTimeout)
		defer cancel()
	}

	conn, resp, err := m.cfg.Dialer.DialContext(dialCtx, m.cfg.URL, m.cfg.Header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		m.logger.Error("Failed to dial websocket", zap.Error(err))
		if m.transitionIf(epoch, entities.ConnectionStateError) {
			m.settle(epoch, false)
		}
		return fmt.Errorf("dial: %w", err)
	}

	l := &link{conn: conn, done: make(chan struct{})}

	m.mu.Lock()
	if m.closing || m.epoch != epoch {
		m.mu.Unlock()
		l.shutdown(0, m.cfg.WriteWait)
		return ErrClosed
	}
	m.link = l
	m.mu.Unlock()

	if m.tokens != nil {
		data, _ := protocol.Encode(protocol.NewAuth(token))
		if err := l.write(data, m.cfg.WriteWait); err != nil {
			m.transportError(l, fmt.Errorf("send auth: %w", err))
			m.handleClose(l, websocket.CloseAbnormalClosure)
			return fmt.Errorf("send auth: %w", err)
		}
	}

	m.mu.Lock()
	if m.link != l {
		m.mu.Unlock()
		return ErrClosed
	}
	m.retries = 0
	changed := m.setStateLocked(entities.ConnectionStateConnected)
	m.mu.Unlock()

	m.logger.Info("WebSocket connected")
	go m.readPump(l)
	go m.pingPump(l)
	m.notify(changed, entities.ConnectionStateConnected)
	return nil
}

// Send writes v as a single JSON text frame. It fails with ErrNotConnected
// unless the socket is open; a write failure is a transport error.
func (m *Manager) Send(v any) error {
	m.mu.Lock()
	l := m.link
	state := m.state
	m.mu.Unlock()

	if l == nil || state != entities.ConnectionStateConnected {
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := l.write(data, m.cfg.WriteWait); err != nil {
		m.transportError(l, err)
		// the read pump observes the closed socket and runs the close handling
		l.closeConn()
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close performs a clean shutdown: any pending reconnect is cancelled, a
// normal closure frame is sent and the socket is closed. Safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closing = true
	m.epoch++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	l := m.link
	m.link = nil
	changed := m.setStateLocked(entities.ConnectionStateDisconnected)
	m.mu.Unlock()

	if l != nil {
		l.shutdown(websocket.CloseNormalClosure, m.cfg.WriteWait)
		m.logger.Info("WebSocket closed by client")
	}
	m.notify(changed, entities.ConnectionStateDisconnected)
	return nil
}

func (m *Manager) readPump(l *link) {
	code := websocket.CloseAbnormalClosure
	defer func() {
		m.handleClose(l, code)
	}()

	l.conn.SetReadLimit(m.cfg.MaxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		return nil
	})

	for {
		messageType, message, err := l.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					m.logger.Warn("WebSocket closed unexpectedly", zap.Int("code", closeErr.Code), zap.String("reason", closeErr.Text))
				}
			} else {
				m.transportError(l, err)
			}
			return
		}

		if messageType != websocket.TextMessage {
			m.logger.Warn("Received non-text frame", zap.Int("type", messageType))
			continue
		}
		if m.handlers.OnMessage != nil {
			m.handlers.OnMessage(message)
		}
	}
}

func (m *Manager) pingPump(l *link) {
	ticker := m.cfg.Clock.Ticker(m.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.ping(m.cfg.WriteWait); err != nil {
				m.transportError(l, fmt.Errorf("ping: %w", err))
				l.closeConn()
				return
			}
		}
	}
}

// transportError records a read or write failure on the current link. The
// reconnect decision is left to the close handling that follows.
func (m *Manager) transportError(l *link, err error) {
	if !l.failed.CompareAndSwap(false, true) {
		return
	}
	m.mu.Lock()
	if m.link != l || m.closing {
		m.mu.Unlock()
		return
	}
	changed := m.setStateLocked(entities.ConnectionStateError)
	m.mu.Unlock()

	m.logger.Error("WebSocket transport error", zap.Error(err))
	m.notify(changed, entities.ConnectionStateError)
}

// handleClose runs once per link when its read side ends
func (m *Manager) handleClose(l *link, code int) {
	m.mu.Lock()
	if m.link != l {
		// superseded or closed by Close
		m.mu.Unlock()
		return
	}
	m.link = nil
	epoch := m.epoch
	m.mu.Unlock()

	l.shutdown(0, m.cfg.WriteWait)
	m.settle(epoch, code == websocket.CloseNormalClosure)
}

// settle applies the reconnect policy after a socket went away
func (m *Manager) settle(epoch int, clean bool) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}

	var next entities.ConnectionState
	switch {
	case clean || m.closing:
		next = entities.ConnectionStateDisconnected
	case m.retries < m.cfg.MaxRetries:
		m.retries++
		next = entities.ConnectionStateClosed
		attempt := m.retries
		m.reconnect = m.cfg.Clock.AfterFunc(m.cfg.RetryDelay, func() {
			m.reconnectNow(epoch)
		})
		m.logger.Info("Scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", m.cfg.MaxRetries),
			zap.Duration("delay", m.cfg.RetryDelay),
		)
	default:
		next = entities.ConnectionStateDisconnected
		if m.cfg.MaxRetries > 0 {
			m.logger.Warn("Reconnect attempts exhausted", zap.Int("max_retries", m.cfg.MaxRetries))
		}
	}
	changed := m.setStateLocked(next)
	m.mu.Unlock()

	m.notify(changed, next)
}

func (m *Manager) reconnectNow(epoch int) {
	m.mu.Lock()
	if m.closing || m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.reconnect = nil
	ctx := m.baseCtx
	m.mu.Unlock()

	if err := m.dial(ctx, epoch); err != nil {
		m.logger.Warn("Reconnect attempt failed", zap.Error(err))
	}
}

// transitionIf moves to state when epoch is still current and no close was requested
func (m *Manager) transitionIf(epoch int, state entities.ConnectionState) bool {
	m.mu.Lock()
	if m.closing || m.epoch != epoch {
		m.mu.Unlock()
		return false
	}
	changed := m.setStateLocked(state)
	m.mu.Unlock()
	m.notify(changed, state)
	return true
}

func (m *Manager) setStateLocked(state entities.ConnectionState) bool {
	if m.state == state {
		return false
	}
	m.state = state
	return true
}

func (m *Manager) notify(changed bool, state entities.ConnectionState) {
	if !changed {
		return
	}
	m.logger.Debug("Connection state changed", zap.String("state", string(state)))
	if m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(state)
	}
}
