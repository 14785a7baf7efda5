package devserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
	"github.com/satriahrh/medspa-realtime/internal/auth"
	"github.com/satriahrh/medspa-realtime/internal/protocol"
)

var (
	ErrSessionInactive = errors.New("session is not active")
)

const storeTimeout = 5 * time.Second

// DefaultAudioConfig matches the PCM produced by the capture pipeline
var DefaultAudioConfig = repositories.AudioConfig{
	SampleRate: 16000,
	Encoding:   "LINEAR16",
	Language:   "en-US",
}

// TranscriptionHandler serves the per-session transcription socket
type TranscriptionHandler struct {
	hub         *Hub
	issuer      *auth.Issuer
	sessions    repositories.SessionRepository
	stt         repositories.SpeechToText
	audioConfig repositories.AudioConfig
	clock       clock.Clock
	logger      *zap.Logger
}

// NewTranscriptionHandler creates a transcription socket handler
func NewTranscriptionHandler(
	hub *Hub,
	issuer *auth.Issuer,
	sessions repositories.SessionRepository,
	stt repositories.SpeechToText,
	audioConfig repositories.AudioConfig,
	clk clock.Clock,
	logger *zap.Logger,
) *TranscriptionHandler {
	if audioConfig.SampleRate == 0 {
		audioConfig = DefaultAudioConfig
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TranscriptionHandler{
		hub:         hub,
		issuer:      issuer,
		sessions:    sessions,
		stt:         stt,
		audioConfig: audioConfig,
		clock:       clk,
		logger:      logger.Named("transcription"),
	}
}

// ServeWS upgrades the request for sessionID. The session must exist and be
// active; otherwise an error is returned before the upgrade.
func (h *TranscriptionHandler) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) error {
	session, err := h.sessions.GetByID(r.Context(), sessionID)
	if err != nil {
		return err
	}
	if session.Status != entities.StoredSessionActive {
		return ErrSessionInactive
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	tc := &transcriptionConn{h: h, sessionID: sessionID, owner: session.ProviderID, ctx: ctx, cancel: cancel}
	client := h.hub.serve(conn, "transcription", tc)
	client.sendJSON(outbound{
		Type: protocol.MessageTypeStatusUpdate,
		Data: statusData{Status: "ready", Message: "transcription service ready"},
	})
	return nil
}

// transcriptionConn is the per-socket dictation state
type transcriptionConn struct {
	h         *TranscriptionHandler
	sessionID string
	// owner is the provider the session was created for
	owner  string
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	claims     *auth.JWTClaims
	associated bool
	stream     repositories.SpeechToTextStreaming
	forwarded  chan struct{}
	frames     int
}

func (tc *transcriptionConn) handleMessage(c *Client, message []byte) {
	var header struct {
		Type      protocol.MessageType `json:"type"`
		SessionID string               `json:"sessionId"`
	}
	if err := json.Unmarshal(message, &header); err != nil {
		tc.h.logger.Warn("Failed to parse message", zap.Error(err))
		c.sendError("invalid message format")
		return
	}

	switch header.Type {
	case protocol.MessageTypeAuth:
		tc.handleAuth(c, message)
	case protocol.MessageTypeAssociateSession:
		if !tc.requireAuth(c) {
			return
		}
		tc.associate(c, header.SessionID)
	case protocol.MessageTypeAudioData:
		if !tc.requireAuth(c) {
			return
		}
		var msg protocol.AudioDataMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("invalid audio message")
			return
		}
		tc.audio(c, msg)
	default:
		tc.h.logger.Warn("Unknown message type", zap.String("type", string(header.Type)))
	}
}

func (tc *transcriptionConn) handleAuth(c *Client, message []byte) {
	var msg protocol.AuthMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Token == "" {
		c.sendError("missing token")
		c.closeWith(websocket.ClosePolicyViolation, "missing token")
		return
	}

	claims, err := tc.h.issuer.ValidateToken(msg.Token)
	if err != nil {
		tc.h.logger.Warn("Transcription connection rejected: invalid token",
			zap.String("sessionID", tc.sessionID),
			zap.Error(err))
		c.sendError("invalid or expired token")
		c.closeWith(websocket.ClosePolicyViolation, "invalid token")
		return
	}
	if claims.ProviderID != tc.owner {
		tc.h.logger.Warn("Transcription connection rejected: foreign session",
			zap.String("sessionID", tc.sessionID),
			zap.String("client_id", claims.ClientID))
		c.sendError("session belongs to another provider")
		c.closeWith(websocket.ClosePolicyViolation, "forbidden")
		return
	}

	tc.mu.Lock()
	tc.claims = claims
	tc.mu.Unlock()
	c.sendJSON(outbound{Type: protocol.MessageTypeAuthSuccess})
}

// requireAuth closes the socket with a policy violation unless a valid
// token for the session owner was presented
func (tc *transcriptionConn) requireAuth(c *Client) bool {
	tc.mu.Lock()
	ok := tc.claims != nil
	tc.mu.Unlock()
	if !ok {
		c.sendError("authentication required")
		c.closeWith(websocket.ClosePolicyViolation, "authentication required")
	}
	return ok
}

func (tc *transcriptionConn) associate(c *Client, sessionID string) {
	if sessionID != tc.sessionID {
		c.sendError("session mismatch")
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.associated {
		c.sendJSON(outbound{Type: protocol.MessageTypeSessionAssociated, SessionID: sessionID})
		return
	}

	stream, err := tc.h.stt.InitTranscribeStreaming(tc.ctx, tc.h.audioConfig)
	if err != nil {
		tc.h.logger.Error("Failed to initialize streaming transcription",
			zap.String("sessionID", sessionID),
			zap.Error(err))
		c.sendError("failed to initialize transcription")
		return
	}
	tc.stream = stream
	tc.associated = true
	tc.forwarded = make(chan struct{})
	go tc.forward(c, stream, tc.forwarded)

	tc.touch(nil)
	tc.h.logger.Info("Session associated", zap.String("sessionID", sessionID))
	c.sendJSON(outbound{Type: protocol.MessageTypeSessionAssociated, SessionID: sessionID})
}

func (tc *transcriptionConn) audio(c *Client, msg protocol.AudioDataMessage) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if !tc.associated {
		c.sendError("session not associated")
		return
	}
	if msg.SessionID != tc.sessionID {
		c.sendError("session mismatch")
		return
	}

	pcm, err := base64.StdEncoding.DecodeString(msg.Data.Data)
	if err != nil {
		c.sendError("invalid audio payload")
		return
	}
	if err := tc.stream.Stream(pcm); err != nil {
		tc.h.logger.Error("Failed to stream audio data",
			zap.String("sessionID", tc.sessionID),
			zap.Error(err))
		c.sendError("transcription failed")
		return
	}

	tc.frames++
	if tc.frames%50 == 0 {
		tc.touch(nil)
	}
}

// forward relays recognition results to the client
func (tc *transcriptionConn) forward(c *Client, stream repositories.SpeechToTextStreaming, done chan struct{}) {
	defer close(done)
	for result := range stream.Results() {
		text := strings.TrimSpace(result.Text)
		if text == "" {
			continue
		}
		if result.IsFinal {
			c.sendJSON(outbound{Type: protocol.MessageTypeTranscriptComplete, Data: transcriptData{Transcript: text}})
			tc.touch(func(s *entities.StoredSession) {
				if s.Transcript != "" {
					s.Transcript += " "
				}
				s.Transcript += text
			})
			continue
		}
		c.sendJSON(outbound{Type: protocol.MessageTypeTranscriptPartial, Data: transcriptData{Transcript: text}})
	}
}

// touch refreshes the session activity and applies mutate
func (tc *transcriptionConn) touch(mutate func(*entities.StoredSession)) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	_, err := tc.h.sessions.Modify(ctx, tc.sessionID, func(s *entities.StoredSession) error {
		s.Touch(tc.h.clock.Now())
		if mutate != nil {
			mutate(s)
		}
		return nil
	})
	if err != nil {
		tc.h.logger.Warn("Failed to update session", zap.String("sessionID", tc.sessionID), zap.Error(err))
	}
}

func (tc *transcriptionConn) closed(c *Client) {
	tc.mu.Lock()
	stream, forwarded := tc.stream, tc.forwarded
	tc.stream = nil
	tc.mu.Unlock()

	if stream != nil {
		if _, err := stream.End(); err != nil {
			tc.h.logger.Debug("Transcription stream ended without result",
				zap.String("sessionID", tc.sessionID),
				zap.Error(err))
		}
		<-forwarded
	}
	tc.cancel()

	tc.touch(nil)
	tc.mu.Lock()
	frames := tc.frames
	tc.mu.Unlock()
	tc.h.logger.Info("Transcription socket closed",
		zap.String("sessionID", tc.sessionID),
		zap.Int("frames", frames))
}
