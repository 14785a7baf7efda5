package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
	"github.com/satriahrh/medspa-realtime/internal/auth"
	"github.com/satriahrh/medspa-realtime/internal/protocol"
)

const maxHistoryTurns = 40

// ChatHandler serves the chat streaming socket. The first frame must be an
// auth envelope carrying a valid bearer token.
type ChatHandler struct {
	hub       *Hub
	issuer    *auth.Issuer
	responder repositories.ChatResponder
	clock     clock.Clock
	logger    *zap.Logger

	mu sync.Mutex
	// conversation id -> prior turns, kept across reconnects
	histories map[string][]repositories.ChatTurn
}

// NewChatHandler creates a chat socket handler
func NewChatHandler(hub *Hub, issuer *auth.Issuer, responder repositories.ChatResponder, clk clock.Clock, logger *zap.Logger) *ChatHandler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatHandler{
		hub:       hub,
		issuer:    issuer,
		responder: responder,
		clock:     clk,
		logger:    logger.Named("chat"),
		histories: make(map[string][]repositories.ChatTurn),
	}
}

// ServeWS upgrades the request and starts serving chat frames
func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.hub.serve(conn, "chat", &chatConn{h: h, ctx: ctx, cancel: cancel})
	return nil
}

// chatConn is the per-socket chat state
type chatConn struct {
	h      *ChatHandler
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	claims *auth.JWTClaims

	// one reply at a time per socket
	replyMu sync.Mutex
}

func (cc *chatConn) authenticated() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.claims != nil
}

func (cc *chatConn) handleMessage(c *Client, message []byte) {
	var header struct {
		Type protocol.MessageType `json:"type"`
	}
	if err := json.Unmarshal(message, &header); err != nil {
		cc.h.logger.Warn("Failed to parse message", zap.Error(err))
		c.sendError("invalid message format")
		return
	}

	switch header.Type {
	case protocol.MessageTypeAuth:
		cc.handleAuth(c, message)
	case protocol.MessageTypeChat:
		if !cc.authenticated() {
			c.sendError("authentication required")
			c.closeWith(websocket.ClosePolicyViolation, "authentication required")
			return
		}
		var req protocol.ChatRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendError("invalid chat message")
			return
		}
		if strings.TrimSpace(req.Message) == "" {
			c.sendError("message is required")
			return
		}
		go cc.reply(c, req)
	default:
		cc.h.logger.Warn("Unknown message type", zap.String("type", string(header.Type)))
	}
}

func (cc *chatConn) handleAuth(c *Client, message []byte) {
	var msg protocol.AuthMessage
	if err := json.Unmarshal(message, &msg); err != nil || msg.Token == "" {
		c.sendError("missing token")
		c.closeWith(websocket.ClosePolicyViolation, "missing token")
		return
	}

	claims, err := cc.h.issuer.ValidateToken(msg.Token)
	if err != nil {
		cc.h.logger.Warn("Chat connection rejected: invalid token", zap.Error(err))
		c.sendError("invalid or expired token")
		c.closeWith(websocket.ClosePolicyViolation, "invalid token")
		return
	}

	cc.mu.Lock()
	cc.claims = claims
	cc.mu.Unlock()

	cc.h.logger.Info("Chat connection authenticated",
		zap.String("client_id", claims.ClientID),
		zap.String("clientID", c.id))
	c.sendJSON(outbound{Type: protocol.MessageTypeAuthSuccess})
}

func (cc *chatConn) closed(c *Client) {
	cc.cancel()
}

// reply streams the responder output for one chat request
func (cc *chatConn) reply(c *Client, req protocol.ChatRequest) {
	cc.replyMu.Lock()
	defer cc.replyMu.Unlock()

	h := cc.h
	started := h.clock.Now()
	logger := h.logger.With(zap.String("conversation_id", req.ConversationID))

	if req.Streaming {
		c.sendJSON(outbound{Type: protocol.MessageTypeChatStreamStart})
	}

	chunks, err := h.responder.StreamReply(cc.ctx, repositories.ReplyRequest{
		ConversationID: req.ConversationID,
		Message:        req.Message,
		History:        h.history(req.ConversationID),
		Patient:        req.PatientInfo,
	})
	if err != nil {
		logger.Error("Failed to start reply", zap.Error(err))
		c.sendError("failed to generate response")
		return
	}

	var full strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			logger.Error("Reply stream failed", zap.Error(chunk.Err))
			c.sendError("failed to generate response")
			return
		}
		if chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		if req.Streaming {
			c.sendJSON(outbound{
				Type:  protocol.MessageTypeChatStreamChunk,
				Chunk: map[string]string{"content": chunk.Text},
			})
		}
	}
	if cc.ctx.Err() != nil {
		return
	}

	cacheHit := false
	metadata := entities.DeliveryMetadata{
		Model:            h.responder.Model(),
		ProcessingTimeMs: h.clock.Since(started).Milliseconds(),
		CacheHit:         &cacheHit,
	}
	if req.PatientInfo != nil {
		score := 1.0
		metadata.ContextIntegrationScore = &score
	}

	msgType := protocol.MessageTypeChatResponse
	if req.Streaming {
		msgType = protocol.MessageTypeChatStreamComplete
	}
	c.sendJSON(outbound{
		Type:     msgType,
		Response: &responseBody{Content: full.String(), Metadata: metadata},
	})

	h.remember(req.ConversationID, req.Message, full.String())
	logger.Info("Chat reply delivered",
		zap.Int("length", full.Len()),
		zap.Int64("processing_ms", metadata.ProcessingTimeMs))
}

func (h *ChatHandler) history(conversationID string) []repositories.ChatTurn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]repositories.ChatTurn(nil), h.histories[conversationID]...)
}

func (h *ChatHandler) remember(conversationID, user, assistant string) {
	if conversationID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	turns := append(h.histories[conversationID],
		repositories.ChatTurn{Role: repositories.UserRole, Content: user},
		repositories.ChatTurn{Role: repositories.AssistantRole, Content: assistant},
	)
	if len(turns) > maxHistoryTurns {
		turns = turns[len(turns)-maxHistoryTurns:]
	}
	h.histories[conversationID] = turns
}
