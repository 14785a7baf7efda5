// Package devserver is a development backend that speaks the chat and
// transcription wire protocols of the streaming engines.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

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
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub maintains the set of active clients of both socket kinds
type Hub struct {
	// Registered clients.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	done chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop. When ctx is done every client is closed
// with a going-away frame and Run returns.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("clientID", client.id), zap.String("kind", client.kind))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.release()
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("clientID", client.id))

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				client.closeWith(websocket.CloseGoingAway, "server shutting down")
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Count returns the number of registered clients
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handler processes the frames of one connection
type handler interface {
	handleMessage(c *Client, message []byte)
	// closed runs once after the read loop ends
	closed(c *Client)
}

// serve registers conn and starts its pumps
func (h *Hub) serve(conn *websocket.Conn, kind string, hd handler) *Client {
	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan WriteData, sendBufferSize),
		done:    make(chan struct{}),
		id:      uuid.New().String(),
		kind:    kind,
		handler: hd,
		logger:  h.logger,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return client
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return client
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.CloseMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// closed when the client leaves the hub
	done        chan struct{}
	releaseOnce sync.Once

	id      string
	kind    string
	handler handler

	logger *zap.Logger
}

func (c *Client) release() {
	c.releaseOnce.Do(func() { close(c.done) })
}

// sendJSON queues one envelope. A client whose buffer is full is dropped.
func (c *Client) sendJSON(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: payload}:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("Send buffer full, dropping client", zap.String("clientID", c.id))
		c.conn.Close()
		return false
	}
}

// sendError queues an application error envelope
func (c *Client) sendError(text string) bool {
	return c.sendJSON(outbound{Type: protocol.MessageTypeError, Error: text})
}

// closeWith queues a close frame after any pending messages
func (c *Client) closeWith(code int, text string) {
	select {
	case c.send <- WriteData{Type: websocket.CloseMessage, Payload: websocket.FormatCloseMessage(code, text)}:
	case <-c.done:
	default:
		c.conn.Close()
	}
}

// readPump pumps messages from the websocket connection to the handler.
func (c *Client) readPump() {
	defer func() {
		c.handler.closed(c)
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.release()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.String("clientID", c.id), zap.Error(err))
			}
			break
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unsupported message type", zap.Int("type", messageType))
			continue
		}
		c.handler.handleMessage(c, message)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}
			if message.Type == websocket.CloseMessage {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// outbound is the envelope the backend sends to clients
type outbound struct {
	Type      protocol.MessageType `json:"type"`
	Chunk     any                  `json:"chunk,omitempty"`
	Response  *responseBody        `json:"response,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
	Data      any                  `json:"data,omitempty"`
	Error     string               `json:"error,omitempty"`
}

type responseBody struct {
	Content  string `json:"content"`
	Metadata any    `json:"metadata,omitempty"`
}

type statusData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type transcriptData struct {
	Transcript string `json:"transcript"`
}
