package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
)

func TestEngineOverSocket(t *testing.T) {
	frames := make(chan map[string]any, 8)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			frames <- msg
			switch msg["type"] {
			case "auth":
				_ = conn.WriteJSON(map[string]any{"type": "auth_success"})
			case "chat":
				_ = conn.WriteJSON(map[string]any{"type": "chat_stream_start"})
				_ = conn.WriteJSON(map[string]any{"type": "chat_stream_chunk", "chunk": "Botox "})
				_ = conn.WriteJSON(map[string]any{"type": "chat_stream_chunk", "chunk": map[string]any{"content": "20 units"}})
				_ = conn.WriteJSON(map[string]any{"type": "chat_stream_complete", "response": map[string]any{"metadata": map[string]any{"model": "echo"}}})
			}
		}
	}))
	defer server.Close()

	thread := entities.Thread{
		ID:       "t-1",
		Messages: []entities.ChatMessage{{ID: "seed", Sender: entities.SenderUser, Text: "Last treatment?"}},
	}
	tokens := repositories.TokenProviderFunc(func(context.Context) (string, error) { return "tok", nil })
	e := NewEngine(Options{
		URL:    "ws" + strings.TrimPrefix(server.URL, "http"),
		Thread: thread,
		Clock:  clock.NewMock(),
	}, tokens, nil, zaptest.NewLogger(t))
	defer e.Close()

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if first := <-frames; first["type"] != "auth" || first["token"] != "tok" {
		t.Fatalf("first frame = %v", first)
	}
	second := <-frames
	if second["type"] != "chat" || second["message"] != "Last treatment?" || second["conversationId"] != "t-1" {
		t.Fatalf("second frame = %v", second)
	}

	waitFor(t, func() bool { return len(e.Snapshot().Messages) == 2 })
	msgs := e.Snapshot().Messages
	if msgs[0].Status != entities.MessageStatusSent {
		t.Errorf("seed status = %s", msgs[0].Status)
	}
	if msgs[1].Sender != entities.SenderAssistant || msgs[1].Text != "Botox 20 units" {
		t.Errorf("assistant message = %+v", msgs[1])
	}
}
