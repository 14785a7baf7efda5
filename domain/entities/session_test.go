package entities

import (
	"testing"
	"time"
)

func TestTranscriptionSessionCreation(t *testing.T) {
	session := NewTranscriptionSession("sess-123", "ws://localhost/ws/transcription")

	if session.SessionID != "sess-123" {
		t.Errorf("Expected session ID sess-123, got %s", session.SessionID)
	}

	if session.RecordingState != RecordingStateStarting {
		t.Errorf("Expected recording state %s, got %s", RecordingStateStarting, session.RecordingState)
	}

	if session.ConnectionState != ConnectionStateDisconnected {
		t.Errorf("Expected connection state %s, got %s", ConnectionStateDisconnected, session.ConnectionState)
	}

	if session.Associated {
		t.Error("New session should not be associated")
	}
}

func TestTranscriptionSessionCanStream(t *testing.T) {
	var nilSession *TranscriptionSession
	if nilSession.CanStream("sess-1") {
		t.Error("nil session must not stream")
	}

	session := NewTranscriptionSession("sess-1", "ws://x")
	if session.CanStream("sess-1") {
		t.Error("Session must not stream before association")
	}

	session.Associated = true
	if !session.CanStream("sess-1") {
		t.Error("Associated session should stream")
	}

	if session.CanStream("sess-2") {
		t.Error("Session must not stream for a different session id")
	}
}

func TestTranscriptionSessionValidation(t *testing.T) {
	session := NewTranscriptionSession("sess-1", "ws://x")
	if err := session.Validate(); err != nil {
		t.Errorf("Valid session should not have validation errors, got: %v", err)
	}

	session.SessionID = ""
	if err := session.Validate(); err == nil {
		t.Error("Session with empty id should have validation error")
	}

	session.SessionID = "sess-1"
	session.Endpoint = ""
	if err := session.Validate(); err == nil {
		t.Error("Session with empty endpoint should have validation error")
	}
}

func TestStoredSessionIdle(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	session := &StoredSession{ID: "s", Status: StoredSessionActive, LastActiveAt: now}

	if session.IsIdle(now.Add(29*time.Minute), 30*time.Minute) {
		t.Error("Session should not be idle within ttl")
	}

	if !session.IsIdle(now.Add(31*time.Minute), 30*time.Minute) {
		t.Error("Session should be idle after ttl")
	}

	session.Touch(now.Add(31 * time.Minute))
	if session.IsIdle(now.Add(32*time.Minute), 30*time.Minute) {
		t.Error("Touch should reset idle time")
	}
}

func TestChatMessageSettle(t *testing.T) {
	msg := ChatMessage{ID: "m1", Sender: SenderUser, ThreadID: "t1", Status: MessageStatusPending}

	if !msg.Settle(true) {
		t.Fatal("Settle on pending message should succeed")
	}
	if msg.Status != MessageStatusSent {
		t.Errorf("Expected status sent, got %s", msg.Status)
	}

	if msg.Settle(false) {
		t.Error("Settle on a settled message should be a no-op")
	}
	if msg.Status != MessageStatusSent {
		t.Errorf("Status should stay sent, got %s", msg.Status)
	}

	failed := ChatMessage{ID: "m2", Sender: SenderUser, ThreadID: "t1", Status: MessageStatusPending}
	failed.Settle(false)
	if failed.Status != MessageStatusFailed {
		t.Errorf("Expected status failed, got %s", failed.Status)
	}
}

func TestChatMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		msg     ChatMessage
		wantErr bool
	}{
		{"valid", ChatMessage{ID: "1", Sender: SenderAssistant, ThreadID: "t"}, false},
		{"missing id", ChatMessage{Sender: SenderUser, ThreadID: "t"}, true},
		{"bad sender", ChatMessage{ID: "1", Sender: "doctor", ThreadID: "t"}, true},
		{"missing thread", ChatMessage{ID: "1", Sender: SenderUser}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestThreadUserMessages(t *testing.T) {
	thread := Thread{
		ID: "t1",
		Messages: []ChatMessage{
			{ID: "1", Sender: SenderUser, Text: "hi"},
			{ID: "2", Sender: SenderAssistant, Text: "hello"},
			{ID: "3", Sender: SenderUser, Text: "again"},
		},
	}

	users := thread.UserMessages()
	if len(users) != 2 {
		t.Fatalf("Expected 2 user messages, got %d", len(users))
	}
	if users[0].ID != "1" || users[1].ID != "3" {
		t.Errorf("Unexpected order: %v", users)
	}
}
