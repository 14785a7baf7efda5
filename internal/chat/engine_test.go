package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/internal/protocol"
)

type fakeTransport struct {
	mu      sync.Mutex
	sent    []*protocol.ChatRequest
	sendErr error
	closed  int
}

func (f *fakeTransport) Connect(context.Context) error { return nil }

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if req, ok := v.(*protocol.ChatRequest); ok {
		f.sent = append(f.sent, req)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) requests() []*protocol.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.ChatRequest(nil), f.sent...)
}

type recordingObserver struct {
	mu       sync.Mutex
	observed []entities.DeliveryMetadata
}

func (r *recordingObserver) ObserveDelivery(_ string, md entities.DeliveryMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, md)
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *fakeTransport) {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clock.NewMock()
	}
	e := newEngine(opts, nil, zaptest.NewLogger(t))
	ft := &fakeTransport{}
	e.conn = ft
	return e, ft
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func lastMessage(t *testing.T, e *Engine) entities.ChatMessage {
	t.Helper()
	msgs := e.Snapshot().Messages
	if len(msgs) == 0 {
		t.Fatal("no messages")
	}
	return msgs[len(msgs)-1]
}

func TestSendMessageWhileDisconnected(t *testing.T) {
	e, ft := newTestEngine(t, Options{})

	if e.SendMessage("hello") {
		t.Error("SendMessage() = true, want false")
	}
	if n := len(ft.requests()); n != 0 {
		t.Errorf("sent %d envelopes, want 0", n)
	}
	if n := len(e.Snapshot().Messages); n != 0 {
		t.Errorf("appended %d messages, want 0", n)
	}
}

func TestSendMessageMarksSent(t *testing.T) {
	e, ft := newTestEngine(t, Options{Debug: true})
	e.handleState(entities.ConnectionStateConnected)

	if !e.SendMessage("hello") {
		t.Fatal("SendMessage() = false")
	}
	reqs := ft.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Type != protocol.MessageTypeChat || req.Message != "hello" || !req.Streaming {
		t.Errorf("unexpected request %+v", req)
	}
	if req.ConversationID != e.ConversationID() {
		t.Errorf("conversationId = %q, want %q", req.ConversationID, e.ConversationID())
	}
	if !req.CacheControl.Debug || req.CacheControl.ForceFresh {
		t.Errorf("cacheControl = %+v", req.CacheControl)
	}
	if req.PatientInfo != nil || req.PatientID != "" {
		t.Errorf("patient context sent while disabled")
	}

	msg := lastMessage(t, e)
	if msg.Sender != entities.SenderUser || msg.Status != entities.MessageStatusSent {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendMessageWriteFailureMarksFailed(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	ft.sendErr = errors.New("broken pipe")
	e.handleState(entities.ConnectionStateConnected)

	if e.SendMessage("hello") {
		t.Error("SendMessage() = true, want false")
	}
	if msg := lastMessage(t, e); msg.Status != entities.MessageStatusFailed {
		t.Errorf("status = %s, want failed", msg.Status)
	}
}

func TestSendMessageWithPatientContext(t *testing.T) {
	patient := &entities.PatientContext{ID: "p-1", Name: "Jane"}
	e, ft := newTestEngine(t, Options{PatientID: "p-1", Patient: patient, ContextEnabled: true})
	e.handleState(entities.ConnectionStateConnected)
	e.SendMessage("what did we inject last time?")

	req := ft.requests()[0]
	if req.PatientID != "p-1" || req.PatientInfo == nil || req.PatientInfo.Name != "Jane" {
		t.Errorf("patient context missing: %+v", req)
	}
}

func TestStreamChunksConcatenate(t *testing.T) {
	tests := []struct {
		name   string
		chunks []any
		want   string
	}{
		{"bare strings", []any{"He", "llo"}, "Hello"},
		{"mixed shapes", []any{"a", map[string]any{"content": "b"}, map[string]any{"content": map[string]any{"chunk": "c"}}}, "abc"},
		{"unknown shape contributes nothing", []any{"x", 42, "y"}, "xy"},
		{"no chunks", nil, ""},
		{"edge whitespace and crlf kept", []any{"  Dose:", " 2\r\nunits", "  "}, "  Dose: 2\r\nunits  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, Options{})
			e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
			for _, c := range tt.chunks {
				e.handleFrame(frame(t, map[string]any{"type": "chat_stream_chunk", "chunk": c}))
			}
			e.handleFrame([]byte(`{"type":"chat_stream_complete","response":{}}`))

			msg := lastMessage(t, e)
			if msg.Sender != entities.SenderAssistant || msg.Text != tt.want {
				t.Errorf("final message = %+v, want text %q", msg, tt.want)
			}
			snap := e.Snapshot()
			if snap.Loading || snap.Streaming || snap.Buffer != "" {
				t.Errorf("stream not settled: %+v", snap)
			}
		})
	}
}

func TestStreamStartSetsLoading(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
	e.handleFrame([]byte(`{"type":"chat_stream_chunk","chunk":"par"}`))

	snap := e.Snapshot()
	if !snap.Loading || !snap.Streaming || snap.Buffer != "par" {
		t.Errorf("snapshot = %+v", snap)
	}

	// a new start discards the previous partial stream
	e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
	if got := e.Snapshot().Buffer; got != "" {
		t.Errorf("buffer = %q, want empty", got)
	}
}

func TestCompleteContentOverridesBuffer(t *testing.T) {
	tests := []struct {
		name     string
		complete string
		want     string
	}{
		{"null content yields empty message", `{"type":"chat_stream_complete","response":{"content":null}}`, ""},
		{"explicit content wins", `{"type":"chat_stream_complete","response":{"content":"  Hi there \r\n"}}`, "  Hi there \r\n"},
		{"absent content uses buffer", `{"type":"chat_stream_complete","response":{"metadata":{"model":"m"}}}`, "Hello"},
		{"absent response uses buffer", `{"type":"chat_stream_complete"}`, "Hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, Options{})
			e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
			e.handleFrame([]byte(`{"type":"chat_stream_chunk","chunk":"He"}`))
			e.handleFrame([]byte(`{"type":"chat_stream_chunk","chunk":"llo"}`))
			e.handleFrame([]byte(tt.complete))

			if got := lastMessage(t, e).Text; got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChatResponseFinalizes(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.handleFrame([]byte(`{"type":"chat_response","response":{"content":"Direct answer"}}`))

	if got := lastMessage(t, e).Text; got != "Direct answer" {
		t.Errorf("text = %q", got)
	}
}

func TestMetadataForwardedToObserver(t *testing.T) {
	observer := &recordingObserver{}
	e := newEngine(Options{Clock: clock.NewMock()}, observer, zaptest.NewLogger(t))
	e.conn = &fakeTransport{}

	e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
	e.handleFrame([]byte(`{"type":"chat_stream_complete","response":{"content":"ok","metadata":{"model":"gemini-2.5-flash","processingTime":420,"cacheHit":false,"contextIntegrationScore":0.8}}}`))

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.observed) != 1 {
		t.Fatalf("observed %d deliveries, want 1", len(observer.observed))
	}
	md := observer.observed[0]
	if md.Model != "gemini-2.5-flash" || md.ProcessingTimeMs != 420 {
		t.Errorf("metadata = %+v", md)
	}
	if md.CacheHit == nil || *md.CacheHit {
		t.Errorf("cacheHit = %v, want false", md.CacheHit)
	}
	if md.ContextIntegrationScore == nil || *md.ContextIntegrationScore != 0.8 {
		t.Errorf("contextIntegrationScore = %v", md.ContextIntegrationScore)
	}
}

func TestErrorEnvelopeKeepsConnection(t *testing.T) {
	e, ft := newTestEngine(t, Options{})
	e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
	e.handleFrame([]byte(`{"type":"error","data":{"error":"model overloaded"}}`))

	snap := e.Snapshot()
	if snap.Loading {
		t.Error("loading still set")
	}
	if snap.Error != "model overloaded" {
		t.Errorf("error = %q", snap.Error)
	}
	if ft.closed != 0 {
		t.Error("connection closed on application error")
	}
}

func TestMalformedAndUnknownFramesDropped(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
	e.handleFrame([]byte(`{not json`))
	e.handleFrame([]byte(`{"type":"typing_indicator"}`))
	e.handleFrame([]byte(`{"type":"chat_stream_chunk","chunk":"ok"}`))

	snap := e.Snapshot()
	if !snap.Loading || snap.Buffer != "ok" || snap.Error != "" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestFirstMessageSentOnceAcrossReconnects(t *testing.T) {
	thread := entities.Thread{
		ID: "thread-1",
		Messages: []entities.ChatMessage{
			{ID: "m-1", Sender: entities.SenderUser, Text: "Summarize my last visit"},
		},
	}
	e, ft := newTestEngine(t, Options{Thread: thread})

	for i := 0; i < 3; i++ {
		e.handleState(entities.ConnectionStateConnecting)
		e.handleState(entities.ConnectionStateConnected)
		e.handleState(entities.ConnectionStateClosed)
	}

	reqs := ft.requests()
	if len(reqs) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(reqs))
	}
	if reqs[0].Message != "Summarize my last visit" || reqs[0].ConversationID != "thread-1" {
		t.Errorf("request = %+v", reqs[0])
	}

	msgs := e.Snapshot().Messages
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1 (seed must not be re-appended)", len(msgs))
	}
	if msgs[0].Status != entities.MessageStatusSent {
		t.Errorf("seed status = %s, want sent", msgs[0].Status)
	}
}

func TestFirstMessageGatingNeedsExactlyOneUserMessage(t *testing.T) {
	thread := entities.Thread{
		ID: "thread-2",
		Messages: []entities.ChatMessage{
			{ID: "m-1", Sender: entities.SenderUser, Text: "one"},
			{ID: "m-2", Sender: entities.SenderAssistant, Text: "reply"},
			{ID: "m-3", Sender: entities.SenderUser, Text: "two"},
		},
	}
	e, ft := newTestEngine(t, Options{Thread: thread})
	e.handleState(entities.ConnectionStateConnected)

	if n := len(ft.requests()); n != 0 {
		t.Errorf("sent %d envelopes, want 0", n)
	}
}

func TestWatchdogClearsStalledStream(t *testing.T) {
	clk := clock.NewMock()
	e, _ := newTestEngine(t, Options{Clock: clk, StreamTimeout: 90 * time.Second})

	e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
	clk.Add(60 * time.Second)
	e.handleFrame([]byte(`{"type":"chat_stream_chunk","chunk":"still going"}`))
	clk.Add(60 * time.Second)

	if snap := e.Snapshot(); !snap.Loading {
		t.Fatalf("stream timed out early: %+v", snap)
	}

	clk.Add(31 * time.Second)
	waitFor(t, func() bool { return !e.Snapshot().Loading })

	snap := e.Snapshot()
	if snap.Error != errStreamTimeout || snap.Buffer != "" || snap.Streaming {
		t.Errorf("snapshot = %+v", snap)
	}
	if len(snap.Messages) != 0 {
		t.Errorf("stalled stream produced a message")
	}
}

func TestWatchdogStoppedByComplete(t *testing.T) {
	clk := clock.NewMock()
	e, _ := newTestEngine(t, Options{Clock: clk, StreamTimeout: time.Second})

	e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
	e.handleFrame([]byte(`{"type":"chat_stream_complete","response":{"content":"done"}}`))
	clk.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)

	if snap := e.Snapshot(); snap.Error != "" {
		t.Errorf("error = %q after completed stream", snap.Error)
	}
}

func TestEventsReportLifecycle(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	e.handleState(entities.ConnectionStateConnected)
	e.handleFrame([]byte(`{"type":"chat_stream_start"}`))
	e.handleFrame([]byte(`{"type":"chat_stream_chunk","chunk":"x"}`))
	e.handleFrame([]byte(`{"type":"chat_stream_complete","response":{}}`))

	var kinds []EventKind
	for len(e.Events()) > 0 {
		kinds = append(kinds, (<-e.Events()).Kind)
	}
	want := []EventKind{EventState, EventStreamStart, EventStreamChunk, EventMessage}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}
