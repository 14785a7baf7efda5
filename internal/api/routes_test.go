package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/medspa-realtime/adapters"
	"github.com/satriahrh/medspa-realtime/adapters/llm"
	"github.com/satriahrh/medspa-realtime/adapters/observability"
	"github.com/satriahrh/medspa-realtime/adapters/stt"
	"github.com/satriahrh/medspa-realtime/domain/entities"
	"github.com/satriahrh/medspa-realtime/domain/repositories"
	"github.com/satriahrh/medspa-realtime/internal/audio"
	"github.com/satriahrh/medspa-realtime/internal/auth"
	"github.com/satriahrh/medspa-realtime/internal/chat"
	"github.com/satriahrh/medspa-realtime/internal/devserver"
	"github.com/satriahrh/medspa-realtime/internal/transcription"
)

type backend struct {
	server   *httptest.Server
	issuer   *auth.Issuer
	sessions *adapters.MemorySessionRepository
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.New()

	issuer, err := auth.NewIssuer("dev-secret", time.Hour, clk)
	if err != nil {
		t.Fatal(err)
	}
	clients := adapters.NewMemoryClientRepository()
	clients.Register(entities.APIClient{ID: "front-desk", Secret: "s3cret", ProviderID: "dr-1"})
	clients.Register(entities.APIClient{ID: "other-clinic", Secret: "s3cret", ProviderID: "dr-2"})
	sessions := adapters.NewMemorySessionRepository(clk)

	ctx, cancel := context.WithCancel(context.Background())
	hub := devserver.NewHub(logger)
	go hub.Run(ctx)

	e := echo.New()
	InitRoutes(e, Dependencies{
		Issuer:   issuer,
		Clients:  clients,
		Sessions: sessions,
		Chat:     devserver.NewChatHandler(hub, issuer, llm.NewEchoResponder(0), clk, logger),
		Transcription: devserver.NewTranscriptionHandler(hub, issuer, sessions,
			stt.NewMockSpeechToText([]string{"Left cheek filler."}, 3200, logger),
			devserver.DefaultAudioConfig, clk, logger),
		Logger: logger,
	})
	server := httptest.NewServer(e)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &backend{server: server, issuer: issuer, sessions: sessions}
}

func (b *backend) tokens(t *testing.T, clientID string) *auth.HTTPTokenProvider {
	t.Helper()
	p, err := auth.NewHTTPTokenProvider(auth.HTTPTokenProviderConfig{
		BaseURL:      b.server.URL,
		ClientID:     clientID,
		ClientSecret: "s3cret",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (b *backend) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + path
}

func postJSON(t *testing.T, url, bearer string, body any) *http.Response {
	t.Helper()
	payload, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestIssueToken(t *testing.T) {
	b := newBackend(t)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"valid", auth.TokenRequest{ClientID: "front-desk", ClientSecret: "s3cret"}, http.StatusOK},
		{"wrong secret", auth.TokenRequest{ClientID: "front-desk", ClientSecret: "guess"}, http.StatusUnauthorized},
		{"missing fields", auth.TokenRequest{ClientID: "front-desk"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, b.server.URL+auth.TokenPath, "", tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var out auth.TokenResponse
			json.NewDecoder(resp.Body).Decode(&out)
			claims, err := b.issuer.ValidateToken(out.Token)
			if err != nil {
				t.Fatalf("issued token invalid: %v", err)
			}
			if claims.ProviderID != "dr-1" || claims.Role != auth.RoleProvider {
				t.Errorf("claims = %+v", claims)
			}
		})
	}
}

func TestSessionRoutesRequireBearer(t *testing.T) {
	b := newBackend(t)
	tests := []struct {
		name   string
		bearer string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, b.server.URL+SessionsPath, tt.bearer, repositories.SessionRequest{PatientID: "p-1"})
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestSessionLifecycle(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	client, err := NewSessionClient(b.server.URL, b.tokens(t, "front-desk"), nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	info, err := client.CreateSession(ctx, repositories.SessionRequest{PatientID: "p-1", ChartType: "procedure"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if want := b.wsURL(TranscriptionSocketPath + info.SessionID); info.TranscriptionEndpoint != want {
		t.Errorf("endpoint = %q, want %q", info.TranscriptionEndpoint, want)
	}

	// another provider may not stop it
	other, _ := NewSessionClient(b.server.URL, b.tokens(t, "other-clinic"), nil, zaptest.NewLogger(t))
	var statusErr *StatusError
	if err := other.StopSession(ctx, info.SessionID); !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden {
		t.Fatalf("foreign stop error = %v, want 403", err)
	}

	if err := client.StopSession(ctx, info.SessionID); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	// stopping twice is fine
	if err := client.StopSession(ctx, info.SessionID); err != nil {
		t.Fatalf("second StopSession() error = %v", err)
	}
	stored, _ := b.sessions.GetByID(ctx, info.SessionID)
	if stored.Status != entities.StoredSessionStopped {
		t.Errorf("status = %q", stored.Status)
	}

	resp := postJSON(t, b.server.URL+SessionsPath, "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated create = %d", resp.StatusCode)
	}
}

func TestChatEngineAgainstDevBackend(t *testing.T) {
	b := newBackend(t)
	observer := observability.NewDeliveryLogger(zaptest.NewLogger(t))

	e := chat.NewEngine(chat.Options{
		URL: b.wsURL("/ws/chat"),
		Thread: entities.Thread{Messages: []entities.ChatMessage{
			{ID: "seed", Sender: entities.SenderUser, Text: "Aftercare for lip filler?"},
		}},
		Patient: &entities.PatientContext{ID: "p-1", Name: "Dana"},
	}, b.tokens(t, "front-desk"), observer, zaptest.NewLogger(t))
	defer e.Close()

	if err := e.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "seed reply", func() bool { return len(e.Snapshot().Messages) == 2 && !e.Snapshot().Loading })
	msgs := e.Snapshot().Messages
	if msgs[0].Status != entities.MessageStatusSent {
		t.Errorf("seed status = %s", msgs[0].Status)
	}
	if want := `You said "Aftercare for lip filler?".`; !strings.HasSuffix(msgs[1].Text, want) {
		t.Errorf("reply = %q, want suffix %q", msgs[1].Text, want)
	}

	if !e.SendMessage("Thanks") {
		t.Fatal("SendMessage() = false")
	}
	waitFor(t, "second reply", func() bool { return len(e.Snapshot().Messages) == 4 && !e.Snapshot().Loading })
	if got := e.Snapshot().Messages[3].Text; !strings.Contains(got, "turn 2") {
		t.Errorf("second reply = %q", got)
	}

	stats := observer.Stats()
	if stats.Responses != 2 || stats.ByModel[llm.EchoModel] != 2 {
		t.Errorf("delivery stats = %+v", stats)
	}
}

func TestDictationAgainstDevBackend(t *testing.T) {
	b := newBackend(t)
	tokens := b.tokens(t, "front-desk")
	sessions, err := NewSessionClient(b.server.URL, tokens, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	e := transcription.NewEngine(transcription.Options{
		Device: audio.ToneDevice{Frequency: 440, Clock: clock.New()},
		// 1600 mono samples per block: one scripted word per frame
		Format: audio.Format{SampleRate: 16000, Channels: 2, BlockSize: 1600},
	}, sessions, tokens, zaptest.NewLogger(t))

	if err := e.Start(context.Background(), transcription.StartRequest{PatientID: "p-1", ChartType: "procedure"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "final transcript", func() bool { return e.Snapshot().Final == "Left cheek filler." })
	sessionID := e.Snapshot().SessionID

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	stored, err := b.sessions.GetByID(context.Background(), sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != entities.StoredSessionStopped {
		t.Errorf("backend session status = %q", stored.Status)
	}
	waitFor(t, "stored transcript", func() bool {
		s, _ := b.sessions.GetByID(context.Background(), sessionID)
		return s.Transcript == "Left cheek filler."
	})
	if snap := e.Snapshot(); snap.Error != "" {
		t.Errorf("engine error = %q", snap.Error)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
