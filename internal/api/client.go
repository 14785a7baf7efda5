package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/medspa-realtime/domain/repositories"
)

const (
	SessionsPath = "/api/v1/transcription/sessions"
)

// SessionClient talks to the transcription session endpoints
type SessionClient struct {
	baseURL    *url.URL
	tokens     repositories.TokenProvider
	httpClient *http.Client
	logger     *zap.Logger
}

var _ repositories.TranscriptionSessions = (*SessionClient)(nil)

// NewSessionClient creates a session client for the API at baseURL
func NewSessionClient(baseURL string, tokens repositories.TokenProvider, httpClient *http.Client, logger *zap.Logger) (*SessionClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	if tokens == nil {
		return nil, errors.New("token provider is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionClient{baseURL: u, tokens: tokens, httpClient: httpClient, logger: logger}, nil
}

// CreateSession asks the backend for a new transcription session.
// A relative transcription endpoint is resolved against the base URL and
// converted to a websocket URL.
func (c *SessionClient) CreateSession(ctx context.Context, req repositories.SessionRequest) (repositories.SessionInfo, error) {
	var info repositories.SessionInfo
	if err := c.post(ctx, SessionsPath, req, &info); err != nil {
		return repositories.SessionInfo{}, fmt.Errorf("create session: %w", err)
	}
	if info.SessionID == "" {
		return repositories.SessionInfo{}, errors.New("create session: response has no session_id")
	}

	endpoint, err := c.websocketURL(info.TranscriptionEndpoint)
	if err != nil {
		return repositories.SessionInfo{}, fmt.Errorf("create session: %w", err)
	}
	info.TranscriptionEndpoint = endpoint

	c.logger.Info("Transcription session created",
		zap.String("session_id", info.SessionID),
		zap.String("endpoint", info.TranscriptionEndpoint))
	return info, nil
}

// StopSession ends a transcription session on the backend
func (c *SessionClient) StopSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("stop session: session id is required")
	}
	path := SessionsPath + "/" + url.PathEscape(sessionID) + "/stop"
	if err := c.post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("stop session %s: %w", sessionID, err)
	}
	return nil
}

func (c *SessionClient) post(ctx context.Context, path string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}

	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return &StatusError{Code: resp.StatusCode, Response: apiErr}
		}
		return &StatusError{Code: resp.StatusCode, Response: ErrorResponse{Message: strings.TrimSpace(string(raw))}}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *SessionClient) websocketURL(endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("response has no transcription_endpoint")
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid transcription endpoint: %w", err)
	}
	u := c.baseURL.ResolveReference(ref)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported transcription endpoint scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code     int
	Response ErrorResponse
}

func (e *StatusError) Error() string {
	msg := e.Response.Message
	if e.Response.Error != "" {
		msg = e.Response.Error + ": " + msg
	}
	return fmt.Sprintf("status %d: %s", e.Code, strings.TrimSuffix(msg, ": "))
}
