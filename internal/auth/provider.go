package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// TokenPath is the token endpoint relative to the API base URL
	TokenPath = "/api/v1/auth/token"

	// reuse a cached token only while it has at least this long to live
	refreshSkew = 30 * time.Second
)

// TokenRequest is the body of a token request
type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// TokenResponse is returned by the token endpoint
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HTTPTokenProviderConfig holds the settings of HTTPTokenProvider
type HTTPTokenProviderConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Clock        clock.Clock
}

// HTTPTokenProvider fetches bearer tokens from the token endpoint and reuses
// them until shortly before they expire
type HTTPTokenProvider struct {
	config HTTPTokenProviderConfig
	logger *zap.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewHTTPTokenProvider creates a token provider
func NewHTTPTokenProvider(config HTTPTokenProviderConfig, logger *zap.Logger) (*HTTPTokenProvider, error) {
	if config.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, errors.New("client credentials are required")
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &HTTPTokenProvider{config: config, logger: logger}, nil
}

// Token returns a valid bearer token, fetching a new one when needed
func (p *HTTPTokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.config.Clock.Now()
	if p.token != "" && now.Add(refreshSkew).Before(p.expiresAt) {
		return p.token, nil
	}

	token, err := p.fetch(ctx)
	if err != nil {
		return "", err
	}

	expiresAt, err := ExpiresAt(token)
	if err != nil {
		return "", err
	}
	if !expiresAt.IsZero() && !now.Before(expiresAt) {
		return "", fmt.Errorf("token endpoint returned an expired token (exp %s)", expiresAt.Format(time.RFC3339))
	}

	p.token = token
	p.expiresAt = expiresAt
	if expiresAt.IsZero() {
		// no exp claim; never reuse
		p.expiresAt = now
	}
	p.logger.Debug("Fetched bearer token", zap.Time("expires_at", expiresAt))
	return token, nil
}

// Invalidate drops the cached token
func (p *HTTPTokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}

func (p *HTTPTokenProvider) fetch(ctx context.Context) (string, error) {
	body, err := json.Marshal(TokenRequest{ClientID: p.config.ClientID, ClientSecret: p.config.ClientSecret})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+TokenPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("token endpoint returned an empty token")
	}
	return out.Token, nil
}
