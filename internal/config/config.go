// Package config reads the settings of the demo client and the development
// backend from the environment. A .env file is loaded first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads .env style files into the process environment. Missing files are
// skipped; variables already set win.
func Load(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Getenv looks up one variable; os.Getenv in production
type Getenv func(key string) string

// ServerConfig configures the development backend
type ServerConfig struct {
	Port      string
	JWTSecret string
	TokenTTL  time.Duration

	// DevClient is registered at startup so the demo client can authenticate
	DevClientID     string
	DevClientSecret string
	DevProviderID   string

	PublicWSBase string

	GeminiAPIKey string
	GeminiModel  string
	// ReplyDelay paces the echo responder used when no Gemini key is set
	ReplyDelay   time.Duration

	// STTProvider is "mock" or "google"
	STTProvider string
	Language    string

	SessionTTL      time.Duration
	CleanupInterval time.Duration
}

// ServerFromEnv creates a ServerConfig from environment variables
func ServerFromEnv(getenv Getenv) (ServerConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	r := reader{getenv: getenv}
	config := ServerConfig{
		Port:            r.str("PORT", "8080"),
		JWTSecret:       getenv("JWT_SECRET"),
		TokenTTL:        r.duration("TOKEN_TTL", time.Hour),
		DevClientID:     r.str("DEV_CLIENT_ID", "demo-client"),
		DevClientSecret: getenv("DEV_CLIENT_SECRET"),
		DevProviderID:   r.str("DEV_PROVIDER_ID", "demo-provider"),
		PublicWSBase:    getenv("PUBLIC_WS_BASE"),
		GeminiAPIKey:    getenv("GEMINI_API_KEY"),
		GeminiModel:     getenv("GEMINI_MODEL"),
		ReplyDelay:      r.duration("REPLY_DELAY", 40*time.Millisecond),
		STTProvider:     strings.ToLower(r.str("STT_PROVIDER", "mock")),
		Language:        r.str("STT_LANGUAGE", "en-US"),
		SessionTTL:      r.duration("SESSION_TTL", 30*time.Minute),
		CleanupInterval: r.duration("CLEANUP_INTERVAL", 5*time.Minute),
	}
	if r.err != nil {
		return ServerConfig{}, r.err
	}
	return config, config.Validate()
}

// Validate validates the ServerConfig
func (c ServerConfig) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.DevClientSecret == "" {
		errs = append(errs, errors.New("DEV_CLIENT_SECRET is required"))
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric, got %q", c.Port))
	}
	switch c.STTProvider {
	case "mock", "google":
	default:
		errs = append(errs, fmt.Errorf("STT_PROVIDER must be mock or google, got %q", c.STTProvider))
	}
	if c.PublicWSBase != "" {
		if u, err := url.Parse(c.PublicWSBase); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("PUBLIC_WS_BASE must be a ws:// or wss:// URL, got %q", c.PublicWSBase))
		}
	}
	if c.SessionTTL <= 0 || c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("SESSION_TTL and CLEANUP_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// ClientConfig configures the demo client
type ClientConfig struct {
	APIBaseURL   string
	ChatURL      string
	ClientID     string
	ClientSecret string

	PatientID string
	ChartType string

	StreamTimeout time.Duration
	MaxRetries    int
	RetryDelay    time.Duration

	DictationDuration time.Duration
	// AudioInput is "tone", "mic" or a path to raw float32 samples
	AudioInput        string
}

// ClientFromEnv creates a ClientConfig from environment variables
func ClientFromEnv(getenv Getenv) (ClientConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	r := reader{getenv: getenv}
	config := ClientConfig{
		APIBaseURL:        strings.TrimRight(r.str("API_BASE_URL", "http://localhost:8080"), "/"),
		ChatURL:           getenv("CHAT_WS_URL"),
		ClientID:          r.str("CLIENT_ID", "demo-client"),
		ClientSecret:      getenv("CLIENT_SECRET"),
		PatientID:         r.str("PATIENT_ID", "demo-patient"),
		ChartType:         r.str("CHART_TYPE", "procedure"),
		StreamTimeout:     r.duration("STREAM_TIMEOUT", 90*time.Second),
		MaxRetries:        r.integer("MAX_RETRIES", 3),
		RetryDelay:        r.duration("RETRY_DELAY", 2*time.Second),
		DictationDuration: r.duration("DICTATION_DURATION", 5*time.Second),
		AudioInput:        r.str("AUDIO_INPUT", "tone"),
	}
	if r.err != nil {
		return ClientConfig{}, r.err
	}
	if config.ChatURL == "" {
		chatURL, err := websocketURL(config.APIBaseURL, "/ws/chat")
		if err != nil {
			return ClientConfig{}, err
		}
		config.ChatURL = chatURL
	}
	return config, config.Validate()
}

// Validate validates the ClientConfig
func (c ClientConfig) Validate() error {
	var errs []error
	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("API_BASE_URL must be an http(s) URL, got %q", c.APIBaseURL))
	}
	if c.ClientSecret == "" {
		errs = append(errs, errors.New("CLIENT_SECRET is required"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries))
	}
	if c.DictationDuration <= 0 {
		errs = append(errs, errors.New("DICTATION_DURATION must be positive"))
	}
	return errors.Join(errs...)
}

func websocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid API_BASE_URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

// reader parses typed values and keeps the first error
type reader struct {
	getenv Getenv
	err    error
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return n
}
