package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func env(vars map[string]string) Getenv {
	return func(key string) string { return vars[key] }
}

func TestServerFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		vars    map[string]string
		wantErr bool
		check   func(t *testing.T, c ServerConfig)
	}{
		{
			name: "defaults",
			vars: map[string]string{"JWT_SECRET": "s", "DEV_CLIENT_SECRET": "d"},
			check: func(t *testing.T, c ServerConfig) {
				if c.Port != "8080" || c.STTProvider != "mock" || c.TokenTTL != time.Hour {
					t.Errorf("config = %+v", c)
				}
				if c.SessionTTL != 30*time.Minute || c.CleanupInterval != 5*time.Minute {
					t.Errorf("session timings = %v, %v", c.SessionTTL, c.CleanupInterval)
				}
			},
		},
		{
			name: "overrides",
			vars: map[string]string{
				"JWT_SECRET": "s", "DEV_CLIENT_SECRET": "d", "PORT": "9090",
				"STT_PROVIDER": "Google", "SESSION_TTL": "10m", "PUBLIC_WS_BASE": "wss://rt.example.com",
			},
			check: func(t *testing.T, c ServerConfig) {
				if c.Port != "9090" || c.STTProvider != "google" || c.SessionTTL != 10*time.Minute {
					t.Errorf("config = %+v", c)
				}
			},
		},
		{name: "missing secret", vars: map[string]string{"DEV_CLIENT_SECRET": "d"}, wantErr: true},
		{name: "bad duration", vars: map[string]string{"JWT_SECRET": "s", "DEV_CLIENT_SECRET": "d", "TOKEN_TTL": "soon"}, wantErr: true},
		{name: "unknown stt", vars: map[string]string{"JWT_SECRET": "s", "DEV_CLIENT_SECRET": "d", "STT_PROVIDER": "whisper"}, wantErr: true},
		{name: "http ws base", vars: map[string]string{"JWT_SECRET": "s", "DEV_CLIENT_SECRET": "d", "PUBLIC_WS_BASE": "http://x"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ServerFromEnv(env(tt.vars))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ServerFromEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}

func TestClientFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		vars     map[string]string
		wantChat string
		wantErr  bool
	}{
		{"derived chat url", map[string]string{"CLIENT_SECRET": "x"}, "ws://localhost:8080/ws/chat", false},
		{"https base", map[string]string{"CLIENT_SECRET": "x", "API_BASE_URL": "https://api.example.com/"}, "wss://api.example.com/ws/chat", false},
		{"explicit chat url", map[string]string{"CLIENT_SECRET": "x", "CHAT_WS_URL": "wss://chat.example.com/ws"}, "wss://chat.example.com/ws", false},
		{"missing secret", map[string]string{}, "", true},
		{"negative retries", map[string]string{"CLIENT_SECRET": "x", "MAX_RETRIES": "-1"}, "", true},
		{"bad base", map[string]string{"CLIENT_SECRET": "x", "API_BASE_URL": "ws://api.example.com"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ClientFromEnv(env(tt.vars))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ClientFromEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && c.ChatURL != tt.wantChat {
				t.Errorf("ChatURL = %q, want %q", c.ChatURL, tt.wantChat)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("MEDSPA_CONFIG_TEST=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("MEDSPA_CONFIG_TEST") })

	if err := Load(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := os.Getenv("MEDSPA_CONFIG_TEST"); got != "from-file" {
		t.Errorf("MEDSPA_CONFIG_TEST = %q", got)
	}
}
