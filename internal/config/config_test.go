package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "backend:\n  base_url: http://example.test\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("backend: {}\n"), 0600)

	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: http://example.test/api
push:
  websocket:
    url: ws://example.test:8080
    app_key: console
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Realtime.StatusCheckInterval(); got != 5*time.Minute {
		t.Errorf("StatusCheckInterval() = %v, want 5m", got)
	}
	if got := cfg.Realtime.PollingInterval(); got != time.Minute {
		t.Errorf("PollingInterval() = %v, want 1m", got)
	}
	if got := cfg.Backend.RequestTimeout(); got != 10*time.Second {
		t.Errorf("RequestTimeout() = %v, want 10s", got)
	}
	if cfg.Push.Transport != TransportWebSocket {
		t.Errorf("Transport = %q, want %q", cfg.Push.Transport, TransportWebSocket)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.Listen.Configured() {
		t.Error("Listen.Configured() = true with no port set")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("CONSOLESYNC_TEST_TOKEN", "secret123")
	path := writeConfig(t, `
backend:
  base_url: http://example.test
  token: ${CONSOLESYNC_TEST_TOKEN}
push:
  transport: none
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Backend.Token != "secret123" {
		t.Errorf("token = %q, want %q", cfg.Backend.Token, "secret123")
	}
}

func TestLoad_Channels(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: http://example.test
push:
  transport: mqtt
  mqtt:
    broker: mqtt://broker.test:1883
channels:
  - name: appointments
    event: AppointmentUpdated
    poll_path: /appointments/recent
  - name: contacts
    event: ContactReceived
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Channels) != 2 {
		t.Fatalf("got %d channels, want 2", len(cfg.Channels))
	}
	if cfg.Channels[1].PollPath != "" {
		t.Errorf("contacts poll_path = %q, want empty", cfg.Channels[1].PollPath)
	}
	if cfg.Push.MQTT.TopicPrefix != "console" {
		t.Errorf("topic_prefix = %q, want default console", cfg.Push.MQTT.TopicPrefix)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{
			name:      "missing base url",
			mutate:    func(c *Config) { c.Backend.BaseURL = "" },
			wantField: "backend.base_url",
		},
		{
			name:      "bad transport",
			mutate:    func(c *Config) { c.Push.Transport = "carrier-pigeon" },
			wantField: "push.transport",
		},
		{
			name:      "websocket without url",
			mutate:    func(c *Config) { c.Push.WebSocket.URL = "" },
			wantField: "push.websocket.url",
		},
		{
			name: "mqtt without broker",
			mutate: func(c *Config) {
				c.Push.Transport = TransportMQTT
			},
			wantField: "push.mqtt.broker",
		},
		{
			name: "channel without event",
			mutate: func(c *Config) {
				c.Channels = append(c.Channels, ChannelConfig{Name: "contacts"})
			},
			wantField: "channels[2].event",
		},
		{
			name: "duplicate channel",
			mutate: func(c *Config) {
				c.Channels = append(c.Channels, ChannelConfig{Name: "appointments", Event: "X"})
			},
			wantField: "channels[2].name",
		},
		{
			name:      "unknown log level",
			mutate:    func(c *Config) { c.LogLevel = "debgu" },
			wantField: "log_level",
		},
		{
			name:      "port out of range",
			mutate:    func(c *Config) { c.Listen.Port = 70000 },
			wantField: "listen.port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() = %v, want *ValidationError", err)
			}
			found := false
			for _, fe := range verr.Errors {
				if fe.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not mention %q", verr.Errors, tt.wantField)
			}
		})
	}
}

func TestValidate_DefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{" trace ", LevelTrace, false},
		{"debug", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "frame")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output %q missing level=TRACE", buf.String())
	}
}
