// Package config handles console sync configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Push transport names accepted in push.transport.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
	TransportNone      = "none"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/consolesync/config.yaml, /etc/consolesync/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "consolesync", "config.yaml"))
	}

	paths = append(paths, "/etc/consolesync/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all console sync configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	Push      PushConfig      `yaml:"push"`
	Channels  []ChannelConfig `yaml:"channels" validate:"dive"`
	Listen    ListenConfig    `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format" validate:"omitempty,oneof=text json"`
}

// BackendConfig points at the site backend that serves the realtime
// status endpoint and the feed endpoints used while polling.
type BackendConfig struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
	// Token is sent as a bearer token when non-empty.
	Token string `yaml:"token"`
	// RequestTimeoutSec bounds each status check and each poll fallback
	// call (default 10).
	RequestTimeoutSec int `yaml:"request_timeout_sec" validate:"gte=0"`
}

// RequestTimeout returns the per-request timeout as a duration.
func (c BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// RealtimeConfig controls the transport switch cadence.
type RealtimeConfig struct {
	// StatusCheckIntervalSec is how often the status endpoint is
	// consulted (default 300).
	StatusCheckIntervalSec int `yaml:"status_check_interval_sec" validate:"gte=0"`
	// PollingIntervalSec is the initial poll cadence; the status
	// endpoint overrides it (default 60).
	PollingIntervalSec int `yaml:"polling_interval_sec" validate:"gte=0"`
}

// StatusCheckInterval returns the status check cadence as a duration.
func (c RealtimeConfig) StatusCheckInterval() time.Duration {
	return time.Duration(c.StatusCheckIntervalSec) * time.Second
}

// PollingInterval returns the initial poll cadence as a duration.
func (c RealtimeConfig) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalSec) * time.Second
}

// PushConfig selects and configures the push transport.
type PushConfig struct {
	Transport string          `yaml:"transport" validate:"omitempty,oneof=websocket mqtt none"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// WebSocketConfig defines a Pusher-protocol websocket endpoint.
type WebSocketConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	AppKey string `yaml:"app_key"`
}

// MQTTConfig defines the MQTT broker used as push transport.
type MQTTConfig struct {
	Broker      string `yaml:"broker" validate:"omitempty,url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	// ClientID defaults to "consolesync-" plus a random suffix.
	ClientID string `yaml:"client_id"`
}

// ChannelConfig declares one logical feed the console follows.
type ChannelConfig struct {
	Name  string `yaml:"name" validate:"required"`
	Event string `yaml:"event" validate:"required"`
	// PollPath is fetched relative to backend.base_url while in poll
	// mode. Empty means the channel has no poll fallback.
	PollPath string `yaml:"poll_path"`
}

// ListenConfig defines the local operator API. Port 0 disables it.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
}

// Configured reports whether the operator API should be started.
func (c ListenConfig) Configured() bool {
	return c.Port > 0
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero-value fields.
func (c *Config) applyDefaults() {
	if c.Backend.RequestTimeoutSec == 0 {
		c.Backend.RequestTimeoutSec = 10
	}
	if c.Realtime.StatusCheckIntervalSec == 0 {
		c.Realtime.StatusCheckIntervalSec = 300
	}
	if c.Realtime.PollingIntervalSec == 0 {
		c.Realtime.PollingIntervalSec = 60
	}
	if c.Push.Transport == "" {
		c.Push.Transport = TransportWebSocket
	}
	if c.Push.MQTT.TopicPrefix == "" {
		c.Push.MQTT.TopicPrefix = "console"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Default returns a configuration with every default applied and a
// local backend URL. Used by tests and as a template for new installs.
func Default() *Config {
	cfg := &Config{
		Backend: BackendConfig{BaseURL: "http://localhost:8000/api"},
		Push: PushConfig{
			WebSocket: WebSocketConfig{URL: "ws://localhost:8080", AppKey: "console"},
		},
		Channels: []ChannelConfig{
			{Name: "appointments", Event: "AppointmentUpdated", PollPath: "/appointments/recent"},
			{Name: "notifications", Event: "NotificationCreated", PollPath: "/notifications/unread"},
		},
	}
	cfg.applyDefaults()
	return cfg
}
