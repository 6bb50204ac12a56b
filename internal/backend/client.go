// Package backend provides a client for the site backend API: the
// realtime status endpoint that recommends a transport mode, and the
// feed endpoints used as poll fallbacks.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/simox10/misspo/internal/httpkit"
	"github.com/simox10/misspo/internal/realtime"
)

// StatusPath is the realtime status endpoint, relative to the base URL.
const StatusPath = "/system/realtime-status"

// Wire values of the status endpoint's mode field.
const (
	WireModeWebSocket = "websocket"
	WireModePolling   = "polling"
)

// maxFeedBytes caps a single feed response.
const maxFeedBytes = 4 << 20

// levelTrace matches config.LevelTrace; response bodies are logged at it.
const levelTrace = slog.Level(-8)

// ErrStatusUnavailable wraps every failure to obtain a usable status
// recommendation: transport errors, non-200 responses, malformed
// bodies, success:false and unknown modes.
var ErrStatusUnavailable = errors.New("realtime status unavailable")

// Client is a site backend API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a backend client. token is sent as a bearer token
// when non-empty.
func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithBearerToken(token),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
		logger: logger.With("component", "backend"),
	}
}

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusResponse is the realtime status endpoint's body.
type StatusResponse struct {
	Success bool   `json:"success"`
	Mode    string `json:"mode"`
	Reason  string `json:"reason"`
	// PollingInterval is in seconds.
	PollingInterval float64 `json:"polling_interval"`
}

// RealtimeStatus fetches the raw status response.
func (c *Client) RealtimeStatus(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.get(ctx, StatusPath, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Check fetches the status endpoint and converts it to a snapshot.
// It satisfies realtime.StatusSource. Every failure wraps
// ErrStatusUnavailable.
func (c *Client) Check(ctx context.Context) (realtime.Snapshot, error) {
	status, err := c.RealtimeStatus(ctx)
	if err != nil {
		return realtime.Snapshot{}, fmt.Errorf("%w: %w", ErrStatusUnavailable, err)
	}
	return status.Snapshot()
}

// Snapshot validates the response and converts it.
func (s *StatusResponse) Snapshot() (realtime.Snapshot, error) {
	if !s.Success {
		return realtime.Snapshot{}, fmt.Errorf("%w: success=false (reason %q)", ErrStatusUnavailable, s.Reason)
	}
	mode, err := ParseMode(s.Mode)
	if err != nil {
		return realtime.Snapshot{}, fmt.Errorf("%w: %w", ErrStatusUnavailable, err)
	}

	snap := realtime.Snapshot{Mode: mode, Reason: realtime.Reason(s.Reason)}
	if s.PollingInterval > 0 {
		snap.PollingInterval = time.Duration(s.PollingInterval * float64(time.Second))
	}
	return snap, nil
}

// ParseMode maps a wire mode to a realtime.Mode.
func ParseMode(wire string) (realtime.Mode, error) {
	switch wire {
	case WireModeWebSocket:
		return realtime.ModePush, nil
	case WireModePolling:
		return realtime.ModePoll, nil
	default:
		return "", fmt.Errorf("unknown mode %q", wire)
	}
}

// Fetch GETs a feed endpoint and returns its body. The body must be
// valid JSON.
func (c *Client) Fetch(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s returned invalid JSON", path)
	}
	c.logger.Log(ctx, levelTrace, "feed response", "path", path, "body", string(body))
	return json.RawMessage(body), nil
}

// Poll returns a poll fallback that fetches path.
func (c *Client) Poll(path string) realtime.PollFunc {
	return func(ctx context.Context) (json.RawMessage, error) {
		return c.Fetch(ctx, path)
	}
}

// get performs a GET request and decodes the JSON response.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	c.logger.Log(ctx, levelTrace, "response body", "path", path, "body", string(body))

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
