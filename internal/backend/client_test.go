package backend

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/simox10/misspo/internal/realtime"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/api/", "secret", 5*time.Second, nil)
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    realtime.Snapshot
		wantErr bool
	}{
		{
			name:   "websocket within limits",
			status: http.StatusOK,
			body:   `{"success":true,"mode":"websocket","reason":"within_limits","polling_interval":60}`,
			want:   realtime.Snapshot{Mode: realtime.ModePush, Reason: realtime.ReasonWithinLimits, PollingInterval: 60 * time.Second},
		},
		{
			name:   "polling daily limit",
			status: http.StatusOK,
			body:   `{"success":true,"mode":"polling","reason":"daily_limit_exceeded","polling_interval":90}`,
			want:   realtime.Snapshot{Mode: realtime.ModePoll, Reason: realtime.ReasonDailyLimitExceeded, PollingInterval: 90 * time.Second},
		},
		{
			name:   "unknown reason passes through, zero interval ignored",
			status: http.StatusOK,
			body:   `{"success":true,"mode":"polling","reason":"maintenance","polling_interval":0}`,
			want:   realtime.Snapshot{Mode: realtime.ModePoll, Reason: "maintenance"},
		},
		{
			name:   "fractional seconds",
			status: http.StatusOK,
			body:   `{"success":true,"mode":"polling","reason":"x","polling_interval":1.5}`,
			want:   realtime.Snapshot{Mode: realtime.ModePoll, Reason: "x", PollingInterval: 1500 * time.Millisecond},
		},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`, wantErr: true},
		{name: "malformed json", status: http.StatusOK, body: `{"success":`, wantErr: true},
		{name: "success false", status: http.StatusOK, body: `{"success":false,"mode":"websocket"}`, wantErr: true},
		{name: "unknown mode", status: http.StatusOK, body: `{"success":true,"mode":"carrier-pigeon"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/system/realtime-status" {
					t.Errorf("path = %q", r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			got, err := c.Check(t.Context())
			if tt.wantErr {
				if !errors.Is(err, ErrStatusUnavailable) {
					t.Fatalf("err = %v, want ErrStatusUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCheckUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, "", time.Second, nil)
	if _, err := c.Check(t.Context()); !errors.Is(err, ErrStatusUnavailable) {
		t.Errorf("err = %v, want ErrStatusUnavailable", err)
	}
}

func TestRequestsCarryAuth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		w.Write([]byte(`[]`))
	})

	if _, err := c.Fetch(t.Context(), "/appointments/recent"); err != nil {
		t.Fatal(err)
	}
}

func TestPoll(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications/unread":
			w.Write([]byte(`{"count":2}`))
		case "/api/broken":
			w.Write([]byte(`<html>`))
		default:
			http.Error(w, "no such feed", http.StatusNotFound)
		}
	})

	payload, err := c.Poll("/notifications/unread")(t.Context())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if string(payload) != `{"count":2}` {
		t.Errorf("payload = %s", payload)
	}

	if _, err := c.Poll("/broken")(t.Context()); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if _, err := c.Poll("/missing")(t.Context()); err == nil {
		t.Error("expected error for 404")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		wire    string
		want    realtime.Mode
		wantErr bool
	}{
		{wire: "websocket", want: realtime.ModePush},
		{wire: "polling", want: realtime.ModePoll},
		{wire: "push", wantErr: true},
		{wire: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.wire)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) err = %v", tt.wire, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.wire, got, tt.want)
		}
	}
}

func TestTraceLogsBodies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api" + StatusPath:
			w.Write([]byte(`{"success":true,"mode":"websocket","reason":"within_limits"}`))
		default:
			w.Write([]byte(`{"unread":4}`))
		}
	}))
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: levelTrace}))
	c := NewClient(srv.URL+"/api", "", 5*time.Second, logger)

	if _, err := c.Check(t.Context()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if _, err := c.Fetch(t.Context(), "/notifications/unread"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	logs := buf.String()
	for _, want := range []string{"response body", "within_limits", "feed response", "unread"} {
		if !strings.Contains(logs, want) {
			t.Errorf("trace logs missing %q:\n%s", want, logs)
		}
	}

	// Nothing is logged at trace when the handler is at debug.
	buf.Reset()
	c = NewClient(srv.URL+"/api", "", 5*time.Second,
		slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	if _, err := c.Fetch(t.Context(), "/notifications/unread"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if strings.Contains(buf.String(), "feed response") {
		t.Errorf("trace line emitted at debug level: %s", buf.String())
	}
}
