// Package api implements the local operator HTTP API: health, version,
// realtime manager state, a forced status refresh, and a Server-Sent
// Events stream of everything the manager delivers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/simox10/misspo/internal/buildinfo"
	"github.com/simox10/misspo/internal/connwatch"
	"github.com/simox10/misspo/internal/events"
	"github.com/simox10/misspo/internal/realtime"
)

// RefreshInterval is the minimum spacing of forced status checks.
const RefreshInterval = 10 * time.Second

const sseKeepalive = 30 * time.Second

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Realtime is the part of realtime.Manager the API drives.
type Realtime interface {
	State() realtime.State
	Refresh(ctx context.Context) error
}

// HealthReporter reports watched connections. *connwatch.Manager
// satisfies it.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
}

// Server is the operator HTTP API server.
type Server struct {
	address string
	port    int
	rt      Realtime
	bus     *events.Bus[realtime.Event]
	health  HealthReporter
	limiter *rate.Limiter
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server. bus may be nil, in which case
// the event stream endpoint reports 503.
func NewServer(address string, port int, rt Realtime, bus *events.Bus[realtime.Event], logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		rt:      rt,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Every(RefreshInterval), 1),
		logger:  logger.With("component", "api"),
	}
}

// SetHealth configures the connection health source shown in the
// realtime state.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)

		r.Route("/realtime", func(r chi.Router) {
			r.Get("/", s.handleRealtimeState)
			r.Post("/refresh", s.handleRefresh)
			r.Get("/events", s.handleEvents)
		})
	})

	return r
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the event stream is long-lived.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// ChannelResponse is one channel in StateResponse.
type ChannelResponse struct {
	Name    string `json:"name"`
	Event   string `json:"event"`
	HasPoll bool   `json:"has_poll"`
	Bound   bool   `json:"bound"`
}

// SnapshotResponse is the last status endpoint answer.
type SnapshotResponse struct {
	Mode              realtime.Mode   `json:"mode"`
	Reason            realtime.Reason `json:"reason"`
	PollingIntervalMS int64           `json:"polling_interval_ms"`
}

// StateResponse is the body of GET /v1/realtime.
type StateResponse struct {
	Mode                   realtime.Mode                      `json:"mode"`
	Reason                 realtime.Reason                    `json:"reason"`
	PollingIntervalMS      int64                              `json:"polling_interval_ms"`
	StatusCheckIntervalSec float64                            `json:"status_check_interval_sec"`
	LastCheck              *time.Time                         `json:"last_check,omitempty"`
	LastStatus             *SnapshotResponse                  `json:"last_status,omitempty"`
	Started                bool                               `json:"started"`
	Closed                 bool                               `json:"closed"`
	Channels               []ChannelResponse                  `json:"channels"`
	Connections            map[string]connwatch.ServiceStatus `json:"connections,omitempty"`
}

func (s *Server) stateResponse() StateResponse {
	st := s.rt.State()
	resp := StateResponse{
		Mode:                   st.Mode,
		Reason:                 st.Reason,
		PollingIntervalMS:      st.PollingInterval.Milliseconds(),
		StatusCheckIntervalSec: st.StatusCheckInterval.Seconds(),
		Started:                st.Started,
		Closed:                 st.Closed,
		Channels:               make([]ChannelResponse, 0, len(st.Channels)),
	}
	if !st.LastCheck.IsZero() {
		lc := st.LastCheck
		resp.LastCheck = &lc
		resp.LastStatus = &SnapshotResponse{
			Mode:              st.LastStatus.Mode,
			Reason:            st.LastStatus.Reason,
			PollingIntervalMS: st.LastStatus.PollingInterval.Milliseconds(),
		}
	}
	for _, ch := range st.Channels {
		resp.Channels = append(resp.Channels, ChannelResponse{
			Name:    ch.Name,
			Event:   ch.Event,
			HasPoll: ch.HasPoll,
			Bound:   ch.Bound,
		})
	}
	if s.health != nil {
		resp.Connections = s.health.Status()
	}
	return resp
}

func (s *Server) handleRealtimeState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.stateResponse(), s.logger)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", strconv.Itoa(int(RefreshInterval.Seconds())))
		s.errorResponse(w, http.StatusTooManyRequests, "refresh rate limited")
		return
	}

	err := s.rt.Refresh(r.Context())
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrCheckInFlight):
		s.errorResponse(w, http.StatusConflict, "status check already in progress")
		return
	case errors.Is(err, realtime.ErrClosed), errors.Is(err, realtime.ErrNotStarted):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Debug("refresh abandoned", "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, "refresh cancelled")
		return
	default:
		s.logger.Error("refresh failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "refresh failed")
		return
	}

	s.logger.Info("status refresh triggered via API")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.stateResponse(), s.logger)
}

// eventEnvelope frames an event on the SSE stream.
type eventEnvelope struct {
	Kind string         `json:"kind"`
	Data realtime.Event `json:"data"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(sub)

	fmt.Fprintf(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.writeSSE(w, ev)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) writeSSE(w http.ResponseWriter, ev realtime.Event) {
	data, err := json.Marshal(eventEnvelope{Kind: ev.Kind(), Data: ev})
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind(), data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
