// Package connwatch supervises a long-lived connection (the push
// transport's websocket) with exponential backoff.
//
// A Watcher repeatedly calls its ProbeFunc. While the probe fails it
// retries with growing delays (2s, 4s, 8s ... capped at 60s); once it
// succeeds it re-probes every PollInterval. Kick cuts the current wait
// short, so a client that notices a dropped connection reconnects at
// once instead of waiting for the next scheduled probe. Stop halts all
// reconnection attempts, which is what the realtime manager relies on
// when it leaves push mode.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks (and if needed re-establishes) the connection.
// Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls retry timing.
type BackoffConfig struct {
	// InitialDelay is the delay after the first failed probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps the backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failure (default: 2.0).
	Multiplier float64

	// PollInterval is the wait between probes while healthy (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, ... 60s retries and 60s
// health probes.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (b BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// WatcherConfig configures a single watcher.
type WatcherConfig struct {
	// Name identifies the connection in logs and Status (e.g. "pushws").
	Name string

	// Probe checks the connection. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady runs on the watcher goroutine after a not-ready to ready
	// transition, before the next probe is scheduled. Optional.
	OnReady func()

	// OnDown runs on the watcher goroutine after a ready to not-ready
	// transition. Optional.
	OnDown func(err error)

	// Logger defaults to slog.Default() if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of a watched connection, suitable for
// JSON serialization in the operator API.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Attempts  int       `json:"failed_attempts"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher supervises a single connection.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	stop   sync.Once

	mu        sync.Mutex
	failures  int
	lastErr   error
	lastCheck time.Time
}

// New starts a watcher goroutine that runs until ctx is cancelled or
// Stop is called. Panics if Name is empty or Probe is nil.
func New(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		kick:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		Attempts:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Kick requests an immediate probe. Non-blocking; repeated kicks
// before the watcher wakes collapse into one.
func (w *Watcher) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Stop cancels the watcher and waits for its goroutine to exit. Safe
// to call more than once and from any goroutine except the watcher's
// own callbacks.
func (w *Watcher) Stop() {
	w.stop.Do(w.cancel)
	<-w.done
}

// Done is closed when the watcher goroutine has exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	logger := w.config.Logger
	delay := cfg.InitialDelay

	for {
		err := w.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		failures := w.recordResult(err)
		wasReady := w.ready.Load()

		var wait time.Duration
		switch {
		case err == nil:
			delay = cfg.InitialDelay
			wait = cfg.PollInterval
			if !wasReady {
				w.ready.Store(true)
				logger.Info("connection ready",
					"service", w.config.Name,
					"after_failures", failures,
				)
				if w.config.OnReady != nil {
					w.config.OnReady()
				}
			}
		default:
			wait = delay
			delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
			if wasReady {
				w.ready.Store(false)
				logger.Warn("connection lost",
					"service", w.config.Name,
					"error", err,
				)
				if w.config.OnDown != nil {
					w.config.OnDown(err)
				}
			} else {
				logger.Debug("connection attempt failed",
					"service", w.config.Name,
					"attempt", failures,
					"next_delay", wait.String(),
					"error", err,
				)
			}
		}

		if !w.wait(ctx, wait) {
			return
		}
	}
}

// wait sleeps for d, returning early on Kick. Returns false if ctx
// was cancelled.
func (w *Watcher) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// recordResult stores the probe outcome and returns the consecutive
// failure count.
func (w *Watcher) recordResult(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err
	w.lastCheck = time.Now()
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	return w.failures
}

// Manager tracks named watchers so their health can be reported
// together.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts a watcher and registers it under cfg.Name, stopping any
// previous watcher registered under the same name.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	w := New(ctx, cfg)

	m.mu.Lock()
	prev := m.watchers[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	return w
}

// Forget stops and removes the watcher registered under name, if any.
func (m *Manager) Forget(name string) {
	m.mu.Lock()
	w := m.watchers[name]
	delete(m.watchers, name)
	m.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Status returns the health of all registered watchers.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	clear(m.watchers)
	m.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
}
