// Package realtime keeps an operator console in sync with backend
// events over whichever transport the backend currently allows.
//
// A Manager holds a registry of logical channels. In push mode every
// channel is bound to the push transport; in poll mode the same
// channels are fetched on a fixed interval through their poll
// fallbacks. A status source (the backend's realtime-status endpoint)
// decides the mode; any failure to reach it degrades to polling.
// Consumers see one stream of updates regardless of transport.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Defaults applied by New for zero-value Config durations.
const (
	DefaultPollingInterval     = 60 * time.Second
	DefaultStatusCheckInterval = 5 * time.Minute
	DefaultRequestTimeout      = 10 * time.Second
)

var (
	// ErrClosed is returned by Start and Refresh after Close.
	ErrClosed = errors.New("realtime: manager closed")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("realtime: manager already started")
	// ErrNotStarted is returned by Refresh before Start.
	ErrNotStarted = errors.New("realtime: manager not started")
	// ErrCheckInFlight is returned when a status check is requested
	// while another one is still running. The request is dropped.
	ErrCheckInFlight = errors.New("realtime: status check already in flight")
)

// Config configures a Manager.
type Config struct {
	// Status decides the mode. Required.
	Status StatusSource

	// Push is the pub/sub client. If it also implements Suspender, its
	// reconnection is suspended while in poll mode. Nil means push mode
	// delivers nothing (useful when only polling is deployed).
	Push PushTransport

	// OnModeChange is called once per completed transition. It runs
	// while the transition lock is held and must not call Subscribe,
	// Unsubscribe, Refresh or Close synchronously.
	OnModeChange func(mode Mode, reason Reason)

	// OnUpdate receives every payload from either transport, after the
	// channel's own PayloadFunc. A transition waits for deliveries in
	// progress, so neither callback may call Subscribe, Unsubscribe,
	// Refresh or Close synchronously.
	OnUpdate func(DataUpdated)

	// Sink receives ModeChanged and DataUpdated events. Optional.
	Sink Sink

	// PollingInterval is the cadence until the status source says
	// otherwise (default 60s).
	PollingInterval time.Duration

	// StatusCheckInterval is the status source cadence (default 5m).
	StatusCheckInterval time.Duration

	// RequestTimeout bounds each status check, poll call, Listen and
	// Leave (default 10s).
	RequestTimeout time.Duration

	Logger *slog.Logger
}

// Manager is the realtime update delivery manager. Create it with New,
// register channels with Subscribe (before or after Start), and call
// Close when the console shuts down.
type Manager struct {
	cfg       Config
	logger    *slog.Logger
	reg       *registry
	newTicker func(time.Duration) ticker
	checking  atomic.Bool
	closeOnce sync.Once

	// transMu serializes transitions with attach and detach, so a
	// transition's teardown, setup and OnModeChange are never
	// interleaved with another's.
	transMu sync.Mutex

	// deliverMu is held for reading while a payload is checked and
	// delivered, and for writing while the mode or closed flag flips.
	// No delivery straddles a transition.
	deliverMu sync.RWMutex

	mu         sync.Mutex
	mode       Mode
	reason     Reason
	interval   time.Duration
	lastCheck  time.Time
	lastStatus Snapshot
	sched      *pollScheduler
	started    bool
	ready      bool
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	statusDone chan struct{}
}

// New creates a Manager in push mode. Nothing runs until Start.
// Panics if cfg.Status is nil.
func New(cfg Config) *Manager {
	if cfg.Status == nil {
		panic("realtime: Config.Status must not be nil")
	}
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = DefaultPollingInterval
	}
	if cfg.StatusCheckInterval <= 0 {
		cfg.StatusCheckInterval = DefaultStatusCheckInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "realtime"),
		reg:       newRegistry(),
		newTicker: newRealTicker,
		mode:      ModePush,
		interval:  cfg.PollingInterval,
	}
}

// Start performs one status check, applies the resulting mode, binds
// channels registered so far, and starts the periodic status loop.
// The loop runs until ctx is cancelled or Close is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.started:
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.statusDone = make(chan struct{})
	done := m.statusDone
	m.mu.Unlock()

	m.logger.Info("realtime manager starting",
		"channels", m.reg.len(),
		"status_check_interval", m.cfg.StatusCheckInterval.String(),
		"polling_interval", m.PollingInterval().String(),
	)

	// The first check may move straight to poll mode before any push
	// binding exists.
	_ = m.checkStatus(runCtx)

	m.transMu.Lock()
	m.mu.Lock()
	push := m.mode == ModePush && !m.closed
	m.mu.Unlock()
	if push {
		m.attachAll()
	}
	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.transMu.Unlock()

	go m.statusLoop(runCtx, m.newTicker(m.cfg.StatusCheckInterval), done)
	return nil
}

// Subscribe registers a channel. push receives payloads from either
// transport; poll (optional) is the channel's fallback in poll mode.
// Subscribing an existing channel replaces it: in push mode the old
// binding is left before the new one is attached.
// Panics if channel is empty or push is nil.
func (m *Manager) Subscribe(channel, event string, push PayloadFunc, poll PollFunc) {
	if channel == "" {
		panic("realtime: Subscribe channel must not be empty")
	}
	if push == nil {
		panic("realtime: Subscribe push callback must not be nil")
	}

	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	closed := m.closed
	live := m.ready && m.mode == ModePush
	m.mu.Unlock()
	if closed {
		m.logger.Warn("subscribe after close ignored", "channel", channel)
		return
	}

	sub := Subscription{Channel: channel, Event: event, Push: push, Poll: poll}
	prev, replaced, gen := m.reg.register(sub)
	if replaced {
		m.logger.Info("channel subscription replaced",
			"channel", channel,
			"old_event", prev.sub.Event,
			"event", event,
		)
	} else {
		m.logger.Debug("channel subscribed", "channel", channel, "event", event, "has_poll", poll != nil)
	}

	if !live {
		return
	}
	if replaced {
		m.detach(channel)
	}
	m.attach(entry{sub: sub, gen: gen})
}

// Unsubscribe removes a channel and, in push mode, leaves it on the
// push transport. Unknown channels are ignored. A poll already in
// flight for the channel finishes but its result is discarded.
func (m *Manager) Unsubscribe(channel string) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	if _, ok := m.reg.unregister(channel); !ok {
		return
	}

	m.mu.Lock()
	live := m.ready && m.mode == ModePush && !m.closed
	m.mu.Unlock()
	if live {
		m.detach(channel)
	}
	m.logger.Debug("channel unsubscribed", "channel", channel)
}

// Mode returns the active transport mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Reason returns why the active mode was chosen. It is empty until
// the first transition.
func (m *Manager) Reason() Reason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// PollingInterval returns the cadence used in poll mode.
func (m *Manager) PollingInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// Entries yields the registered channels in name order. Each range
// over the result reads the registry afresh.
func (m *Manager) Entries() iter.Seq2[string, Subscription] {
	return m.reg.all()
}

// ChannelState describes one registered channel.
type ChannelState struct {
	Name    string
	Event   string
	HasPoll bool
	// Bound is true while a push binding is live.
	Bound bool
}

// State is a point-in-time view of the manager for display.
type State struct {
	Mode                Mode
	Reason              Reason
	PollingInterval     time.Duration
	StatusCheckInterval time.Duration
	LastCheck           time.Time
	LastStatus          Snapshot
	Started             bool
	Closed              bool
	Channels            []ChannelState
}

// State returns a snapshot of the manager.
func (m *Manager) State() State {
	m.mu.Lock()
	st := State{
		Mode:                m.mode,
		Reason:              m.reason,
		PollingInterval:     m.interval,
		StatusCheckInterval: m.cfg.StatusCheckInterval,
		LastCheck:           m.lastCheck,
		LastStatus:          m.lastStatus,
		Started:             m.started,
		Closed:              m.closed,
	}
	m.mu.Unlock()

	for _, e := range m.reg.snapshot() {
		st.Channels = append(st.Channels, ChannelState{
			Name:    e.sub.Channel,
			Event:   e.sub.Event,
			HasPoll: e.sub.Poll != nil,
			Bound:   e.bound,
		})
	}
	return st
}

// Refresh runs a status check now and applies its result. It returns
// ErrCheckInFlight if a check is already running, and ctx's error if
// ctx is cancelled before the check completes; the mode is then left
// as it was.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case !m.started:
		m.mu.Unlock()
		return ErrNotStarted
	}
	runCtx := m.ctx
	m.mu.Unlock()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	return m.checkStatus(reqCtx)
}

// Close stops both timers, leaves every push binding and clears the
// registry. No tick fires after Close returns. Safe to call more than
// once; must not be called from OnModeChange.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.deliverMu.Lock()
		m.mu.Lock()
		m.closed = true
		cancel, done := m.cancel, m.statusDone
		m.mu.Unlock()
		m.deliverMu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}

		m.transMu.Lock()
		defer m.transMu.Unlock()

		m.mu.Lock()
		sched := m.sched
		m.sched = nil
		live := m.ready && m.mode == ModePush
		m.mu.Unlock()

		if sched != nil {
			sched.stop()
		}
		for _, e := range m.reg.clear() {
			if live {
				m.detach(e.sub.Channel)
			}
		}
		m.logger.Info("realtime manager closed")
	})
}

func (m *Manager) statusLoop(ctx context.Context, t ticker, done chan struct{}) {
	defer close(done)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			_ = m.checkStatus(ctx)
		}
	}
}

// checkStatus asks the status source for a recommendation and applies
// it. Failures are converted to poll/status_check_failed; a cancelled
// ctx returns its error and changes nothing. Concurrent calls are
// dropped, not queued.
func (m *Manager) checkStatus(ctx context.Context) error {
	if !m.checking.CompareAndSwap(false, true) {
		m.logger.Debug("status check already running, dropping request")
		return ErrCheckInFlight
	}
	defer m.checking.Store(false)

	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	snap, err := m.cfg.Status.Check(checkCtx)
	cancel()

	// Cancellation by the caller or by shutdown is not a failed check.
	if ctx.Err() != nil {
		m.logger.Debug("status check abandoned", "error", ctx.Err())
		return ctx.Err()
	}

	if err == nil && !snap.Mode.Valid() {
		err = fmt.Errorf("unknown mode %q", snap.Mode)
	}
	if err != nil {
		m.logger.Warn("status check failed, falling back to polling", "error", err)
		snap = Snapshot{Mode: ModePoll, Reason: ReasonStatusCheckFailed}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.lastCheck = time.Now()
	m.lastStatus = snap
	if snap.PollingInterval > 0 && snap.PollingInterval != m.interval {
		m.logger.Info("polling interval updated",
			"from", m.interval.String(),
			"to", snap.PollingInterval.String(),
		)
		m.interval = snap.PollingInterval
	}
	m.mu.Unlock()

	m.logger.Debug("status checked",
		"mode", snap.Mode,
		"reason", snap.Reason,
		"polling_interval", snap.PollingInterval.String(),
	)

	m.switchTo(snap.Mode, snap.Reason)
	return nil
}

// switchTo moves to target, tearing down the old transport and
// bringing up the new one before notifying observers. Requesting the
// active mode does nothing.
func (m *Manager) switchTo(target Mode, reason Reason) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.deliverMu.Lock()
	m.mu.Lock()
	if m.closed || m.mode == target {
		m.mu.Unlock()
		m.deliverMu.Unlock()
		return
	}
	from := m.mode
	m.mode = target
	runCtx := m.ctx
	m.mu.Unlock()
	m.deliverMu.Unlock()

	switch target {
	case ModePoll:
		m.detachAll()
		if s, ok := m.cfg.Push.(Suspender); ok {
			s.Suspend()
		}
		sched := m.startScheduler(runCtx)
		m.mu.Lock()
		m.sched = sched
		m.mu.Unlock()

	case ModePush:
		m.mu.Lock()
		sched := m.sched
		m.sched = nil
		m.mu.Unlock()
		if sched != nil {
			sched.stop()
		}
		if s, ok := m.cfg.Push.(Suspender); ok {
			resumeCtx, cancel := context.WithTimeout(runCtx, m.cfg.RequestTimeout)
			if err := s.Resume(resumeCtx); err != nil {
				m.logger.Warn("push transport resume failed", "error", err)
			}
			cancel()
		}
		m.attachAll()
	}

	m.mu.Lock()
	m.reason = reason
	m.mu.Unlock()

	m.logger.Info("transport mode changed", "from", from, "to", target, "reason", reason)

	if m.cfg.OnModeChange != nil {
		m.cfg.OnModeChange(target, reason)
	}
	if m.cfg.Sink != nil {
		m.cfg.Sink.Publish(ModeChanged{Mode: target, Reason: reason, At: time.Now()})
	}
}

// attachAll binds every registered channel that is not bound yet.
// Callers hold transMu.
func (m *Manager) attachAll() {
	for _, e := range m.reg.snapshot() {
		if !e.bound {
			m.attach(e)
		}
	}
}

// detachAll leaves every registered channel. Leaving a channel the
// transport never bound is harmless, and covers bindings whose Listen
// reported an error but were still recorded by the transport.
func (m *Manager) detachAll() {
	for _, e := range m.reg.snapshot() {
		m.detach(e.sub.Channel)
		m.reg.setBound(e.sub.Channel, e.gen, false)
	}
}

func (m *Manager) attach(e entry) {
	if m.cfg.Push == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	if err := m.cfg.Push.Listen(ctx, e.sub.Channel, e.sub.Event, m.pushHandler(e)); err != nil {
		m.logger.Warn("push attach failed",
			"channel", e.sub.Channel,
			"event", e.sub.Event,
			"error", err,
		)
		return
	}
	m.reg.setBound(e.sub.Channel, e.gen, true)
	m.logger.Debug("push binding attached", "channel", e.sub.Channel, "event", e.sub.Event)
}

func (m *Manager) detach(channel string) {
	if m.cfg.Push == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()

	if err := m.cfg.Push.Leave(ctx, channel); err != nil {
		m.logger.Warn("push detach failed", "channel", channel, "error", err)
		return
	}
	m.logger.Debug("push binding detached", "channel", channel)
}

// pushHandler wraps delivery for one binding. Events that arrive after
// the binding was replaced, removed, or the manager left push mode are
// dropped so nothing is delivered twice across a switch.
func (m *Manager) pushHandler(e entry) PayloadFunc {
	return func(payload json.RawMessage) {
		m.deliverMu.RLock()
		defer m.deliverMu.RUnlock()

		m.mu.Lock()
		live := m.mode == ModePush && !m.closed
		m.mu.Unlock()

		if !live || !m.reg.current(e.sub.Channel, e.gen) {
			m.logger.Debug("dropping push event for inactive binding", "channel", e.sub.Channel)
			return
		}
		m.deliver(e.sub, SourcePush, payload)
	}
}

// deliverPoll accepts a poll result only from the live scheduler.
func (m *Manager) deliverPoll(s *pollScheduler, e entry, payload json.RawMessage) {
	m.deliverMu.RLock()
	defer m.deliverMu.RUnlock()

	m.mu.Lock()
	live := m.mode == ModePoll && m.sched == s && !m.closed
	m.mu.Unlock()

	if !live || !m.reg.current(e.sub.Channel, e.gen) {
		m.logger.Debug("dropping stale poll result", "channel", e.sub.Channel)
		return
	}
	m.deliver(e.sub, SourcePoll, payload)
}

func (m *Manager) deliver(sub Subscription, src Source, payload json.RawMessage) {
	upd := DataUpdated{
		ID:      uuid.New(),
		Channel: sub.Channel,
		Event:   sub.Event,
		Source:  src,
		Payload: payload,
		At:      time.Now(),
	}

	sub.Push(payload)
	if m.cfg.OnUpdate != nil {
		m.cfg.OnUpdate(upd)
	}
	if m.cfg.Sink != nil {
		m.cfg.Sink.Publish(upd)
	}
}
