package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// pollScheduler fires every registered poll fallback on a fixed-rate
// ticker. It exists only while the manager is in poll mode; a new one
// is created on each switch to poll.
type pollScheduler struct {
	m      *Manager
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	inflight map[pollKey]bool
}

// pollKey identifies one subscription generation, so a replaced
// channel is not held back by its predecessor's call.
type pollKey struct {
	channel string
	gen     uint64
}

// startScheduler launches the tick loop at the manager's current
// polling interval. The first tick fires one interval from now.
func (m *Manager) startScheduler(parent context.Context) *pollScheduler {
	ctx, cancel := context.WithCancel(parent)
	s := &pollScheduler{
		m:        m,
		logger:   m.logger.With("component", "poll_scheduler"),
		cancel:   cancel,
		done:     make(chan struct{}),
		inflight: make(map[pollKey]bool),
	}

	interval := m.PollingInterval()
	t := m.newTicker(interval)
	s.logger.Info("polling started", "interval", interval.String())

	go s.run(ctx, t, interval)
	return s
}

// stop halts the tick loop and waits for it to exit. In-flight poll
// calls see their context cancelled; their results are discarded.
func (s *pollScheduler) stop() {
	s.cancel()
	<-s.done
	s.logger.Info("polling stopped")
}

func (s *pollScheduler) run(ctx context.Context, t ticker, interval time.Duration) {
	defer close(s.done)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			s.tick(ctx)

			// A new interval from the status endpoint applies from the
			// next cycle on.
			if next := s.m.PollingInterval(); next != interval {
				s.logger.Info("polling interval changed",
					"from", interval.String(),
					"to", next.String(),
				)
				interval = next
				t.Reset(interval)
			}
		}
	}
}

// tick starts one poll per channel that has a fallback. Calls run
// concurrently; a channel whose previous call has not finished skips
// this tick so its results stay ordered.
func (s *pollScheduler) tick(ctx context.Context) {
	started := 0
	for _, e := range s.m.reg.snapshot() {
		if e.sub.Poll == nil {
			continue
		}
		if !s.claim(e) {
			s.logger.Debug("previous poll still running, skipping tick", "channel", e.sub.Channel)
			continue
		}
		started++
		go s.pollOne(ctx, e)
	}
	s.logger.Debug("poll tick", "channels", started)
}

func (s *pollScheduler) claim(e entry) bool {
	key := pollKey{channel: e.sub.Channel, gen: e.gen}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] {
		return false
	}
	s.inflight[key] = true
	return true
}

func (s *pollScheduler) release(e entry) {
	s.mu.Lock()
	delete(s.inflight, pollKey{channel: e.sub.Channel, gen: e.gen})
	s.mu.Unlock()
}

// pollOne runs a single fallback. Errors and panics are logged and
// never reach sibling channels or the tick loop.
func (s *pollScheduler) pollOne(ctx context.Context, e entry) {
	defer s.release(e)

	payload, err := s.call(ctx, e.sub.Poll)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("poll failed", "channel", e.sub.Channel, "error", err)
		return
	}

	s.m.deliverPoll(s, e, payload)
}

func (s *pollScheduler) call(ctx context.Context, fn PollFunc) (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panicked: %v", r)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.m.cfg.RequestTimeout)
	defer cancel()
	return fn(callCtx)
}
