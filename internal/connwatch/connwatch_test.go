package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
}

func TestBackoffConfig_ZeroValuesGetDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{InitialDelay: time.Second}.withDefaults()
	if got.InitialDelay != time.Second {
		t.Errorf("InitialDelay = %v, want 1s kept", got.InitialDelay)
	}
	if got.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want default 10s", got.ProbeTimeout)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	var ready atomic.Int32

	w := New(context.Background(), WatcherConfig{
		Name:    "test-immediate",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { ready.Add(1) },
	})
	defer w.Stop()

	waitFor(t, "ready", w.IsReady)
	time.Sleep(20 * time.Millisecond)

	if ready.Load() != 1 {
		t.Errorf("OnReady called %d times, want 1", ready.Load())
	}
	if w.LastError() != nil {
		t.Errorf("LastError() = %v, want nil", w.LastError())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	errDown := errors.New("dial refused")
	var attempts atomic.Int32

	w := New(context.Background(), WatcherConfig{
		Name: "test-backoff",
		Probe: func(ctx context.Context) error {
			if attempts.Add(1) <= 3 {
				return errDown
			}
			return nil
		},
		Backoff: testBackoff(),
	})
	defer w.Stop()

	waitFor(t, "ready", w.IsReady)
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
	if st := w.Status(); st.Attempts != 0 {
		t.Errorf("failed_attempts = %d after recovery, want 0", st.Attempts)
	}
}

func TestWatcher_ReadyToDownToReady(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)
	var ready, down atomic.Int32

	w := New(context.Background(), WatcherConfig{
		Name: "test-transitions",
		Probe: func(ctx context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("socket closed")
		},
		Backoff: testBackoff(),
		OnReady: func() { ready.Add(1) },
		OnDown:  func(error) { down.Add(1) },
	})
	defer w.Stop()

	waitFor(t, "first ready", func() bool { return ready.Load() == 1 })

	healthy.Store(false)
	waitFor(t, "down", func() bool { return down.Load() == 1 })
	if w.IsReady() {
		t.Error("IsReady() = true after OnDown")
	}

	healthy.Store(true)
	waitFor(t, "second ready", func() bool { return ready.Load() == 2 })
}

func TestWatcher_KickProbesImmediately(t *testing.T) {
	t.Parallel()
	var probes atomic.Int32

	cfg := testBackoff()
	cfg.PollInterval = time.Hour
	w := New(context.Background(), WatcherConfig{
		Name: "test-kick",
		Probe: func(ctx context.Context) error {
			probes.Add(1)
			return nil
		},
		Backoff: cfg,
	})
	defer w.Stop()

	waitFor(t, "first probe", func() bool { return probes.Load() == 1 })
	w.Kick()
	waitFor(t, "kicked probe", func() bool { return probes.Load() == 2 })
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	var probes atomic.Int32
	w := New(context.Background(), WatcherConfig{
		Name: "test-stop",
		Probe: func(ctx context.Context) error {
			probes.Add(1)
			return errors.New("down")
		},
		Backoff: testBackoff(),
	})

	w.Stop()
	w.Stop()

	select {
	case <-w.Done():
	default:
		t.Fatal("Done() not closed after Stop")
	}
	n := probes.Load()
	time.Sleep(20 * time.Millisecond)
	if probes.Load() != n {
		t.Error("probes continued after Stop")
	}
}

func TestNew_PanicsOnMissingFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			New(context.Background(), tt.cfg)
		})
	}
}

func TestManager_WatchReplacesAndStatus(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default())
	defer m.Stop()

	first := m.Watch(context.Background(), WatcherConfig{
		Name:    "pushws",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	second := m.Watch(context.Background(), WatcherConfig{
		Name:    "pushws",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced watcher was not stopped")
	}

	waitFor(t, "second ready", second.IsReady)
	status := m.Status()
	if len(status) != 1 || !status["pushws"].Ready {
		t.Errorf("Status() = %+v, want one ready pushws entry", status)
	}

	m.Forget("pushws")
	if len(m.Status()) != 0 {
		t.Error("Forget did not remove watcher")
	}
}
