// Consolesync keeps an admin console's live data current. It listens
// for backend events over a push transport (a Pusher-protocol websocket
// or MQTT) and falls back to polling the backend's feed endpoints when
// the backend's realtime status endpoint says push is unavailable.
//
// Usage:
//
//	consolesync watch              Run the realtime manager and operator API
//	consolesync status             Query the backend realtime status once
//	consolesync version            Print version and build information
//	consolesync -o json status     Output the status as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/simox10/misspo/internal/api"
	"github.com/simox10/misspo/internal/backend"
	"github.com/simox10/misspo/internal/buildinfo"
	"github.com/simox10/misspo/internal/config"
	"github.com/simox10/misspo/internal/connwatch"
	"github.com/simox10/misspo/internal/events"
	"github.com/simox10/misspo/internal/pushmqtt"
	"github.com/simox10/misspo/internal/pushws"
	"github.com/simox10/misspo/internal/realtime"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime; logs
// and command output go to stdout. args is os.Args[1:], parsed by hand
// so tests can call run concurrently.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				return fmt.Errorf("unexpected argument: %s", args[i])
			}
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "watch":
		return runWatch(ctx, stdout, configPath)
	case "status":
		return runStatus(ctx, stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Consolesync - realtime console updates with polling fallback")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: consolesync [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  watch        Run the realtime manager until interrupted")
	fmt.Fprintln(w, "  status       Query the backend realtime status once")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/consolesync/config.yaml, /etc/consolesync/config.yaml")
	return nil
}

// runStatus performs a single status check and prints the backend's
// answer. It does not start any transport.
func runStatus(ctx context.Context, stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(io.Discard, cfg)
	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.RequestTimeout(), logger)

	ctx, cancel := context.WithTimeout(ctx, cfg.Backend.RequestTimeout())
	defer cancel()

	resp, err := client.RealtimeStatus(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	snap, err := resp.Snapshot()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"mode":                 snap.Mode,
			"reason":               snap.Reason,
			"polling_interval_sec": snap.PollingInterval.Seconds(),
			"backend":              client.BaseURL(),
		})
	}
	fmt.Fprintf(stdout, "backend:          %s\n", client.BaseURL())
	fmt.Fprintf(stdout, "mode:             %s\n", snap.Mode)
	if snap.Reason != "" {
		fmt.Fprintf(stdout, "reason:           %s\n", snap.Reason)
	}
	if snap.PollingInterval > 0 {
		fmt.Fprintf(stdout, "polling interval: %s\n", snap.PollingInterval)
	}
	return nil
}

// pushTransport is what watch needs from a configured push client.
type pushTransport interface {
	realtime.PushTransport
	realtime.Suspender
	Close() error
}

// runWatch is the primary operating mode. It wires the backend client,
// the push transport and the realtime manager, subscribes every
// configured channel, optionally serves the operator API, and blocks
// until ctx is cancelled or a shutdown signal arrives.
//
// Shutdown order: manager (stops polling and unbinds), transport, API.
func runWatch(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	logger.Info("starting consolesync", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"backend", cfg.Backend.BaseURL,
		"transport", cfg.Push.Transport,
		"channels", len(cfg.Channels),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, cfg.Backend.RequestTimeout(), logger)

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	push, err := buildPush(ctx, cfg, connMgr, logger)
	if err != nil {
		return err
	}

	bus := events.New[realtime.Event]()

	rtCfg := realtime.Config{
		Status: client,
		OnModeChange: func(mode realtime.Mode, reason realtime.Reason) {
			logger.Info("realtime mode changed", "mode", mode, "reason", reason)
		},
		OnUpdate: func(u realtime.DataUpdated) {
			logger.Debug("update received", "channel", u.Channel, "event", u.Event, "source", u.Source, "bytes", len(u.Payload))
		},
		Sink:                bus,
		PollingInterval:     cfg.Realtime.PollingInterval(),
		StatusCheckInterval: cfg.Realtime.StatusCheckInterval(),
		RequestTimeout:      cfg.Backend.RequestTimeout(),
		Logger:              logger,
	}
	if push != nil {
		rtCfg.Push = push
	}
	mgr := realtime.New(rtCfg)

	for _, ch := range cfg.Channels {
		var poll realtime.PollFunc
		if ch.PollPath != "" {
			poll = client.Poll(ch.PollPath)
		}
		mgr.Subscribe(ch.Name, ch.Event, func(json.RawMessage) {}, poll)
	}

	if err := mgr.Start(ctx); err != nil {
		if push != nil {
			_ = push.Close()
		}
		return fmt.Errorf("start realtime manager: %w", err)
	}
	logger.Info("realtime manager started", "mode", mgr.Mode(), "reason", mgr.Reason())

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.Listen.Configured() {
		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, mgr, bus, logger)
		server.SetHealth(connMgr)
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		runErr = fmt.Errorf("server failed: %w", err)
	}

	mgr.Close()
	if push != nil {
		if err := push.Close(); err != nil {
			logger.Error("push transport close failed", "error", err)
		}
	}
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}

	logger.Info("consolesync stopped")
	return runErr
}

// buildPush creates and starts the configured push transport. It
// returns nil for transport "none".
func buildPush(ctx context.Context, cfg *config.Config, connMgr *connwatch.Manager, logger *slog.Logger) (pushTransport, error) {
	switch cfg.Push.Transport {
	case config.TransportWebSocket:
		ws, err := pushws.New(pushws.Config{
			URL:     cfg.Push.WebSocket.URL,
			AppKey:  cfg.Push.WebSocket.AppKey,
			Backoff: connwatch.DefaultBackoffConfig(),
			Watch:   connMgr,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("websocket transport: %w", err)
		}
		ws.Start(ctx)
		logger.Info("websocket push transport enabled", "url", cfg.Push.WebSocket.URL)
		return ws, nil

	case config.TransportMQTT:
		mq, err := pushmqtt.New(pushmqtt.Config{
			Broker:      cfg.Push.MQTT.Broker,
			Username:    cfg.Push.MQTT.Username,
			Password:    cfg.Push.MQTT.Password,
			TopicPrefix: cfg.Push.MQTT.TopicPrefix,
			ClientID:    cfg.Push.MQTT.ClientID,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mqtt transport: %w", err)
		}
		if err := mq.Start(ctx); err != nil {
			return nil, fmt.Errorf("mqtt transport: %w", err)
		}
		logger.Info("mqtt push transport enabled", "broker", cfg.Push.MQTT.Broker, "prefix", cfg.Push.MQTT.TopicPrefix)
		return mq, nil

	default:
		logger.Info("push transport disabled, console will poll")
		return nil, nil
	}
}

// newLogger builds the configured logger. Level strings were validated
// at load time.
func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
