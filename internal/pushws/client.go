// Package pushws is a push transport speaking the Pusher channels
// protocol (version 7) over a websocket, as served by Pusher-compatible
// servers such as Laravel Reverb and Soketi.
//
// The connection is owned by a connwatch.Watcher: its probe dials when
// disconnected and pings when connected, so a dropped socket is
// re-established with backoff and every channel is re-subscribed. The
// realtime manager suspends the client (stopping the watcher) while it
// is in poll mode.
package pushws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simox10/misspo/internal/buildinfo"
	"github.com/simox10/misspo/internal/connwatch"
	"github.com/simox10/misspo/internal/realtime"
)

// WatcherName identifies the client's connection in connwatch status.
const WatcherName = "pushws"

const (
	protocolVersion = "7"
	writeTimeout    = 10 * time.Second
	handshakeWait   = 10 * time.Second
	maxMessageBytes = 1 << 20

	// levelTrace matches config.LevelTrace; raw frames are logged at it.
	levelTrace = slog.Level(-8)
)

var errNotConnected = errors.New("pushws: not connected")

// Config configures a Client.
type Config struct {
	// URL is the websocket server root, e.g. ws://localhost:8080. http
	// and https schemes are converted.
	URL string

	// AppKey is the application key in the /app/<key> path.
	AppKey string

	// Backoff controls reconnect timing. PollInterval doubles as the
	// keepalive ping interval (default 30s).
	Backoff connwatch.BackoffConfig

	// Watch registers the connection watcher for health reporting.
	// Optional.
	Watch *connwatch.Manager

	Logger *slog.Logger
}

// frame is the Pusher protocol envelope.
type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// Client is a Pusher protocol push transport. It implements
// realtime.PushTransport and realtime.Suspender.
type Client struct {
	cfg      Config
	endpoint string
	logger   *slog.Logger

	// connMu guards conn and serializes writes.
	connMu   sync.Mutex
	conn     *websocket.Conn
	socketID string

	// Bindings to restore on reconnect: channel -> event -> handler.
	subsMu sync.Mutex
	subs   map[string]map[string]realtime.PayloadFunc

	watchMu sync.Mutex
	ctx     context.Context
	watcher *connwatch.Watcher
}

// New creates a client. Nothing connects until Start.
func New(cfg Config) (*Client, error) {
	if cfg.AppKey == "" {
		return nil, errors.New("pushws: app key is required")
	}
	endpoint, err := buildEndpoint(cfg.URL, cfg.AppKey)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff.PollInterval <= 0 {
		cfg.Backoff.PollInterval = 30 * time.Second
	}

	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		logger:   cfg.Logger.With("component", "pushws"),
		subs:     make(map[string]map[string]realtime.PayloadFunc),
	}, nil
}

// buildEndpoint turns the server root into the Pusher app URL.
func buildEndpoint(base, appKey string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse websocket URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported websocket URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/app/" + url.PathEscape(appKey)

	q := url.Values{}
	q.Set("protocol", protocolVersion)
	q.Set("client", "consolesync")
	q.Set("version", buildinfo.Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start begins supervising the connection. It returns immediately;
// the first dial happens on the watcher goroutine.
func (c *Client) Start(ctx context.Context) {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.ctx = ctx
	c.startWatcherLocked()
}

func (c *Client) startWatcherLocked() {
	if c.watcher != nil || c.ctx == nil {
		return
	}
	wcfg := connwatch.WatcherConfig{
		Name:    WatcherName,
		Probe:   c.probe,
		Backoff: c.cfg.Backoff,
		OnDown: func(error) {
			c.closeConn("probe failed")
		},
		Logger: c.cfg.Logger,
	}
	if c.cfg.Watch != nil {
		c.watcher = c.cfg.Watch.Watch(c.ctx, wcfg)
	} else {
		c.watcher = connwatch.New(c.ctx, wcfg)
	}
}

// Suspend stops reconnection attempts and closes the socket. Bindings
// are kept and restored on Resume.
func (c *Client) Suspend() {
	c.watchMu.Lock()
	w := c.watcher
	c.watcher = nil
	c.watchMu.Unlock()

	if w != nil {
		if c.cfg.Watch != nil {
			c.cfg.Watch.Forget(WatcherName)
		} else {
			w.Stop()
		}
	}
	c.closeConn("suspended")
	c.logger.Info("push transport suspended")
}

// Resume restarts connection supervision after Suspend. It does not
// wait for the connection.
func (c *Client) Resume(ctx context.Context) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.ctx == nil {
		return errors.New("pushws: resume before start")
	}
	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	c.startWatcherLocked()
	c.logger.Info("push transport resumed")
	return nil
}

// Close stops supervision and closes the socket.
func (c *Client) Close() error {
	c.Suspend()
	return nil
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// SocketID returns the id assigned by the server on the current
// connection, or "" when disconnected.
func (c *Client) SocketID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.socketID
}

// Status returns the watcher's view of the connection.
func (c *Client) Status() connwatch.ServiceStatus {
	c.watchMu.Lock()
	w := c.watcher
	c.watchMu.Unlock()
	if w == nil {
		return connwatch.ServiceStatus{Name: WatcherName}
	}
	return w.Status()
}

// Listen binds fn to event on channel. The subscribe frame is sent at
// once when connected and on every (re)connect; no acknowledgement is
// awaited.
func (c *Client) Listen(ctx context.Context, channel, event string, fn realtime.PayloadFunc) error {
	c.subsMu.Lock()
	events, subscribed := c.subs[channel]
	if !subscribed {
		events = make(map[string]realtime.PayloadFunc)
		c.subs[channel] = events
	}
	events[event] = fn
	c.subsMu.Unlock()

	if subscribed {
		return nil
	}
	err := c.send(frame{Event: "pusher:subscribe", Data: mustJSON(map[string]string{"channel": channel})})
	if errors.Is(err, errNotConnected) {
		c.logger.Debug("not connected, subscription deferred", "channel", channel)
		return nil
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	c.logger.Debug("subscribed", "channel", channel, "event", event)
	return nil
}

// Leave drops every binding on channel and unsubscribes it.
func (c *Client) Leave(ctx context.Context, channel string) error {
	c.subsMu.Lock()
	_, ok := c.subs[channel]
	delete(c.subs, channel)
	c.subsMu.Unlock()
	if !ok {
		return nil
	}

	err := c.send(frame{Event: "pusher:unsubscribe", Data: mustJSON(map[string]string{"channel": channel})})
	if errors.Is(err, errNotConnected) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	c.logger.Debug("unsubscribed", "channel", channel)
	return nil
}

// probe dials when disconnected and pings when connected.
func (c *Client) probe(ctx context.Context) error {
	if c.Connected() {
		return c.send(frame{Event: "pusher:ping", Data: json.RawMessage(`{}`)})
	}
	return c.connect(ctx)
}

// connect dials, waits for pusher:connection_established, starts the
// read loop and restores subscriptions.
func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeWait,
	}
	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())

	conn, _, err := dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	est, err := awaitEstablished(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.connMu.Lock()
	old := c.conn
	c.conn = conn
	c.socketID = est.SocketID
	c.connMu.Unlock()
	if old != nil {
		old.Close()
	}

	c.logger.Info("websocket connected",
		"socket_id", est.SocketID,
		"activity_timeout", est.ActivityTimeout,
	)

	go c.readLoop(conn)
	c.restoreSubscriptions()
	return nil
}

func awaitEstablished(conn *websocket.Conn) (connectionEstablished, error) {
	var est connectionEstablished

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	defer conn.SetReadDeadline(time.Time{})

	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		return est, fmt.Errorf("read connection_established: %w", err)
	}
	switch f.Event {
	case "pusher:connection_established":
	case "pusher:error":
		return est, fmt.Errorf("server refused connection: %s", decodeData(f.Data))
	default:
		return est, fmt.Errorf("expected pusher:connection_established, got %s", f.Event)
	}
	if err := json.Unmarshal(decodeData(f.Data), &est); err != nil {
		return est, fmt.Errorf("decode connection_established: %w", err)
	}
	return est, nil
}

// restoreSubscriptions re-subscribes every tracked channel on the
// current connection.
func (c *Client) restoreSubscriptions() {
	c.subsMu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.subsMu.Unlock()

	for _, ch := range channels {
		if err := c.send(frame{Event: "pusher:subscribe", Data: mustJSON(map[string]string{"channel": ch})}); err != nil {
			c.logger.Error("failed to restore subscription", "channel", ch, "error", err)
		}
	}
	if len(channels) > 0 {
		c.logger.Info("subscriptions restored", "channels", len(channels))
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.dropConn(conn) {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Info("websocket closed by server")
				} else {
					c.logger.Warn("websocket read error, connection lost", "error", err)
				}
				c.kick()
			}
			return
		}
		c.logger.Log(context.Background(), levelTrace, "frame received", "frame", string(data))
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("ignoring malformed frame", "error", err)
		return
	}

	switch f.Event {
	case "pusher:ping":
		if err := c.send(frame{Event: "pusher:pong", Data: json.RawMessage(`{}`)}); err != nil {
			c.logger.Debug("pong failed", "error", err)
		}
	case "pusher:pong":
	case "pusher_internal:subscription_succeeded":
		c.logger.Debug("subscription confirmed", "channel", f.Channel)
	case "pusher:error":
		c.logger.Warn("server error", "data", string(decodeData(f.Data)))
	default:
		if strings.HasPrefix(f.Event, "pusher:") || strings.HasPrefix(f.Event, "pusher_internal:") {
			c.logger.Debug("unhandled protocol frame", "event", f.Event)
			return
		}
		c.dispatch(f.Channel, f.Event, decodeData(f.Data))
	}
}

func (c *Client) dispatch(channel, event string, payload json.RawMessage) {
	c.subsMu.Lock()
	var fn realtime.PayloadFunc
	for want, h := range c.subs[channel] {
		if matchEvent(want, event) {
			fn = h
			break
		}
	}
	c.subsMu.Unlock()

	if fn == nil {
		c.logger.Debug("no binding for event", "channel", channel, "event", event)
		return
	}
	fn(payload)
}

// matchEvent compares a bound event name with one received. Laravel
// broadcasts may carry a namespaced class name, and listeners may use
// a leading dot to opt out of the namespace.
func matchEvent(want, got string) bool {
	want = strings.TrimPrefix(want, ".")
	if got == want {
		return true
	}
	if i := strings.LastIndex(got, `\`); i >= 0 {
		return got[i+1:] == want
	}
	return false
}

// decodeData unwraps Pusher's string-encoded data field. Data that is
// already an object, or a string that is not JSON, is returned as is.
func decodeData(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return raw
}

func (c *Client) send(f frame) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// dropConn clears conn if it is still current. Returns false when the
// connection was already replaced or closed deliberately.
func (c *Client) dropConn(conn *websocket.Conn) bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != conn {
		return false
	}
	c.conn = nil
	c.socketID = ""
	conn.Close()
	return true
}

func (c *Client) closeConn(why string) {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.socketID = ""
	c.connMu.Unlock()

	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, why)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	conn.Close()
}

func (c *Client) kick() {
	c.watchMu.Lock()
	w := c.watcher
	c.watchMu.Unlock()
	if w != nil {
		w.Kick()
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("pushws: marshal %T: %v", v, err))
	}
	return b
}
