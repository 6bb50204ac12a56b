// Package pushmqtt is a push transport over MQTT v5. A channel/event
// pair maps to the topic <prefix>/<channel>/<event>; the message body
// is the event payload. The connection is managed by autopaho, which
// reconnects on its own; every binding is re-subscribed on each
// connection.
package pushmqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/simox10/misspo/internal/realtime"
)

const disconnectTimeout = 5 * time.Second

// Config configures a Client.
type Config struct {
	// Broker is the broker URL, e.g. mqtt://localhost:1883 or
	// mqtts://broker:8883.
	Broker   string
	Username string
	Password string

	// TopicPrefix is prepended to every topic (default "console").
	TopicPrefix string

	// ClientID defaults to "consolesync-<uuid>".
	ClientID string

	Logger *slog.Logger
}

// Client is an MQTT push transport. It implements
// realtime.PushTransport and realtime.Suspender.
type Client struct {
	cfg       Config
	brokerURL *url.URL
	logger    *slog.Logger
	connected atomic.Bool

	subsMu sync.Mutex
	subs   map[string]map[string]realtime.PayloadFunc

	cmMu   sync.Mutex
	parent context.Context
	cm     *autopaho.ConnectionManager
	cancel context.CancelFunc
}

// New validates cfg and creates a client. Nothing connects until
// Start.
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mqtt broker URL %q has no host", cfg.Broker)
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "console"
	}
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "consolesync-" + uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg:       cfg,
		brokerURL: u,
		logger:    cfg.Logger.With("component", "pushmqtt"),
		subs:      make(map[string]map[string]realtime.PayloadFunc),
	}, nil
}

// Topic returns the topic a channel/event pair is published on.
func (c *Client) Topic(channel, event string) string {
	return c.cfg.TopicPrefix + "/" + channel + "/" + event
}

// parseTopic splits a received topic into channel and event. The event
// is the last level; the channel is everything between the prefix and
// the event.
func (c *Client) parseTopic(topic string) (channel, event string, ok bool) {
	rest, found := strings.CutPrefix(topic, c.cfg.TopicPrefix+"/")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// Start opens the managed connection. It does not wait for the broker;
// autopaho keeps retrying in the background until ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.cmMu.Lock()
	defer c.cmMu.Unlock()
	c.parent = ctx
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.cm != nil {
		return nil
	}
	if c.parent == nil {
		return errors.New("pushmqtt: not started")
	}

	ctx, cancel := context.WithCancel(c.parent)
	cm, err := autopaho.NewConnection(ctx, c.clientConfig())
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	c.cancel = cancel
	return nil
}

func (c *Client) clientConfig() autopaho.ClientConfig {
	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{c.brokerURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("mqtt connected to broker", "broker", c.cfg.Broker)
			c.resubscribe(cm)
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return c.route(pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				c.logger.Warn("mqtt server disconnected", "reason_code", d.ReasonCode)
			},
			OnClientError: func(err error) {
				c.connected.Store(false)
				c.logger.Warn("mqtt client error", "error", err)
			},
		},
	}

	if c.brokerURL.Scheme == "mqtts" || c.brokerURL.Scheme == "ssl" {
		cfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return cfg
}

// Suspend disconnects and stops reconnecting. Bindings are kept and
// re-subscribed on Resume.
func (c *Client) Suspend() {
	c.cmMu.Lock()
	cm, cancel := c.cm, c.cancel
	c.cm, c.cancel = nil, nil
	c.cmMu.Unlock()

	if cm == nil {
		return
	}
	ctx, done := context.WithTimeout(context.Background(), disconnectTimeout)
	defer done()
	if err := cm.Disconnect(ctx); err != nil {
		c.logger.Debug("mqtt disconnect", "error", err)
	}
	cancel()
	c.connected.Store(false)
	c.logger.Info("push transport suspended")
}

// Resume reconnects after Suspend.
func (c *Client) Resume(ctx context.Context) error {
	c.cmMu.Lock()
	defer c.cmMu.Unlock()
	if err := c.connectLocked(); err != nil {
		return err
	}
	c.logger.Info("push transport resumed")
	return nil
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.Suspend()
	return nil
}

// Connected reports whether the broker connection is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) manager() *autopaho.ConnectionManager {
	c.cmMu.Lock()
	defer c.cmMu.Unlock()
	return c.cm
}

// Listen binds fn to event on channel and subscribes its topic. While
// disconnected the binding is recorded and subscribed on connect.
func (c *Client) Listen(ctx context.Context, channel, event string, fn realtime.PayloadFunc) error {
	c.subsMu.Lock()
	events, ok := c.subs[channel]
	if !ok {
		events = make(map[string]realtime.PayloadFunc)
		c.subs[channel] = events
	}
	events[event] = fn
	c.subsMu.Unlock()

	cm := c.manager()
	if cm == nil || !c.Connected() {
		c.logger.Debug("not connected, subscription deferred", "channel", channel, "event", event)
		return nil
	}

	topic := c.Topic(channel, event)
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Debug("subscribed", "topic", topic)
	return nil
}

// Leave drops every binding on channel and unsubscribes its topics.
func (c *Client) Leave(ctx context.Context, channel string) error {
	c.subsMu.Lock()
	events := c.subs[channel]
	delete(c.subs, channel)
	c.subsMu.Unlock()
	if len(events) == 0 {
		return nil
	}

	cm := c.manager()
	if cm == nil || !c.Connected() {
		return nil
	}

	topics := make([]string, 0, len(events))
	for event := range events {
		topics = append(topics, c.Topic(channel, event))
	}
	slices.Sort(topics)
	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: topics}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	c.logger.Debug("unsubscribed", "channel", channel)
	return nil
}

// subscribePacket lists every bound topic, or returns nil if there
// are none.
func (c *Client) subscribePacket() *paho.Subscribe {
	c.subsMu.Lock()
	var topics []string
	for channel, events := range c.subs {
		for event := range events {
			topics = append(topics, c.Topic(channel, event))
		}
	}
	c.subsMu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	slices.Sort(topics)
	sub := &paho.Subscribe{}
	for _, t := range topics {
		sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{Topic: t, QoS: 1})
	}
	return sub
}

// resubscribe restores every binding on a fresh connection.
func (c *Client) resubscribe(cm *autopaho.ConnectionManager) {
	sub := c.subscribePacket()
	if sub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := cm.Subscribe(ctx, sub); err != nil {
		c.logger.Error("failed to restore subscriptions", "topics", len(sub.Subscriptions), "error", err)
		return
	}
	c.logger.Info("subscriptions restored", "topics", len(sub.Subscriptions))
}

// route delivers a received message to its binding. Bodies that are
// not JSON are passed on as a JSON string.
func (c *Client) route(topic string, body []byte) bool {
	channel, event, ok := c.parseTopic(topic)
	if !ok {
		c.logger.Debug("ignoring message on foreign topic", "topic", topic)
		return false
	}

	c.subsMu.Lock()
	fn := c.subs[channel][event]
	c.subsMu.Unlock()
	if fn == nil {
		c.logger.Debug("no binding for topic", "topic", topic)
		return false
	}

	payload := json.RawMessage(body)
	if !json.Valid(body) {
		quoted, err := json.Marshal(string(body))
		if err != nil {
			return false
		}
		payload = quoted
	}
	fn(payload)
	return true
}
