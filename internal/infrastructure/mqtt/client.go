package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/probe-ota-core/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger the client reports through.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// MessageHandler receives one message. topic is the concrete topic the
// message arrived on, never the wildcard filter. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Client is the core's session with the broker. It keeps a record of
// subscriptions so they can be replayed after paho reconnects, and keeps a
// retained presence message on Topics.CoreStatus.
//
// A Client is safe for concurrent use.
type Client struct {
	paho   pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	online atomic.Bool

	subMu sync.RWMutex
	subs  map[string]subscription

	hookMu       sync.RWMutex
	log          Logger
	onConnect    func()
	onDisconnect func(error)
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Connect dials the broker and blocks until the first session is up or
// connectTimeout passes, returning ErrConnectionFailed in that case.
// Later drops are handled by paho's auto-reconnect.
func Connect(cfg config.MQTTConfig, topics Topics) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		topics: topics,
		subs:   make(map[string]subscription),
	}

	opts := clientOptions(cfg)
	opts.SetWill(topics.CoreStatus(), string(presencePayload(statusOffline, cfg.Broker.ClientID, "unexpected_disconnect")), 1, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logger().Warn("reconnecting to MQTT broker", "client_id", cfg.Broker.ClientID)
	})

	c.paho = pahomqtt.NewClient(opts)
	if err := wait(c.paho.Connect(), connectTimeout); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The on-connect handler may not have run yet.
	c.online.Store(true)
	return c, nil
}

func (c *Client) connected() {
	c.online.Store(true)

	c.subMu.RLock()
	for topic, s := range c.subs {
		// Failures show up again on the next reconnect.
		c.paho.Subscribe(topic, s.qos, c.deliver(s.handler))
	}
	c.subMu.RUnlock()

	c.paho.Publish(c.topics.CoreStatus(), c.qos(), true, presencePayload(statusOnline, c.cfg.Broker.ClientID, ""))

	c.hookMu.RLock()
	fn := c.onConnect
	c.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Client) lost(err error) {
	c.online.Store(false)

	c.hookMu.RLock()
	fn := c.onDisconnect
	c.hookMu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Close replaces the retained presence with a graceful offline message and
// disconnects. It is safe on a nil or never-connected Client.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		offline := presencePayload(statusOffline, c.cfg.Broker.ClientID, "graceful_shutdown")
		_ = wait(c.paho.Publish(c.topics.CoreStatus(), c.qos(), true, offline), publishTimeout) //nolint:errcheck // best effort before disconnect
	}
	c.paho.Disconnect(disconnectQuiesceMs)
	c.online.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether the session is currently up.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.online.Load() && c.paho.IsConnected()
}

// Topics returns the topic layout the client was created with.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetOnConnect registers fn to run after every successful (re)connect,
// once subscriptions have been restored.
func (c *Client) SetOnConnect(fn func()) {
	c.hookMu.Lock()
	c.onConnect = fn
	c.hookMu.Unlock()
}

// SetOnDisconnect registers fn to run when the session drops.
func (c *Client) SetOnDisconnect(fn func(error)) {
	c.hookMu.Lock()
	c.onDisconnect = fn
	c.hookMu.Unlock()
}

// SetLogger sets where handler failures and reconnects are reported.
func (c *Client) SetLogger(l Logger) {
	c.hookMu.Lock()
	c.log = l
	c.hookMu.Unlock()
}

func (c *Client) logger() Logger {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	if c.log == nil {
		return nopLogger{}
	}
	return c.log
}

func (c *Client) qos() byte {
	return byte(c.cfg.QoS)
}
