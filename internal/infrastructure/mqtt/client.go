package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
)

// Logger receives handler failures and reconnect notices.
// *logging.Logger and *slog.Logger satisfy it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// MessageHandler receives one inbound message on a paho goroutine. A
// returned error is logged, never sent back to the broker.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is a paho connection with a retained presence marker and
// subscriptions that survive reconnects. Safe for concurrent use.
type Client struct {
	cfg  config.MQTTConfig
	opts *pahomqtt.ClientOptions
	paho pahomqtt.Client

	mu           sync.RWMutex
	up           bool
	subs         map[string]subscription // keyed by topic filter
	onConnect    func()
	onDisconnect func(error)
	logger       Logger
}

// newClient builds a client without dialling.
func newClient(cfg config.MQTTConfig) *Client {
	c := &Client{
		cfg:    cfg,
		opts:   dialOptions(cfg),
		subs:   make(map[string]subscription),
		logger: noopLogger{},
	}
	c.opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	c.opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })
	c.opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log().Warn("reconnecting to MQTT broker", "broker", brokerURL(cfg.Broker))
	})
	c.paho = pahomqtt.NewClient(c.opts)
	return c
}

// Connect dials the broker and waits for the first connection.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	c := newClient(cfg)
	if err := await(c.paho.Connect(), connectTimeout, ErrConnectionFailed); err != nil {
		// Stops the background connect retry.
		c.paho.Disconnect(0)
		return nil, err
	}
	// The connect handler may still be pending.
	c.setUp(true)
	return c, nil
}

// connected runs on the first connect and every reconnect.
func (c *Client) connected() {
	c.mu.Lock()
	c.up = true
	for topic, sub := range c.subs {
		c.paho.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
	}
	hook := c.onConnect
	c.mu.Unlock()

	online := newStatus(c.cfg.Broker.ClientID, statusOnline, "")
	c.paho.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true, online.encode())

	if hook != nil {
		hook()
	}
}

func (c *Client) lost(err error) {
	c.mu.Lock()
	c.up = false
	hook := c.onDisconnect
	c.mu.Unlock()

	if hook != nil {
		hook(err)
	}
}

func (c *Client) setUp(up bool) {
	c.mu.Lock()
	c.up = up
	c.mu.Unlock()
}

// Close replaces the retained status with a graceful offline marker and
// disconnects. A nil client is a no-op.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		offline := newStatus(c.cfg.Broker.ClientID, statusOffline, reasonShutdown)
		c.paho.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true, offline.encode()).WaitTimeout(opTimeout)
	}
	c.paho.Disconnect(quiesceMillis)
	c.setUp(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the connection is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	up := c.up
	c.mu.RUnlock()
	return up && c.paho.IsConnected()
}

// SetOnConnect registers fn to run after every (re)connect.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect registers fn to run when the connection drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onDisconnect = fn
	c.mu.Unlock()
}

// SetLogger replaces the default no-op logger.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho, logging returned errors
// and recovering panics so one bad message cannot kill the router.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panic recovered", "topic", topic, "panic", r)
			}
		}()
		if err := handler(topic, msg.Payload()); err != nil {
			c.log().Warn("MQTT handler returned error", "topic", topic, "error", err)
		}
	}
}
