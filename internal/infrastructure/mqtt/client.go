package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-runtime/internal/infrastructure/config"
)

// Logger is the logging the client needs. logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives one message.
//
// Handlers run on the paho router goroutine and must not block. A
// returned error is logged with the topic.
type MessageHandler func(topic string, payload []byte) error

// filter is a tracked topic filter, replayed after every reconnect.
type filter struct {
	qos     byte
	handler MessageHandler
}

// Client is a paho connection to the broker used by the transport.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Tracked filters are re-subscribed before the connect hook runs, so
//     the hook always sees retained messages arrive for every filter.
type Client struct {
	paho   pahomqtt.Client
	cfg    config.MQTTConfig
	topics Topics

	mu        sync.RWMutex
	connected bool
	filters   map[string]filter
	onUp      func()
	onDown    func(err error)
	logger    Logger
}

// Connect dials the broker and waits for the first connection, bounded by
// ctx and defaultConnectTimeout. The runtime status topic carries a
// retained "online" message while connected and the last will otherwise.
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	c := newClient(cfg)

	opts := buildClientOptions(cfg)
	configureLWT(opts, c.topics, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.up() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.down(err) })
	c.paho = pahomqtt.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	token := c.paho.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// paho runs the connect handler on its own goroutine; the caller must
	// already see the client as connected.
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return c, nil
}

func newClient(cfg config.MQTTConfig) *Client {
	return &Client{
		cfg:     cfg,
		topics:  Topics{Prefix: cfg.TopicPrefix},
		filters: make(map[string]filter),
	}
}

// Topics returns the topic layout for the configured prefix.
func (c *Client) Topics() Topics { return c.topics }

// QoS returns the configured default QoS.
func (c *Client) QoS() byte { return byte(c.cfg.QoS) }

func (c *Client) up() {
	c.mu.Lock()
	c.connected = true
	replay := make(map[string]filter, len(c.filters))
	for topic, f := range c.filters {
		replay[topic] = f
	}
	hook := c.onUp
	c.mu.Unlock()

	for topic, f := range replay {
		if err := wait(c.paho.Subscribe(topic, f.qos, c.guard(f.handler)), ErrSubscribeFailed); err != nil {
			c.warn("MQTT filter not restored after reconnect", "topic", topic, "error", err)
		}
	}
	c.paho.Publish(c.topics.Status(), c.QoS(), true, buildStatusPayload("online", c.cfg.Broker.ClientID, ""))

	if hook != nil {
		hook()
	}
}

func (c *Client) down(err error) {
	c.mu.Lock()
	c.connected = false
	hook := c.onDown
	c.mu.Unlock()

	if hook != nil {
		hook(err)
	}
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.paho.Publish(c.topics.Status(), c.QoS(), true,
			buildStatusPayload("offline", c.cfg.Broker.ClientID, "graceful_shutdown")).
			WaitTimeout(defaultOperationTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.paho != nil && c.paho.IsConnected()
}

// SetOnConnect sets the hook run after the first connect and after every
// reconnect, once tracked filters are restored.
func (c *Client) SetOnConnect(hook func()) {
	c.mu.Lock()
	c.onUp = hook
	c.mu.Unlock()
}

// SetOnDisconnect sets the hook run when the connection is lost.
func (c *Client) SetOnDisconnect(hook func(err error)) {
	c.mu.Lock()
	c.onDown = hook
	c.mu.Unlock()
}

// SetLogger sets the logger for handler failures.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) warn(msg string, args ...any) {
	c.mu.RLock()
	l := c.logger
	c.mu.RUnlock()
	if l != nil {
		l.Warn(msg, args...)
	}
}

func (c *Client) error(msg string, args ...any) {
	c.mu.RLock()
	l := c.logger
	c.mu.RUnlock()
	if l != nil {
		l.Error(msg, args...)
	}
}

// guard adapts handler to paho, recovering panics and logging errors.
func (c *Client) guard(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
		}
	}
}
