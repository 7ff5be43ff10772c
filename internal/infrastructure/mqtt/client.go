package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/reimonlp/greenhouse/internal/infrastructure/config"
)

// Logger is the logging interface used by the client and the bridge.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler receives one message. Handlers run on paho's goroutines;
// a returned error is logged and does not affect acknowledgment.
type MessageHandler func(topic string, payload []byte) error

// session is the part of pahomqtt.Client the controller uses.
type session interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
}

type route struct {
	qos     byte
	handler MessageHandler
}

// Client is the broker connection behind the device bridge.
//
// It is safe for concurrent use. Routes registered with Subscribe are
// re-subscribed after every reconnect, and the controller's presence is
// kept in the retained greenhouse/system/status message.
type Client struct {
	conn     session
	clientID string
	online   atomic.Bool

	mu           sync.RWMutex
	routes       map[string]route
	logger       Logger
	onConnect    func()
	onDisconnect func(error)
}

// Connect dials the broker and waits up to 10 seconds for the first session.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	opts := clientOptions(cfg)
	return connect(cfg, opts, func() session { return pahomqtt.NewClient(opts) })
}

func connect(cfg config.MQTTConfig, opts *pahomqtt.ClientOptions, dial func() session) (*Client, error) {
	c := &Client{
		clientID: cfg.Broker.ClientID,
		routes:   make(map[string]route),
	}
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		if l := c.log(); l != nil {
			l.Info("MQTT reconnecting", "broker", cfg.Broker.Host)
		}
	})

	c.conn = dial()
	if err := await(c.conn.Connect(), connectTimeout); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	// The connect handler runs asynchronously; mark the session usable now.
	c.online.Store(true)
	return c, nil
}

// await waits for a paho token.
func await(tok pahomqtt.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("timeout after %v", timeout)
	}
	return tok.Error()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// handleConnect runs on the initial connect and on every reconnect.
func (c *Client) handleConnect() {
	c.online.Store(true)

	c.mu.RLock()
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	logger, cb := c.logger, c.onConnect
	c.mu.RUnlock()

	for topic, r := range routes {
		if err := await(c.conn.Subscribe(topic, r.qos, c.dispatch(r.handler)), operationTimeout); err != nil && logger != nil {
			logger.Warn("MQTT resubscribe failed", "topic", topic, "error", err)
		}
	}
	c.conn.Publish(Topics{}.SystemStatus(), statusQoS, true, statusPayload(c.clientID, statusOnline, ""))

	if cb != nil {
		cb()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.online.Store(false)
	c.mu.RLock()
	cb := c.onDisconnect
	c.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// dispatch adapts a MessageHandler to paho, recovering panics.
func (c *Client) dispatch(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if l := c.log(); l != nil {
					l.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()
		if err := h(msg.Topic(), msg.Payload()); err != nil {
			if l := c.log(); l != nil {
				l.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}

// Publish sends payload to topic. Payloads are capped at 1 MiB.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	case !c.IsConnected():
		return ErrNotConnected
	}
	if err := await(c.conn.Publish(topic, qos, retained, payload), operationTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe routes messages matching topic (wildcards allowed) to handler.
// The route is remembered only once the broker acknowledges it.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	case !c.IsConnected():
		return ErrNotConnected
	}
	if err := await(c.conn.Subscribe(topic, qos, c.dispatch(handler)), operationTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}

	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

// Close announces a graceful offline status, distinct from the Last Will,
// and disconnects.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	if c.IsConnected() {
		tok := c.conn.Publish(Topics{}.SystemStatus(), statusQoS, true,
			statusPayload(c.clientID, statusOffline, reasonShutdown))
		tok.WaitTimeout(operationTimeout)
	}
	c.conn.Disconnect(disconnectQuiesce)
	c.online.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether a broker session is up.
func (c *Client) IsConnected() bool {
	return c.online.Load() && c.conn.IsConnected()
}

// SetOnConnect registers a callback run after each (re)connect.
func (c *Client) SetOnConnect(cb func()) {
	c.mu.Lock()
	c.onConnect = cb
	c.mu.Unlock()
}

// SetOnDisconnect registers a callback run when the session drops.
func (c *Client) SetOnDisconnect(cb func(err error)) {
	c.mu.Lock()
	c.onDisconnect = cb
	c.mu.Unlock()
}

// SetLogger sets the logger for handler errors and reconnects.
func (c *Client) SetLogger(l Logger) {
	c.mu.Lock()
	c.logger = l
	c.mu.Unlock()
}
