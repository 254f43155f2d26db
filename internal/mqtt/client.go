// Package mqtt wraps the paho client used by the node bridge, the sensor feed and the
// decoder.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"lorawan-node/internal/config"
)

// ErrNotConnected is returned by Publish while the broker is unreachable.
var ErrNotConnected = errors.New("mqtt client not connected")

// ErrStopped is returned once Disconnect has been called.
var ErrStopped = errors.New("mqtt client stopped")

// Handler receives every message delivered on a subscribed topic filter.
type Handler func(topic string, payload []byte)

type subscription struct {
	qos     byte
	handler Handler
}

type Client struct {
	client    mqtt.Client
	broker    string
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
	subs      map[string]subscription

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient configures a client for the broker in cfg. clientID overrides cfg.MQTTClientID
// when non-empty so that several roles can share one configuration.
func NewClient(cfg config.Config, clientID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		clientID = cfg.MQTTClientID
	}
	c := &Client{
		broker: fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort),
		logger: logger.With("component", "mqtt", "client_id", clientID),
		subs:   make(map[string]subscription),
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.broker)
	opts.SetClientID(clientID)
	if cfg.MQTTUsername != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	// Session settings
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	// Keepalive / timeouts
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// A clean session forgets subscriptions, so they are restored on every (re)connect.
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.setConnected(true)
		c.logger.Info("mqtt connected", "broker", c.broker)
		c.resubscribe()
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setConnected(false)
		c.logger.Warn("mqtt connection lost", "error", err)
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect waits for the initial connection and respects ctx and Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.stopCh:
		return ErrStopped
	default:
	}

	if c.IsConnected() {
		return nil
	}

	// With ConnectRetry(true) paho keeps retrying internally until the token completes.
	token := c.client.Connect()
	if err := c.wait(ctx, token); err != nil {
		if !errors.Is(err, ErrStopped) {
			c.client.Disconnect(0)
		}
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Publish sends payload and waits for the broker acknowledgement dictated by qos.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if err := c.wait(ctx, token); err != nil {
		c.logger.Error("publish failed", "topic", topic, "error", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	c.logger.Debug("published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Subscribe registers handler for filter. The subscription is sent now when connected and
// restored after every reconnect.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte, handler Handler) error {
	c.mu.Lock()
	c.subs[filter] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(ctx, filter, subscription{qos: qos, handler: handler})
}

func (c *Client) subscribe(ctx context.Context, filter string, s subscription) error {
	token := c.client.Subscribe(filter, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		c.logger.Debug("received mqtt message", "topic", msg.Topic(), "size", len(msg.Payload()))
		s.handler(msg.Topic(), msg.Payload())
	})
	if err := c.wait(ctx, token); err != nil {
		return fmt.Errorf("subscribe to %s: %w", filter, err)
	}
	c.logger.Info("subscribed to mqtt topic", "topic", filter, "qos", s.qos)
	return nil
}

func (c *Client) resubscribe() {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for f, s := range c.subs {
		subs[f] = s
	}
	c.mu.RUnlock()

	for filter, s := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.subscribe(ctx, filter, s); err != nil {
			c.logger.Error("resubscribe failed", "topic", filter, "error", err)
		}
		cancel()
	}
}

// wait polls token until it completes, ctx is done or the client is stopped.
func (c *Client) wait(ctx context.Context, token mqtt.Token) error {
	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			return token.Error()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrStopped
		default:
		}
	}
}

// WaitConnected blocks until the client is connected, ctx is done or the client is stopped.
// It does not start a connection; Connect or paho's reconnect loop does.
func (c *Client) WaitConnected(ctx context.Context) error {
	const poll = 50 * time.Millisecond
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !c.IsConnected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
		case <-c.stopCh:
			return ErrStopped
		case <-ticker.C:
		}
	}
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	return connected && c.client.IsConnected()
}

// Disconnect stops the client and closes the connection. It is idempotent; Connect returns
// ErrStopped afterwards.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.RLock()
	filters := make([]string, 0, len(c.subs))
	for f := range c.subs {
		filters = append(filters, f)
	}
	c.mu.RUnlock()

	if c.client != nil && c.IsConnected() && len(filters) > 0 {
		token := c.client.Unsubscribe(filters...)
		token.WaitTimeout(2 * time.Second)
	}

	// Paho Disconnect quiesces in-flight work for the given ms.
	if c.client != nil {
		c.client.Disconnect(250)
	}

	c.setConnected(false)
	c.logger.Info("mqtt disconnected")
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}
