package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/scoot/pkg/broker"
	"go.uber.org/zap"
)

// Client is a broker.Transport backed by a single paho MQTT connection.
//
// Subscriptions are tracked and restored on every reconnect. Messages are
// acknowledged only after their handler returns nil, and a panicking handler
// is recovered so the dispatch loop keeps running.
type Client struct {
	cfg    Config
	opts   *mqtt.ClientOptions
	client mqtt.Client
	logger *zap.Logger

	subs  map[string]subscription
	subMu sync.RWMutex

	// ctx is handed to handlers and cancelled on Disconnect.
	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	qos     byte
	handler broker.Handler
}

var _ broker.Transport = (*Client)(nil)

// NewClient builds a client from cfg. Call Connect before use.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()
	if cfg.ClientID == "" {
		return nil, ErrClientIDRequired
	}

	opts, err := toPahoOptions(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With(zap.String("transport", "mqtt"), zap.String("client_id", cfg.ClientID)),
		subs:   make(map[string]subscription),
		ctx:    ctx,
		cancel: cancel,
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		c.logger.Info("Connected to MQTT broker", zap.Strings("servers", cfg.Servers))
		c.restoreSubscriptions()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("Connection to MQTT broker lost", zap.Error(err))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("Reconnecting to MQTT broker")
	})

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect establishes the broker connection, retrying with exponential
// backoff up to cfg.ConnectRetries times.
func (c *Client) Connect(ctx context.Context) error {
	op := func() error {
		token := c.client.Connect()
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			return fmt.Errorf("timeout after %v", c.cfg.ConnectTimeout)
		}
		return token.Error()
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.ConnectRetries), ctx)
	notify := func(err error, next time.Duration) {
		c.logger.Warn("Retrying broker connection", zap.Error(err), zap.Duration("delay", next))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return fmt.Errorf("broker connection error: %w", err)
	}
	return nil
}

// Connected reports whether the connection to the broker is open.
func (c *Client) Connected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// Publish sends payload to topic and waits for the broker's confirmation
// (PUBACK for QoS 1) until cfg.PublishTimeout or ctx expires.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := broker.ValidatePublish(topic, qos); err != nil {
		return err
	}
	if !c.Connected() {
		return broker.ErrNotConnected
	}

	token := c.client.Publish(topic, qos, false, payload)
	if err := c.wait(ctx, token); err != nil {
		c.logger.Error("Publish error", zap.Error(err), zap.String("topic", topic))
		return fmt.Errorf("%w: %w", broker.ErrPublishFailed, err)
	}
	c.logger.Debug("Message published", zap.String("topic", topic))
	return nil
}

// Subscribe registers handler for topic and subscribes on the broker.
func (c *Client) Subscribe(topic string, qos byte, handler broker.Handler) error {
	if err := broker.ValidatePublish(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", broker.ErrSubscribeFailed)
	}

	c.subMu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.subMu.Unlock()

	if !c.Connected() {
		// Restored by the OnConnect handler once the connection is up.
		c.logger.Debug("Subscription deferred until connected", zap.String("topic", topic))
		return nil
	}

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if err := c.wait(c.ctx, token); err != nil {
		c.subMu.Lock()
		delete(c.subs, topic)
		c.subMu.Unlock()
		c.logger.Error("Subscribe error", zap.Error(err), zap.String("topic", topic))
		return fmt.Errorf("%w: %w", broker.ErrSubscribeFailed, err)
	}
	c.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	c.subMu.Lock()
	delete(c.subs, topic)
	c.subMu.Unlock()

	if !c.Connected() {
		return nil
	}
	return c.wait(c.ctx, c.client.Unsubscribe(topic))
}

// Disconnect closes the connection to the MQTT broker.
func (c *Client) Disconnect() error {
	c.cancel()
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("Disconnected from MQTT broker")
	}
	return nil
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, sub := range c.subs {
		token := c.client.Subscribe(topic, sub.qos, c.wrapHandler(sub.handler))
		if err := c.wait(c.ctx, token); err != nil {
			c.logger.Error("Failed to restore subscription", zap.Error(err), zap.String("topic", topic))
		}
	}
}

func (c *Client) wrapHandler(handler broker.Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Message handler panicked",
					zap.Any("panic", r),
					zap.String("topic", m.Topic()))
			}
		}()

		msg := broker.Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			QoS:       m.Qos(),
			Duplicate: m.Duplicate(),
		}
		if err := handler(c.ctx, msg); err != nil {
			c.logger.Warn("Message left unacknowledged",
				zap.Error(err),
				zap.String("topic", m.Topic()),
				zap.Uint16("message_id", m.MessageID()))
			return
		}
		m.Ack()
	}
}

func (c *Client) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return broker.ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
