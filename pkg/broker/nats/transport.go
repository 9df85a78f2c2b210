package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/scoot/pkg/broker"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config represents NATS configuration
type Config struct {
	Servers        []string      `mapstructure:"servers"`
	Name           string        `mapstructure:"name"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	PublishTimeout time.Duration `mapstructure:"publishTimeout"`
	TLS            struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

var errConnNotInitialized = errors.New("NATS connection not initialized")

// Transport implements broker.Transport over NATS core.
//
// Topics use MQTT syntax and are mapped to subjects: "/" becomes ".", "+"
// becomes "*" and "#" becomes ">". NATS core has no per-message ack, so a
// publish is confirmed by flushing to the server, and handler errors are only
// logged.
type Transport struct {
	nc     *nats.Conn
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

var _ broker.Transport = (*Transport)(nil)

// Connect establishes a connection to the first reachable NATS server.
func Connect(cfg Config, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	t := &Transport{
		cfg:    cfg,
		logger: logger.With(zap.String("transport", "nats")),
		subs:   make(map[string]*nats.Subscription),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	var err error
	for _, server := range cfg.Servers {
		t.nc, err = nats.Connect(server, t.options()...)
		if err == nil {
			break
		}
	}
	if err != nil {
		t.cancel()
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	t.logger.Info("Connected to NATS", zap.String("url", t.nc.ConnectedUrl()))
	return t, nil
}

func (t *Transport) Connected() bool {
	return t.nc != nil && t.nc.IsConnected()
}

// Publish publishes payload and flushes, so a nil return means the server
// received the message. qos is validated but otherwise ignored.
func (t *Transport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := broker.ValidatePublish(topic, qos); err != nil {
		return err
	}
	if t.nc == nil {
		return errConnNotInitialized
	}
	if !t.Connected() {
		return broker.ErrNotConnected
	}

	if err := t.nc.Publish(Subject(topic), payload); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrPublishFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
	defer cancel()
	if err := t.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrPublishFailed, err)
	}
	return nil
}

func (t *Transport) Subscribe(topic string, qos byte, handler broker.Handler) error {
	if err := broker.ValidatePublish(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: handler cannot be nil", broker.ErrSubscribeFailed)
	}
	if t.nc == nil {
		return errConnNotInitialized
	}

	sub, err := t.nc.Subscribe(Subject(topic), func(m *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("Message handler panicked", zap.Any("panic", r), zap.String("subject", m.Subject))
			}
		}()
		msg := broker.Message{Topic: Topic(m.Subject), Payload: m.Data, QoS: qos}
		if err := handler(t.ctx, msg); err != nil {
			t.logger.Warn("Message handler failed", zap.Error(err), zap.String("subject", m.Subject))
		}
	})
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrSubscribeFailed, err)
	}

	t.mu.Lock()
	if old, ok := t.subs[topic]; ok {
		_ = old.Unsubscribe()
	}
	t.subs[topic] = sub
	t.mu.Unlock()
	return nil
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, ok := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

// Disconnect drains subscriptions and closes the connection.
func (t *Transport) Disconnect() error {
	t.cancel()
	if t.nc == nil || t.nc.IsClosed() {
		return nil
	}
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
		return err
	}
	return nil
}

func (t *Transport) options() []nats.Option {
	opts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("Disconnected from NATS", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	if t.cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(t.cfg.ConnectTimeout))
	}
	if t.cfg.Name != "" {
		opts = append(opts, nats.Name(t.cfg.Name))
	}
	if t.cfg.Username != "" && t.cfg.Password != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}
	if t.cfg.TLS.Enabled {
		if t.cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(t.cfg.TLS.CAFile))
		}
		if t.cfg.TLS.CertFile != "" && t.cfg.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(t.cfg.TLS.CertFile, t.cfg.TLS.KeyFile))
		}
	}

	return opts
}

var (
	toSubject = strings.NewReplacer("/", ".", "+", "*", "#", ">")
	toTopic   = strings.NewReplacer(".", "/", "*", "+", ">", "#")
)

// Subject converts an MQTT-style topic into a NATS subject.
func Subject(topic string) string {
	return toSubject.Replace(strings.Trim(topic, "/"))
}

// Topic converts a NATS subject back into an MQTT-style topic.
func Topic(subject string) string {
	return toTopic.Replace(subject)
}
