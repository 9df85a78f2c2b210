package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/scoot/pkg/broker"
	"github.com/edgeflare/scoot/pkg/metrics"
	"go.uber.org/zap"
)

const (
	DefaultRetryInitialInterval = 100 * time.Millisecond
	DefaultRetryMaxElapsed      = 30 * time.Second
)

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Topic string
	// DeadLetterTopic receives messages that can never be stored. Empty
	// disables dead-lettering.
	DeadLetterTopic      string
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
	Logger               *zap.Logger
}

// Bridge feeds messages from the telemetry topic into an Ingester.
type Bridge struct {
	ingester  *Ingester
	transport broker.Transport
	opts      BridgeOptions
	logger    *zap.Logger
}

func NewBridge(ing *Ingester, t broker.Transport, opts BridgeOptions) *Bridge {
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = DefaultRetryMaxElapsed
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		ingester:  ing,
		transport: t,
		opts:      opts,
		logger:    logger.With(zap.String("component", "bridge"), zap.String("topic", opts.Topic)),
	}
}

// Start subscribes to the telemetry topic.
func (b *Bridge) Start() error {
	if err := b.transport.Subscribe(b.opts.Topic, broker.QoSAtLeastOnce, b.Handle); err != nil {
		return fmt.Errorf("subscribe to telemetry: %w", err)
	}
	b.logger.Info("Telemetry bridge listening")
	return nil
}

// Handle ingests one message. Transient failures are retried with
// exponential backoff; if they persist the error is returned so the message
// stays unacknowledged. Messages that can never be stored are dead-lettered
// and acknowledged.
func (b *Bridge) Handle(ctx context.Context, msg broker.Message) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.RetryInitialInterval
	bo.MaxElapsedTime = b.opts.RetryMaxElapsed

	notify := func(err error, next time.Duration) {
		b.logger.Warn("Retrying telemetry ingestion", zap.Error(err), zap.Duration("delay", next))
	}
	err := backoff.RetryNotify(func() error {
		err := b.ingester.Ingest(ctx, msg.Payload)
		if err != nil && IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx), notify)

	switch {
	case err == nil:
		return nil
	case IsPermanent(err):
		b.logger.Error("Dropping telemetry message", zap.Error(err), zap.ByteString("payload", msg.Payload))
		b.deadLetter(ctx, msg)
		return nil
	default:
		b.logger.Error("Telemetry ingestion failed, leaving message for redelivery", zap.Error(err))
		return err
	}
}

func (b *Bridge) deadLetter(ctx context.Context, msg broker.Message) {
	if b.opts.DeadLetterTopic == "" {
		return
	}
	if err := b.transport.Publish(ctx, b.opts.DeadLetterTopic, broker.QoSAtLeastOnce, msg.Payload); err != nil {
		b.logger.Error("Failed to publish to dead-letter topic", zap.String("dead_letter_topic", b.opts.DeadLetterTopic), zap.Error(err))
		return
	}
	metrics.TelemetryMessages.WithLabelValues(OutcomeDeadLetter).Inc()
}
