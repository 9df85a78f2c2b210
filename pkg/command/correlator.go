package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/scoot/pkg/broker"
	"github.com/edgeflare/scoot/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout bounds one broker round trip to the relay controller.
const DefaultTimeout = 5 * time.Second

// ReasonNoResponse is reported when the controller does not answer in time.
const ReasonNoResponse = "no response from controller"

var (
	// ErrNotConnected means no publish was attempted.
	ErrNotConnected = errors.New("command: broker not connected")
	// ErrNotPublished means the broker did not confirm the publish; callers may retry.
	ErrNotPublished = errors.New("command: command not published")
)

// Options configures a Correlator.
type Options struct {
	CommandTopic  string
	ResponseTopic string
	Timeout       time.Duration
	Logger        *zap.Logger
}

// Correlator turns "publish a command, await the reply" into a single
// blocking call.
//
// Every command carries a fresh correlation id. The id maps to a single-use
// channel that the response handler completes and removes, so concurrent
// callers never receive each other's replies and a late reply is dropped.
type Correlator struct {
	transport broker.Transport
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]chan Response

	newID func() string
}

// NewCorrelator returns a Correlator publishing through t.
func NewCorrelator(t broker.Transport, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		transport: t,
		opts:      opts,
		logger:    logger.With(zap.String("component", "correlator")),
		pending:   make(map[string]chan Response),
		newID:     uuid.NewString,
	}
}

// Start subscribes to the response topic.
func (c *Correlator) Start() error {
	if err := c.transport.Subscribe(c.opts.ResponseTopic, broker.QoSAtLeastOnce, c.HandleResponse); err != nil {
		return fmt.Errorf("subscribe to responses: %w", err)
	}
	c.logger.Info("Listening for relay responses", zap.String("topic", c.opts.ResponseTopic))
	return nil
}

// Stop unsubscribes from the response topic.
func (c *Correlator) Stop() error {
	return c.transport.Unsubscribe(c.opts.ResponseTopic)
}

// Send publishes intent and waits for the matching Response.
//
// If the controller does not answer within the timeout, Send returns a
// Response with Status Unknown and a nil error. Connectivity and publish
// failures return ErrNotConnected and ErrNotPublished. If ctx is done first,
// the Unknown response is returned together with ctx.Err().
func (c *Correlator) Send(ctx context.Context, intent Intent) (Response, error) {
	start := time.Now()
	resp, outcome, err := c.send(ctx, intent)
	metrics.Commands.WithLabelValues(string(intent), outcome).Inc()
	metrics.CommandDuration.WithLabelValues(string(intent)).Observe(time.Since(start).Seconds())
	return resp, err
}

func (c *Correlator) send(ctx context.Context, intent Intent) (Response, string, error) {
	if !c.transport.Connected() {
		err := fmt.Errorf("%w: %w", ErrNotConnected, broker.ErrNotConnected)
		return failed(err), "not_connected", err
	}

	cmd := Command{Intent: intent, ID: c.newID()}
	payload, err := json.Marshal(cmd)
	if err != nil {
		err = fmt.Errorf("encode command: %w", err)
		return failed(err), "error", err
	}

	reply := c.register(cmd.ID)
	defer c.unregister(cmd.ID)

	logger := c.logger.With(zap.String("intent", string(intent)), zap.String("id", cmd.ID))
	if err := c.transport.Publish(ctx, c.opts.CommandTopic, broker.QoSAtLeastOnce, payload); err != nil {
		logger.Error("Failed to publish command", zap.Error(err))
		if errors.Is(err, broker.ErrNotConnected) {
			err = fmt.Errorf("%w: %w", ErrNotConnected, err)
			return failed(err), "not_connected", err
		}
		err = fmt.Errorf("%w: %w", ErrNotPublished, err)
		return failed(err), "not_published", err
	}
	logger.Debug("Command published", zap.String("topic", c.opts.CommandTopic))

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		logger.Info("Relay responded",
			zap.Bool("result", resp.Result),
			zap.String("status", string(resp.Status)),
			zap.String("reason", resp.Reason))
		return resp, "responded", nil
	case <-timer.C:
		logger.Warn("No response from relay controller", zap.Duration("timeout", c.opts.Timeout))
		return unknown(), "timeout", nil
	case <-ctx.Done():
		return unknown(), "cancelled", ctx.Err()
	}
}

// HandleResponse is the response-topic handler. It never returns an error:
// malformed or uncorrelated messages are logged and dropped.
func (c *Correlator) HandleResponse(_ context.Context, msg broker.Message) error {
	id, resp, err := DecodeResponse(msg.Payload)
	if err != nil {
		c.logger.Debug("Ignoring non-response message", zap.String("topic", msg.Topic), zap.Error(err))
		return nil
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	if !ok && id == "" && len(c.pending) == 1 {
		// Controllers that do not echo ids can only be paired with a lone
		// outstanding command.
		for id, ch = range c.pending {
			ok = true
		}
	}
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("Dropping uncorrelated response", zap.String("id", id))
		return nil
	}

	// Buffered with capacity one and removed from pending above, so this
	// never blocks.
	ch <- resp
	return nil
}

// Pending returns the number of commands awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) register(id string) <-chan Response {
	ch := make(chan Response, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Correlator) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func unknown() Response {
	return Response{Result: false, Status: StatusUnknown, Reason: ReasonNoResponse}
}

func failed(err error) Response {
	return Response{Result: false, Status: StatusUnknown, Reason: err.Error()}
}
