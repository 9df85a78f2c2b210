// Package relay implements the edge-side relay controller: a two-state
// machine that consumes commands from the broker, drives the relay and
// publishes a response for every command.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edgeflare/scoot/pkg/broker"
	"github.com/edgeflare/scoot/pkg/command"
	"github.com/edgeflare/scoot/pkg/metrics"
	"go.uber.org/zap"
)

var ErrActuator = errors.New("relay: actuator error")

// Options configures a Controller.
type Options struct {
	CommandTopic  string
	ResponseTopic string
	Logger        *zap.Logger
}

// Controller owns the relay state. It starts Closed so the scooter keeps
// power while the controller is down or restarting.
type Controller struct {
	actuator  Actuator
	transport broker.Transport
	opts      Options
	logger    *zap.Logger

	// mu serializes commands; the actuator is never driven concurrently.
	mu    sync.Mutex
	state command.Status
}

func NewController(a Actuator, t broker.Transport, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		actuator:  a,
		transport: t,
		opts:      opts,
		logger:    logger.With(zap.String("component", "relay")),
		state:     command.StatusClosed,
	}
}

// Start drives the relay to its closed default and subscribes to commands.
func (c *Controller) Start() error {
	c.mu.Lock()
	err := c.drive(false)
	c.mu.Unlock()
	if err != nil {
		// The relay may still be usable; report and keep listening.
		c.logger.Error("Failed to drive relay to closed on start", zap.Error(err))
	}

	if err := c.transport.Subscribe(c.opts.CommandTopic, broker.QoSAtLeastOnce, c.HandleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	c.logger.Info("Relay controller listening", zap.String("topic", c.opts.CommandTopic))
	return nil
}

// State returns the last confirmed relay position.
func (c *Controller) State() command.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HandleCommand is the command-topic handler. Undecodable payloads are
// dropped; every decodable command is answered on the response topic.
func (c *Controller) HandleCommand(ctx context.Context, msg broker.Message) error {
	cmd, err := command.DecodeCommand(msg.Payload)
	if err != nil {
		c.logger.Warn("Dropping malformed command", zap.Error(err), zap.ByteString("payload", msg.Payload))
		return nil
	}

	logger := c.logger.With(zap.String("intent", string(cmd.Intent)), zap.String("id", cmd.ID))
	logger.Info("Control message received")

	resp := c.Execute(cmd.Intent)
	metrics.RelayCommands.WithLabelValues(string(cmd.Intent), fmt.Sprint(resp.Result)).Inc()

	payload, err := command.EncodeResponse(cmd.ID, resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	logger.Info("Sending response",
		zap.Bool("result", resp.Result),
		zap.String("status", string(resp.Status)),
		zap.String("reason", resp.Reason))
	if err := c.transport.Publish(ctx, c.opts.ResponseTopic, broker.QoSAtLeastOnce, payload); err != nil {
		logger.Error("Failed to publish response", zap.Error(err))
		return err
	}
	return nil
}

// Execute applies intent to the relay and returns the resulting Response.
func (c *Controller) Execute(intent command.Intent) command.Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch intent {
	case command.IntentQuery:
		return command.Response{Result: true, Status: c.state}
	case command.IntentOpen:
		return c.transition(command.StatusOpen)
	case command.IntentClose:
		return c.transition(command.StatusClosed)
	default:
		return command.Response{
			Result: false,
			Status: c.state,
			Reason: fmt.Sprintf("unsupported command %q", intent),
		}
	}
}

// transition must be called with mu held.
func (c *Controller) transition(target command.Status) command.Response {
	if err := c.drive(target == command.StatusOpen); err != nil {
		c.logger.Error("Error occurred while handling the relay", zap.Error(err))
		return command.Response{Result: false, Status: c.state, Reason: err.Error()}
	}
	if c.state != target {
		return command.Response{
			Result: false,
			Status: c.state,
			Reason: fmt.Sprintf("relay reports %s after %s command", c.state, target),
		}
	}
	return command.Response{Result: true, Status: target}
}

// drive sets the actuator and refreshes state from its read-back. Panics
// raised by the actuator are converted into errors. Must be called with mu held.
func (c *Controller) drive(open bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrActuator, r)
		}
	}()

	setErr := c.actuator.Set(open)
	isOpen, readErr := c.actuator.IsOpen()
	if readErr == nil {
		c.state = command.StatusClosed
		if isOpen {
			c.state = command.StatusOpen
		}
	}

	switch {
	case setErr != nil:
		return fmt.Errorf("%w: %w", ErrActuator, setErr)
	case readErr != nil:
		return fmt.Errorf("%w: %w", ErrActuator, readErr)
	}
	return nil
}
