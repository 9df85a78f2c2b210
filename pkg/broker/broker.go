package broker

import (
	"context"
	"errors"
)

// Delivery guarantees. Everything in scoot is published and subscribed at
// QoSAtLeastOnce.
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
	QoSExactlyOnce byte = 2
)

var (
	ErrNotConnected    = errors.New("broker: not connected")
	ErrPublishFailed   = errors.New("broker: publish not confirmed")
	ErrSubscribeFailed = errors.New("broker: subscribe failed")
	ErrInvalidTopic    = errors.New("broker: topic cannot be empty")
	ErrInvalidQoS      = errors.New("broker: invalid QoS level (must be 0, 1, or 2)")
	ErrTimeout         = errors.New("broker: operation timed out")
)

// Message is an inbound message handed to a Handler.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Duplicate bool
}

// Handler processes one inbound message. Handlers run on the transport's
// dispatch goroutines, never on the publisher's.
//
// A nil return acknowledges the message. A non-nil return leaves it
// unacknowledged where the transport supports manual acks, so the broker may
// redeliver it.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes a payload and waits for the broker to confirm delivery.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Transport is a single persistent broker connection.
type Transport interface {
	Publisher
	// Connected reports whether the connection is currently up.
	Connected() bool
	// Subscribe registers handler for topic. Subscriptions survive reconnects.
	Subscribe(topic string, qos byte, handler Handler) error
	Unsubscribe(topic string) error
	// Disconnect closes the connection. It is safe to call more than once.
	Disconnect() error
}

// ValidatePublish checks arguments common to every Publish implementation.
func ValidatePublish(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > QoSExactlyOnce {
		return ErrInvalidQoS
	}
	return nil
}
