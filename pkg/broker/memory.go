package broker

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Transport. Published messages are delivered
// synchronously to every handler whose topic filter matches, which makes it
// suitable for tests and for running the server and relay in one process.
type Memory struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	connected bool
	// PublishErr, when set, is returned by Publish instead of delivering.
	PublishErr error
	// Published records every accepted publish in order.
	Published []Message
}

// NewMemory returns a connected in-memory transport.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string]Handler), connected: true}
}

func (m *Memory) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetConnected toggles the reported connection state.
func (m *Memory) SetConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *Memory) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if err := ValidatePublish(topic, qos); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.PublishErr != nil {
		err := m.PublishErr
		m.mu.Unlock()
		return err
	}
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), QoS: qos}
	m.Published = append(m.Published, msg)
	var targets []Handler
	for filter, h := range m.handlers {
		if TopicMatch(filter, topic) {
			targets = append(targets, h)
		}
	}
	m.mu.Unlock()

	for _, h := range targets {
		_ = h(ctx, msg)
	}
	return nil
}

func (m *Memory) Subscribe(topic string, qos byte, handler Handler) error {
	if err := ValidatePublish(topic, qos); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	m.handlers[topic] = handler
	return nil
}

func (m *Memory) Unsubscribe(topic string) error {
	m.mu.Lock()
	delete(m.handlers, topic)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Disconnect() error {
	m.SetConnected(false)
	return nil
}

// PublishedOn returns the messages published on topic.
func (m *Memory) PublishedOn(topic string) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Message
	for _, msg := range m.Published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// TopicMatch reports whether topic matches an MQTT-style filter with + and #
// wildcards.
func TopicMatch(filter, topic string) bool {
	return matchParts(strings.Split(filter, "/"), strings.Split(topic, "/"), 0, 0)
}

func matchParts(pattern, topic []string, pIdx, tIdx int) bool {
	if pIdx >= len(pattern) {
		return tIdx >= len(topic)
	}
	if tIdx >= len(topic) {
		return pIdx == len(pattern)-1 && pattern[pIdx] == "#"
	}
	switch pattern[pIdx] {
	case "#":
		return true
	case "+":
		return matchParts(pattern, topic, pIdx+1, tIdx+1)
	default:
		return pattern[pIdx] == topic[tIdx] && matchParts(pattern, topic, pIdx+1, tIdx+1)
	}
}
