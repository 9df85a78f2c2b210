package nats

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/edgeflare/scoot/pkg/broker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubjectMapping(t *testing.T) {
	assert.Equal(t, "scooter.command", Subject("scooter/command"))
	assert.Equal(t, "scooter.command", Subject("/scooter/command/"))
	assert.Equal(t, "scooter.*.state", Subject("scooter/+/state"))
	assert.Equal(t, "scooter.>", Subject("scooter/#"))
	assert.Equal(t, "scooter/response", Topic("scooter.response"))
}

func TestPublishWithoutConnection(t *testing.T) {
	tr := &Transport{}
	err := tr.Publish(context.Background(), "scooter/command", broker.QoSAtLeastOnce, nil)
	assert.ErrorIs(t, err, errConnNotInitialized)
	assert.False(t, tr.Connected())
}

// TestRoundTrip requires a NATS server at $TEST_NATS_URL.
func TestRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}

	tr, err := Connect(Config{Servers: []string{url}}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Disconnect() })

	received := make(chan broker.Message, 1)
	require.NoError(t, tr.Subscribe("scoot/test/+", broker.QoSAtLeastOnce, func(_ context.Context, msg broker.Message) error {
		received <- msg
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Publish(ctx, "scoot/test/roundtrip", broker.QoSAtLeastOnce, []byte("ping")))

	select {
	case msg := <-received:
		assert.Equal(t, "scoot/test/roundtrip", msg.Topic)
		assert.Equal(t, []byte("ping"), msg.Payload)
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}
