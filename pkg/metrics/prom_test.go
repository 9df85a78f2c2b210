package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServe(t *testing.T) {
	Commands.WithLabelValues("open", "delivered").Inc()

	addr := freeAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ServerOptions{Addr: addr}) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, body, `scoot_commands_total{intent="open",outcome="delivered"}`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServeAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = Serve(context.Background(), ServerOptions{Addr: ln.Addr().String(), Gatherer: prometheus.NewRegistry()})
	assert.ErrorContains(t, err, "metrics server")
}

func TestCollectorsRegistered(t *testing.T) {
	TelemetryMessages.WithLabelValues("stored").Inc()
	CommandDuration.WithLabelValues("query").Observe(0.01)
	RelayCommands.WithLabelValues("query", "true").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"scoot_telemetry_messages_total",
		"scoot_command_duration_seconds",
		"scoot_relay_commands_handled_total",
		"scoot_ingest_duration_seconds",
	} {
		assert.True(t, names[name], name)
	}
}
