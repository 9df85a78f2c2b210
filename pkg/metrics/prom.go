package metrics

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoot_commands_total",
			Help: "Total number of relay commands by intent and outcome",
		},
		[]string{"intent", "outcome"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scoot_command_duration_seconds",
			Help:    "Time from publishing a relay command to its response or timeout",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"intent"},
	)

	RelayCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoot_relay_commands_handled_total",
			Help: "Commands handled by the relay controller by intent and result",
		},
		[]string{"intent", "result"},
	)

	TelemetryMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scoot_telemetry_messages_total",
			Help: "Telemetry messages by ingestion outcome",
		},
		[]string{"outcome"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scoot_ingest_duration_seconds",
			Help:    "Duration of one telemetry ingestion transaction",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ServerOptions configures the metrics HTTP server.
type ServerOptions struct {
	Logger *zap.Logger
	Addr   string
	// Path defaults to "/metrics".
	Path string
	// ShutdownTimeout defaults to 5s.
	ShutdownTimeout time.Duration
	// Gatherer defaults to prometheus.DefaultGatherer, where every collector
	// above is registered.
	Gatherer prometheus.Gatherer
}

// Serve exposes the metrics on opts.Addr until ctx is done, then shuts the
// server down. It returns nil after a clean shutdown and the listen error
// otherwise.
func Serve(ctx context.Context, opts ServerOptions) error {
	opts.Addr = cmp.Or(opts.Addr, ":9100")
	opts.Path = cmp.Or(opts.Path, "/metrics")
	opts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, 5*time.Second)
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+opts.Path, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting Prometheus metrics server", zap.String("addr", opts.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown timed out", zap.Error(err))
		return nil
	}
	logger.Info("Metrics server shutdown complete")
	return nil
}
