package scoot

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/scoot/pkg/api"
	"github.com/edgeflare/scoot/pkg/broker"
	"github.com/edgeflare/scoot/pkg/command"
	"github.com/edgeflare/scoot/pkg/db"
	"github.com/edgeflare/scoot/pkg/httputil"
	"github.com/edgeflare/scoot/pkg/metrics"
	"github.com/edgeflare/scoot/pkg/telemetry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the command API and telemetry ingestion",
	Long: `Connects to the broker, subscribes to the relay response and telemetry
topics, stores telemetry in PostgreSQL and serves the HTTP API.`,
	RunE: runServer,
}

func init() {
	f := serverCmd.Flags()
	f.StringP("listen-addr", "l", "", "HTTP API listen address")
	f.StringP("db", "c", "", "PostgreSQL connection string")
	f.Bool("metrics", false, "serve Prometheus metrics")
	f.String("metrics-addr", "", "Prometheus metrics listen address")
	f.Bool("ingest", true, "store telemetry received from the broker")

	bindFlags(serverCmd, map[string]string{
		"api.listenAddr":      "listen-addr",
		"database.connString": "db",
		"metrics.enabled":     "metrics",
		"metrics.addr":        "metrics-addr",
		"ingest.enabled":      "ingest",
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer logger.Sync()

	var wg sync.WaitGroup
	if cfg.Metrics.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, metrics.ServerOptions{Logger: logger, Addr: cfg.Metrics.Addr}); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	t, err := connectBroker(ctx, "server")
	if err != nil {
		return err
	}
	defer t.Disconnect()

	pool, err := openDatabase(ctx)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	if err := startIngest(ctx, pool, t); err != nil {
		return err
	}

	corr := command.NewCorrelator(t, command.Options{
		CommandTopic:  cfg.Topics.Command,
		ResponseTopic: cfg.Topics.Response,
		Timeout:       cfg.Command.Timeout,
		Logger:        logger,
	})
	if err := corr.Start(); err != nil {
		return err
	}
	defer corr.Stop()

	var conn db.Conn
	if pool != nil {
		conn = pool
	}
	opts := []httputil.RouterOptions{httputil.WithServerOptions(func(s *http.Server) {
		s.ReadHeaderTimeout = 5 * time.Second
		// Longer than the command timeout so set_power can answer 504 itself.
		s.WriteTimeout = cfg.Command.Timeout + 10*time.Second
	})}
	if cfg.API.TLSCert != "" {
		opts = append(opts, httputil.WithTLS(cfg.API.TLSCert, cfg.API.TLSKey))
	}
	router := api.New(conn, corr, logger).Handler(&cfg.API.CORS, opts...)

	errCh := make(chan error, 1)
	go func() {
		if err := router.ListenAndServe(cfg.API.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-errCh:
		logger.Error("HTTP server failed", zap.Error(err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return err
}

// openDatabase returns nil without a connection string; the read API then
// answers 503.
func openDatabase(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Database.ConnString == "" {
		logger.Warn("No database configured, telemetry will not be stored")
		return nil, nil
	}
	pool, err := db.NewPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := telemetry.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return pool, nil
}

// startIngest subscribes the telemetry bridge. The Influx mirror is closed
// when ctx is done.
func startIngest(ctx context.Context, pool *pgxpool.Pool, t broker.Transport) error {
	if !cfg.Ingest.Enabled || pool == nil {
		return nil
	}

	var mirror telemetry.Mirror
	if cfg.Ingest.Influx.URL != "" {
		m, err := telemetry.NewInfluxMirror(ctx, cfg.Ingest.Influx, logger)
		if err != nil {
			return err
		}
		context.AfterFunc(ctx, m.Close)
		mirror = m
	}

	bridge := telemetry.NewBridge(telemetry.NewIngester(pool, logger, mirror), t, telemetry.BridgeOptions{
		Topic:                cfg.Topics.Telemetry,
		DeadLetterTopic:      cfg.Topics.DeadLetter,
		RetryInitialInterval: cfg.Ingest.RetryInitialInterval,
		RetryMaxElapsed:      cfg.Ingest.RetryMaxElapsed,
		Logger:               logger,
	})
	return bridge.Start()
}
