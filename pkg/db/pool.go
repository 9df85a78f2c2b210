package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config is the PostgreSQL connection configuration.
type Config struct {
	ConnString     string `mapstructure:"connString"`
	MaxConns       int32  `mapstructure:"maxConns"`
	ConnectRetries uint64 `mapstructure:"connectRetries"`
	// Migrate applies the embedded schema on start.
	Migrate bool `mapstructure:"migrate"`
}

var ErrNoConnString = errors.New("db: connection string is required")

// NewPool creates a pgx pool and pings it, retrying with exponential backoff
// while the database is unreachable.
func NewPool(ctx context.Context, cfg Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnString == "" {
		return nil, ErrNoConnString
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("db: parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("db: creating pool: %w", err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), cfg.ConnectRetries), ctx)
	notify := func(err error, next time.Duration) {
		logger.Warn("Retrying database connection", zap.Error(err), zap.Duration("delay", next))
	}
	if err := backoff.RetryNotify(func() error { return pool.Ping(ctx) }, b, notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping connection: %w", err)
	}

	logger.Info("Database connection established",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database))
	return pool, nil
}
