// Package database opens PostgreSQL connection pools and applies the
// fixture migrations used by integration tests and local demos.
package database

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/logging"
	"github.com/ekaya-inc/ekaya-combine/pkg/retry"
)

// DB wraps a pgxpool connection pool.
type DB struct {
	*pgxpool.Pool
}

// Config holds database connection configuration.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Retry controls how often a failed connect is retried. Nil uses
	// retry.DefaultConfig.
	Retry *retry.Config
}

// Pool defaults. Each running stage holds one connection for its job.
const (
	defaultMaxConns        = 8
	defaultMaxConnLifetime = time.Hour
	defaultMaxConnIdleTime = 30 * time.Minute

	// ApplicationName tags sessions in pg_stat_activity.
	ApplicationName = "ekaya-combine"
)

func poolConfigFor(cfg *Config) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %s", logging.SanitizeError(err))
	}

	pc.MaxConns = cmp.Or(cfg.MaxConnections, defaultMaxConns)
	pc.MaxConnLifetime = cmp.Or(cfg.MaxConnLifetime, defaultMaxConnLifetime)
	pc.MaxConnIdleTime = cmp.Or(cfg.MaxConnIdleTime, defaultMaxConnIdleTime)

	if _, ok := pc.ConnConfig.RuntimeParams["application_name"]; !ok {
		pc.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	}
	return pc, nil
}

// NewConnection creates a connection pool and pings it, retrying transient
// failures such as a database that is still starting.
func NewConnection(ctx context.Context, cfg *Config, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	poolConfig, err := poolConfigFor(cfg)
	if err != nil {
		return nil, err
	}

	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}

	attempt := 0
	pool, err := retry.DoWithResult(ctx, retryCfg, func() (*pgxpool.Pool, error) {
		attempt++
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			logger.Warn("Database ping failed",
				zap.Int("attempt", attempt),
				zap.String("error", logging.SanitizeError(err)))
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return pool, nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("Connected to database",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_connections", poolConfig.MaxConns))
	return &DB{Pool: pool}, nil
}

