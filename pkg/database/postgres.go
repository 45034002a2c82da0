package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/retry"
)

// DB is the engine connection pool. Handlers borrow one connection per
// request through a ScopeProvider.
type DB struct {
	*pgxpool.Pool
}

// Config holds database connection configuration. Zero durations get the
// pool defaults used in production.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	// Retry covers a server that is still starting, as happens under
	// docker compose and testcontainers. Nil uses retry.DefaultConfig.
	Retry *retry.Config
}

func (c *Config) poolConfig() (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(c.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	pc.MaxConns = orDefault(c.MaxConnections, 25)
	pc.MaxConnLifetime = orDefault(c.MaxConnLifetime, time.Hour)
	pc.MaxConnIdleTime = orDefault(c.MaxConnIdleTime, 30*time.Minute)
	return pc, nil
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// NewConnection creates the pool and waits until the server answers a ping.
func NewConnection(ctx context.Context, cfg *Config, logger *zap.Logger) (*DB, error) {
	pc, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := retry.DoWithResult(ctx, cfg.Retry, func() (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return nil, retry.Permanent(fmt.Errorf("failed to create connection pool: %w", err))
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			logger.Debug("Database not ready", zap.Error(err))
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}
