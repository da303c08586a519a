package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes the pool per binary.
type PoolOptions struct {
	AppName string // reported as application_name
	// MaxConns caps the pool. Zero picks a default; the api-server sizes it
	// from the series booking concurrency since each concurrent create holds
	// a connection.
	MaxConns int32
}

const defaultMaxConns = 10

// ConnectPostgres opens a pool and verifies it with a ping.
func ConnectPostgres(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	cfg.MaxConns = defaultMaxConns
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	cfg.MinConns = 1
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 15 * time.Minute
	if opts.AppName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// MaxConnsFor leaves room for the concurrent creates of one series next to
// ordinary request traffic.
func MaxConnsFor(bookingConcurrency int) int32 {
	n := int32(bookingConcurrency) + 4
	if n < defaultMaxConns {
		return defaultMaxConns
	}
	return n
}
