package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DB owns the pgx connection pool shared by every store.
type DB struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New opens a pool from a DATABASE_URL-style connection string and pings it.
//
// Pool sizing:
//   - MaxConns 20: admissions traffic is bursty around deadlines but each
//     request holds a connection only for one short transaction.
//   - MinConns 2: keeps webhook handling warm when the dashboards are idle.
//   - MaxConnLifetime 1h / MaxConnIdleTime 15m: recycle connections so
//     failovers and DNS changes are picked up.
func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 15 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Never log the connection string: it carries the password.
	logger.Info("database pool ready",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_conns", poolConfig.MaxConns),
	)
	return &DB{pool: pool, logger: logger}, nil
}

func (db *DB) Close() {
	db.logger.Info("closing database pool")
	db.pool.Close()
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Health pings the database; used by the readiness endpoint.
func (db *DB) Health(ctx context.Context) error {
	return db.pool.Ping(ctx)
}
