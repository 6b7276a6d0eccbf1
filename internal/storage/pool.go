package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps runs in Postgres. Queries go through a pgxpool.Pool;
// LISTEN uses a dedicated connection because pooled connections
// (e.g. behind PgBouncer) cannot hold a subscription.
type PostgresStore struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

var (
	_ Store    = (*PostgresStore)(nil)
	_ Notifier = (*PostgresStore)(nil)
)

// NewPostgresStore connects to poolDSN and, when notifyDSN is set, opens the
// LISTEN connection. Call RunMigrations before first use.
func NewPostgresStore(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &PostgresStore{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// Pool returns the underlying connection pool.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity to the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the pool and the notify connection.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	if s.notifyConn != nil {
		if err := s.notifyConn.Close(context.Background()); err != nil {
			s.logger.Warn("storage: close notify connection", "error", err)
		}
	}
	return nil
}
