// Package postgres provides PostgreSQL-based implementations of the store interfaces.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"backgrounder-go/internal/config"
)

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, cfg *config.PostgresConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxOpenConns
	poolConfig.MinConns = cfg.MaxIdleConns
	poolConfig.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// RunMigrations creates the required database tables.
func (db *DB) RunMigrations(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS scheduled_messages (
			id VARCHAR(36) PRIMARY KEY,
			message_id VARCHAR(64) NOT NULL,
			signature TEXT NOT NULL,
			content_type VARCHAR(100) NOT NULL,
			payload BYTEA,
			attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
			ready_at TIMESTAMP WITH TIME ZONE NOT NULL,
			claimed_until TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		ALTER TABLE scheduled_messages ADD COLUMN IF NOT EXISTS claimed_until TIMESTAMP WITH TIME ZONE;

		CREATE INDEX IF NOT EXISTS idx_scheduled_messages_ready_at ON scheduled_messages(ready_at);
		CREATE INDEX IF NOT EXISTS idx_scheduled_messages_message_id ON scheduled_messages(message_id);
	`

	_, err := db.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
