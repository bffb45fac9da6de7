package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"copy-trading-bot/config"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB creates a new database connection
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	db, err := Open(context.Background(), cfg.DSN(), logger)
	if err != nil {
		return nil, err
	}
	db.logger.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return db, nil
}

// Open connects with a raw DSN or URL.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &DB{Pool: pool, logger: logger.With().Str("component", "database").Logger()}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

var migrations = []string{
	// Open positions, one per account and symbol
	`CREATE TABLE IF NOT EXISTS positions (
		account_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		state VARCHAR(20) NOT NULL,
		tag VARCHAR(20) NOT NULL,
		remaining_qty DECIMAL(30, 12) NOT NULL,
		version BIGINT NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		data JSONB NOT NULL,
		PRIMARY KEY (account_id, symbol)
	)`,

	`CREATE TABLE IF NOT EXISTS closed_positions (
		id BIGSERIAL PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		tag VARCHAR(20) NOT NULL,
		realized_pnl DECIMAL(30, 12) NOT NULL DEFAULT 0,
		close_reason TEXT,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_closed_positions_account ON closed_positions(account_id, closed_at DESC)`,

	// Append-only copy ledger
	`CREATE TABLE IF NOT EXISTS trade_ledger (
		seq BIGSERIAL,
		id VARCHAR(64) PRIMARY KEY,
		master_trade_id VARCHAR(64) NOT NULL,
		origin VARCHAR(8) NOT NULL DEFAULT 'COPY',
		account_id VARCHAR(64) NOT NULL,
		binding_id VARCHAR(64),
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(8),
		action VARCHAR(8) NOT NULL,
		quantity DECIMAL(30, 12) NOT NULL DEFAULT 0,
		price DECIMAL(30, 12) NOT NULL DEFAULT 0,
		notional DECIMAL(30, 12) NOT NULL DEFAULT 0,
		filled_qty DECIMAL(30, 12) NOT NULL DEFAULT 0,
		avg_price DECIMAL(30, 12) NOT NULL DEFAULT 0,
		fees DECIMAL(30, 12) NOT NULL DEFAULT 0,
		scale_factor DECIMAL(20, 8) NOT NULL DEFAULT 0,
		outcome VARCHAR(12) NOT NULL,
		reason TEXT,
		error_kind VARCHAR(32),
		dry_run BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`ALTER TABLE trade_ledger ADD COLUMN IF NOT EXISTS origin VARCHAR(8) NOT NULL DEFAULT 'COPY'`,
	`CREATE INDEX IF NOT EXISTS idx_trade_ledger_master_trade ON trade_ledger(master_trade_id)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_ledger_account ON trade_ledger(account_id, created_at DESC)`,

	// Breaker audit trail
	`CREATE TABLE IF NOT EXISTS breaker_transitions (
		id BIGSERIAL PRIMARY KEY,
		scope VARCHAR(16) NOT NULL,
		scope_key VARCHAR(64) NOT NULL,
		from_state VARCHAR(16) NOT NULL,
		to_state VARCHAR(16) NOT NULL,
		reason TEXT,
		metric VARCHAR(64),
		value DOUBLE PRECISION NOT NULL DEFAULT 0,
		manual BOOLEAN NOT NULL DEFAULT FALSE,
		operator VARCHAR(64),
		at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_breaker_transitions_scope ON breaker_transitions(scope, scope_key, at DESC)`,
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Int("statements", len(migrations)).Msg("Running database migrations")

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// HealthCheck checks if the database is healthy
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}
