package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bithumb-trading-bot/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection pool
func NewDB(dsn string, maxConns int) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	poolConfig.MaxConns = int32(maxConns)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.WithComponent("database").Info("Connected to PostgreSQL database")

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		logging.WithComponent("database").Info("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log := logging.WithComponent("database")
	log.Info("Running database migrations...")

	migrations := []string{
		// Positions table. The partial unique index enforces at most one
		// OPEN position per (market, strategy_code).
		`CREATE TABLE IF NOT EXISTS positions (
			id BIGSERIAL PRIMARY KEY,
			market VARCHAR(20) NOT NULL,
			strategy_code VARCHAR(40) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			entry_quantity DECIMAL(20, 8) NOT NULL,
			remaining_quantity DECIMAL(20, 8) NOT NULL CHECK (remaining_quantity >= 0),
			stop_loss DECIMAL(20, 8) NOT NULL,
			take_profit DECIMAL(20, 8) NOT NULL,
			trailing_active BOOLEAN NOT NULL DEFAULT FALSE,
			trailing_peak DECIMAL(20, 8),
			dca_count INT NOT NULL DEFAULT 0,
			status VARCHAR(20) NOT NULL DEFAULT 'OPEN',
			entry_regime VARCHAR(20),
			entry_confluence_score DECIMAL(6, 2),
			half_take_profit_done BOOLEAN NOT NULL DEFAULT FALSE,
			exit_price DECIMAL(20, 8),
			realized_pnl DECIMAL(20, 8),
			realized_pnl_percent DECIMAL(10, 4),
			exit_reason VARCHAR(40),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_key
			ON positions(market, strategy_code) WHERE status = 'OPEN'`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_closed_at ON positions(closed_at)`,

		// Pending orders awaiting fill confirmation
		`CREATE TABLE IF NOT EXISTS pending_orders (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL UNIQUE,
			exchange_order_id VARCHAR(64),
			market VARCHAR(20) NOT NULL,
			strategy_code VARCHAR(40) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(10) NOT NULL,
			price DECIMAL(20, 8),
			volume DECIMAL(20, 8),
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			position_id BIGINT REFERENCES positions(id) ON DELETE SET NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_orders_status ON pending_orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_orders_market ON pending_orders(market)`,

		// Append-only order lifecycle telemetry. The unique index makes
		// event writes idempotent per (order_id, event_type).
		`CREATE TABLE IF NOT EXISTS order_lifecycle_events (
			id BIGSERIAL PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			event_type VARCHAR(20) NOT NULL,
			market VARCHAR(20) NOT NULL,
			strategy_code VARCHAR(40) NOT NULL,
			strategy_group VARCHAR(20) NOT NULL,
			price DECIMAL(20, 8),
			volume DECIMAL(20, 8),
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_lifecycle_order_event
			ON order_lifecycle_events(order_id, event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_created_at ON order_lifecycle_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_lifecycle_group ON order_lifecycle_events(strategy_group)`,

		// Key-value store for counters and cached flags
		`CREATE TABLE IF NOT EXISTS key_value (
			key VARCHAR(100) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// updated_at trigger
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = NOW();
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_positions_updated_at ON positions`,
		`CREATE TRIGGER update_positions_updated_at BEFORE UPDATE ON positions
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_pending_orders_updated_at ON pending_orders`,
		`CREATE TRIGGER update_pending_orders_updated_at BEFORE UPDATE ON pending_orders
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Info("Database migrations completed")
	return nil
}
