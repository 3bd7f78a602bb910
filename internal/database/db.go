// Package database archives closed trades and engine events to
// PostgreSQL and mirrors live position state to Redis for external
// dashboards. Both stores are optional: the engine's source of truth
// is the local snapshot file, and the archive is best-effort.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return &DB{Pool: pool, logger: log}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations creates the archive tables if they do not exist.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS closed_trades (
			id SERIAL PRIMARY KEY,
			position_id UUID NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INTEGER NOT NULL,
			realized_pnl DECIMAL(20, 8) NOT NULL,
			total_pnl DECIMAL(20, 8) NOT NULL,
			total_pnl_pct DECIMAL(12, 6) NOT NULL,
			close_reason VARCHAR(40) NOT NULL,
			status VARCHAR(20) NOT NULL,
			open_time TIMESTAMPTZ NOT NULL,
			close_time TIMESTAMPTZ NOT NULL,
			holding_seconds BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_symbol ON closed_trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_closed_trades_close_time ON closed_trades(close_time)`,
		`CREATE TABLE IF NOT EXISTS engine_events (
			id SERIAL PRIMARY KEY,
			event_type VARCHAR(40) NOT NULL,
			symbol VARCHAR(20),
			payload JSONB,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_events_type ON engine_events(event_type)`,
	}
	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}
	db.logger.Info().Msg("Database migrations completed")
	return nil
}
