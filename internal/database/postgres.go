package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/config"
)

// ConnString builds a lib/pq keyword/value connection string.
func ConnString(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)
}

// InitDB opens the pool, applies its limits and checks the connection.
func InitDB(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name),
		zap.Int("max_open_conns", cfg.MaxOpenConns))
	return db, nil
}

// Schema creates the ledger tables when they do not exist yet.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         BIGSERIAL PRIMARY KEY,
	balance    BIGINT      NOT NULL DEFAULT 0 CHECK (balance >= 0),
	version    INTEGER     NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	id                     BIGSERIAL PRIMARY KEY,
	account_id             BIGINT      NOT NULL REFERENCES accounts (id),
	related_account_id     BIGINT      REFERENCES accounts (id),
	related_transaction_id BIGINT      REFERENCES transactions (id),
	type                   TEXT        NOT NULL CHECK (type IN ('deposit', 'transfer_sent', 'transfer_received', 'reversal')),
	amount                 BIGINT      NOT NULL CHECK (amount <> 0),
	status                 TEXT        NOT NULL CHECK (status IN ('completed', 'reversed', 'canceled')),
	created_at             TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS transactions_account_created_idx
	ON transactions (account_id, created_at DESC, id DESC);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
