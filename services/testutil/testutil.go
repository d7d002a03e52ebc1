package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/AfshinJalili/rewardledger/services/ledger/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IntegrationEnabled reports whether Postgres-backed tests should run.
func IntegrationEnabled() bool {
	return os.Getenv("RUN_DB_INTEGRATION") == "1"
}

func TestDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "ledger"),
		getEnv("POSTGRES_PASSWORD", "ledger"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "rewards_ledger"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

// SetupTestDB migrates the test database and returns a pool on it.
func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := TestDSN()
	if err := migrations.Up(dsn); err != nil {
		return nil, fmt.Errorf("migrate test db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE trade_orders, market_listings, items, idempotency_keys,
			ledger_entries, balances, accounts, system_settings
	`)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
