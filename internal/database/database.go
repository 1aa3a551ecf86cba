package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/topicbridge/internal/retry"
)

// NewDB opens driver ("postgres" or "sqlite3") and waits for it to answer a
// ping. An empty postgres url falls back to DATABASE_URL.
func NewDB(ctx context.Context, driver, dbURL string, cfg retry.RetryConfig) (*sql.DB, error) {
	if driver == "postgres" {
		resolved, err := ResolveDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get database URL: %w", err)
		}
		dbURL = resolved
	}

	db, err := sql.Open(driver, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if driver == "sqlite3" {
		// One writer at a time avoids SQLITE_BUSY under concurrent requests.
		db.SetMaxOpenConns(1)
	}

	logger := log.With().Str("driver", driver).Logger()
	result := retry.RetryWithBackoff(ctx, cfg, db.PingContext, &logger)
	if !result.Success {
		db.Close()
		return nil, fmt.Errorf("failed to ping db after %d attempts: %w", result.Attempts, result.LastError)
	}

	return db, nil
}

// NewPool creates the pgx pool used by the River job queue.
func NewPool(ctx context.Context, dbURL string, cfg retry.RetryConfig) (*pgxpool.Pool, error) {
	resolved, err := ResolveDatabaseURL(dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get database URL: %w", err)
	}

	pool, err := pgxpool.New(ctx, resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	logger := log.With().Str("driver", "pgx").Logger()
	result := retry.RetryWithBackoff(ctx, cfg, pool.Ping, &logger)
	if !result.Success {
		pool.Close()
		return nil, fmt.Errorf("failed to ping pool after %d attempts: %w", result.Attempts, result.LastError)
	}
	return pool, nil
}

// ResolveDatabaseURL returns configured when set, else DATABASE_URL from the
// environment, else DATABASE_URL from the nearest .env file walking up from
// the working directory.
func ResolveDatabaseURL(configured string) (string, error) {
	if v := strings.TrimSpace(configured); v != "" {
		return v, nil
	}
	if direct := strings.TrimSpace(os.Getenv("DATABASE_URL")); direct != "" {
		return direct, nil
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	envPath, err := findEnvFile(wd)
	if err != nil {
		return "", err
	}

	values, err := godotenv.Read(envPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", envPath, err)
	}
	value, ok := values["DATABASE_URL"]
	if !ok {
		return "", errors.New("DATABASE_URL not found in environment or .env")
	}
	if strings.TrimSpace(value) == "" {
		return "", errors.New("DATABASE_URL is empty in .env")
	}
	return strings.TrimSpace(value), nil
}

func findEnvFile(start string) (string, error) {
	dir := start
	for {
		candidate := filepath.Join(dir, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf(".env not found starting from %s", start)
}
