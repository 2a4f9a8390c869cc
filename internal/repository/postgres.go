package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/siretech/backoffice-payments/internal/logging"
)

// PoolConfig sizes the connection pool. Zero values keep the database/sql defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// RetryPolicy controls how long Connect waits for Postgres to come up.
type RetryPolicy struct {
	Attempts    int
	Delay       time.Duration
	PingTimeout time.Duration
}

// StartupRetry suits a service starting next to its database container.
var StartupRetry = RetryPolicy{Attempts: 30, Delay: time.Second, PingTimeout: 5 * time.Second}

// NoRetry fails on the first unsuccessful ping.
var NoRetry = RetryPolicy{Attempts: 1, PingTimeout: 10 * time.Second}

// Connect opens the pool and pings until Postgres answers, the attempts run
// out or ctx is done.
func Connect(ctx context.Context, databaseURL string, pool PoolConfig, retry RetryPolicy) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("Connect: open: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	attempts := max(retry.Attempts, 1)
	pingTimeout := retry.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		lastErr = db.PingContext(pingCtx)
		cancel()
		if lastErr == nil {
			return db, nil
		}
		if attempt == attempts {
			break
		}

		logging.FromContext(ctx).Info("waiting for database", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("Connect: %w", ctx.Err())
		case <-time.After(retry.Delay):
		}
	}

	db.Close()
	return nil, fmt.Errorf("Connect: gave up after %d attempts: %w", attempts, lastErr)
}
