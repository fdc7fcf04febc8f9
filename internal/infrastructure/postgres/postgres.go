// Package postgres provides the shared Postgres store used when several relay
// instances must see the same device sessions and slot claims.
//
// The schema is identical to the SQLite store's and is migrated from the
// same kind of embedded migration files (see package migrations).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nerrad567/homecast-relay/internal/infrastructure/database"
)

// migrationLockID serialises concurrent Migrate calls from instances that
// start at the same time.
const migrationLockID = 0x686f6d65 // "home"

// ErrNoDSN is returned by Open when no connection string is configured.
var ErrNoDSN = errors.New("postgres: dsn is required")

// Config holds pool settings. These map to the postgres section of config.yaml.
type Config struct {
	DSN      string
	MaxConns int
}

// DB wraps a pgx connection pool.
type DB struct {
	*pgxpool.Pool
}

// Open creates a connection pool and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.DSN == "" {
		return nil, ErrNoDSN
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns) //nolint:gosec // Bounded by config validation
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close releases every pooled connection.
func (db *DB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
	}
	return nil
}

// HealthCheck verifies the pool can reach the server.
func (db *DB) HealthCheck(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// Migrate applies pending migrations from fsys. The whole run holds a
// transaction-scoped advisory lock so only one instance migrates at a time.
func (db *DB) Migrate(ctx context.Context, fsys fs.FS) error {
	migrations, err := database.LoadMigrations(fsys)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", migrationLockID); err != nil {
			return fmt.Errorf("acquiring migration lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at TIMESTAMPTZ NOT NULL
			)`); err != nil {
			return fmt.Errorf("creating migrations table: %w", err)
		}

		rows, err := tx.Query(ctx, "SELECT version FROM schema_migrations")
		if err != nil {
			return fmt.Errorf("querying migrations: %w", err)
		}
		applied, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("scanning migrations: %w", err)
		}
		done := make(map[string]bool, len(applied))
		for _, v := range applied {
			done[v] = true
		}

		for _, m := range migrations {
			if done[m.Version] {
				continue
			}
			if _, err := tx.Exec(ctx, m.UpSQL); err != nil {
				return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
			}
			if _, err := tx.Exec(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)",
				m.Version, time.Now().UTC()); err != nil {
				return fmt.Errorf("recording migration %s: %w", m.Version, err)
			}
		}
		return nil
	})
}
