// Package postgres implements the datastore interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/quay/zlog"
	"github.com/remind101/migrate"

	"github.com/stackaudit/stackaudit/datastore"
	"github.com/stackaudit/stackaudit/datastore/postgres/migrations"
)

var _ datastore.Store = (*Store)(nil)

// Store implements datastore.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool against the given connection string, optionally
// running schema migrations first.
func Connect(ctx context.Context, connString string, doMigrate bool) (*pgxpool.Pool, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "datastore/postgres/Connect")
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if doMigrate {
		if err := runMigrations(cfg); err != nil {
			return nil, err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	zlog.Info(ctx).Msg("store connected")
	return pool, nil
}

func runMigrations(cfg *pgxpool.Config) error {
	db, err := sql.Open("pgx", stdlib.RegisterConnConfig(cfg.ConnConfig))
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()
	migrator := migrate.NewPostgresMigrator(db)
	migrator.Table = migrations.MigrationTable
	if err := migrator.Exec(migrate.Up, migrations.Migrations...); err != nil {
		return fmt.Errorf("failed to perform migrations: %w", err)
	}
	return nil
}
