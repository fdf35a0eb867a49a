package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the embedded goose migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrate creates the store's schema if needed and applies pending
// migrations inside it. It returns the number of migrations applied.
func (s *Store) Migrate(ctx context.Context) (int, error) {
	return Migrate(ctx, *s.pool.Config().ConnConfig.Copy(), s.schema)
}

// Migrate applies the embedded migrations to schema using a dedicated
// database/sql connection whose search_path is pinned to that schema.
func Migrate(ctx context.Context, cfg pgx.ConnConfig, schema string) (int, error) {
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["search_path"] = schema

	db := stdlib.OpenDB(cfg)
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize()); err != nil {
		return 0, fmt.Errorf("creditgate/postgres: create schema %s: %w", schema, err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, Migrations())
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: goose provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("creditgate/postgres: migrate %s: %w", schema, err)
	}
	return len(results), nil
}
