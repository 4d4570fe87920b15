package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

// Supported SQL driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Migrate applies all pending schema migrations. The schema covers
// clients, users, authorization codes and revoked tokens.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	var dialect database.Dialect

	switch db.DriverName() {
	case DriverPostgres:
		dialect = database.DialectPostgres
	case DriverSQLite:
		dialect = database.DialectSQLite3
	default:
		return fmt.Errorf("unsupported sql driver %q", db.DriverName())
	}

	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migrations filesystem: %w", err)
	}

	provider, err := goose.NewProvider(dialect, db.DB, migrationFS)
	if err != nil {
		return fmt.Errorf("creating goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	return nil
}
