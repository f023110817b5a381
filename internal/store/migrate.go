package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationStatus is one row of `canopyctl migrate status`.
type MigrationStatus struct {
	Version int64
	Source  string
	Applied bool
}

func newMigrator(db *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return nil, fmt.Errorf("new migrator: %w", err)
	}
	return provider, nil
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	provider, err := newMigrator(db)
	if err != nil {
		return err
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// RollbackMigrations undoes every applied migration.
func RollbackMigrations(ctx context.Context, db *sql.DB) error {
	provider, err := newMigrator(db)
	if err != nil {
		return err
	}
	if _, err := provider.DownTo(ctx, 0); err != nil {
		return fmt.Errorf("rollback migrations: %w", err)
	}
	return nil
}

func MigrationsStatus(ctx context.Context, db *sql.DB) ([]MigrationStatus, error) {
	provider, err := newMigrator(db)
	if err != nil {
		return nil, err
	}
	results, err := provider.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migration status: %w", err)
	}
	out := make([]MigrationStatus, 0, len(results))
	for _, result := range results {
		out = append(out, MigrationStatus{
			Version: result.Source.Version,
			Source:  result.Source.Path,
			Applied: result.State == goose.StateApplied,
		})
	}
	return out, nil
}
