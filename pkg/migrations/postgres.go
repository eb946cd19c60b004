package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// DefaultPostgresPath is where the SQL migrations live relative to the
// repository root.
const DefaultPostgresPath = "migrations/postgres"

// UpPostgres applies every pending migration found in dir. It returns the
// schema version the database ends up at. The migrate instance is not
// closed: closing the driver would close db as well.
func UpPostgres(db *sql.DB, dir string) (uint, error) {
	if dir == "" {
		dir = DefaultPostgresPath
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return 0, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return 0, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}
