// Package database runs the Postgres schema migrations backing the
// collaborators.ReportRecorder. The teacher's cmd/wsserver/main.go called an
// internal/database.RunMigrations(databaseURL, migrationsPath) that was never
// checked in alongside it; this is that function, written from scratch
// against the golang-migrate/migrate/v4 dependency the teacher's go.mod
// already carried.
package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies every up migration in migrationsDir to the database
// at databaseURL, in order. A no-change result is not an error.
func RunMigrations(databaseURL, migrationsDir string) error {
	m, err := migrate.New("file://"+migrationsDir, databaseURL)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
