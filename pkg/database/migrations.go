package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"go.uber.org/zap"
)

// MigrationsTable keeps the engine versions apart from anything else living
// in the same database.
const MigrationsTable = "engine_schema_migrations"

// RunMigrations applies the pending engine_* migrations of migrationsPath.
// Frame tables are created at runtime and are not migrated. golang-migrate
// needs database/sql, so a short-lived handle is opened next to the pool.
func RunMigrations(url, migrationsPath string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: MigrationsTable})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	// Closing m would close db as well; the deferred db.Close covers it.

	from, _, _ := m.Version()
	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Info("Engine schema is up to date", zap.Uint("version", from))
		return nil
	case err != nil:
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	to, dirty, _ := m.Version()
	logger.Info("Applied migrations",
		zap.Uint("from", from),
		zap.Uint("to", to),
		zap.Bool("dirty", dirty))
	return nil
}
