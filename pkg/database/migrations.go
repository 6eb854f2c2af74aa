package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/migrations"
)

// migrator wraps a migrate instance over the embedded fixture migrations.
type migrator struct {
	m      *migrate.Migrate
	logger *zap.Logger
}

func newMigrator(db *sql.DB, logger *zap.Logger) (*migrator, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return &migrator{m: m, logger: logger}, nil
}

// close releases the source and the driver's connection. The *sql.DB stays
// open for the caller.
func (mg *migrator) close() {
	srcErr, dbErr := mg.m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		mg.logger.Warn("Failed to close migrator", zap.Error(err))
	}
}

// RunMigrations creates the ehr, rdr and combined schemas with their OMOP
// tables and loads the demo scenario. Only pending migrations run.
func RunMigrations(db *sql.DB, logger *zap.Logger) error {
	mg, err := newMigrator(db, logger)
	if err != nil {
		return err
	}
	defer mg.close()

	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, dirty, err := mg.m.Version()
	if err != nil {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.Info("Fixture schemas ready", zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// RollbackMigrations reverts every fixture migration, dropping the
// scenario rows and the three schemas.
func RollbackMigrations(db *sql.DB, logger *zap.Logger) error {
	mg, err := newMigrator(db, logger)
	if err != nil {
		return err
	}
	defer mg.close()

	if err := mg.m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	logger.Info("Fixture schemas removed")
	return nil
}
