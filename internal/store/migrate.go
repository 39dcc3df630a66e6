package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// The DDL under migrations/ sticks to types valid in both SQLite and
// Postgres (TEXT, INTEGER, BIGINT, DOUBLE PRECISION, BOOLEAN), so one
// migration set serves both drivers.
const migrationsPath = "migrations"

const (
	// Keep these version markers in sync with the SQL files under
	// migrations/. legacyBaselineVersion is the highest version covered by
	// baseline detection for databases created before versioned migrations.
	versionBaseSchema      = 1
	versionExtendedFields  = 2
	versionDeviceTargeting = 3
	legacyBaselineVersion  = versionDeviceTargeting
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// Migrate brings the database schema up to the current version. SQLite
// databases created before versioned migrations get their baseline version
// detected from the live schema first.
func Migrate(db *DB) error {
	sqlDB := db.DB.DB

	var (
		dbDriver migratedb.Driver
		err      error
	)
	if db.driver == "postgres" {
		dbDriver, err = migratepg.WithInstance(sqlDB, &migratepg.Config{
			MigrationsTable: migrationsTable,
		})
	} else {
		dbDriver, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{
			MigrationsTable: migrationsTable,
		})
	}
	if err != nil {
		return fmt.Errorf("migrate: init %s driver: %w", db.driver, err)
	}

	if db.driver != "postgres" {
		if err := prepareLegacyBaseline(sqlDB, dbDriver); err != nil {
			return fmt.Errorf("migrate: baseline: %w", err)
		}
	}

	sourceDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return fmt.Errorf("migrate: init source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, db.driver, dbDriver)
	if err != nil {
		return fmt.Errorf("migrate: init migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: up: %w", err)
	}
	return nil
}

// prepareLegacyBaseline aligns migration version metadata for SQLite
// databases created before golang-migrate was introduced. The version is
// inferred from which columns the live schema already carries.
func prepareLegacyBaseline(db *sql.DB, driver migratedb.Driver) error {
	hasVersion, err := hasMigrationVersion(db, migrationsTable)
	if err != nil {
		return err
	}
	if hasVersion {
		return nil
	}

	hasUPS, err := hasTable(db, "ups")
	if err != nil {
		return err
	}
	if !hasUPS {
		// Fresh database: migrate from the base schema.
		return nil
	}

	hasExtended, err := hasTableColumn(db, "ups", "battery_voltage")
	if err != nil {
		return err
	}
	hasTargeting, err := hasTableColumn(db, "devices", "server_id")
	if err != nil {
		return err
	}

	switch {
	case hasExtended && hasTargeting:
		return setMigrationVersion(driver, legacyBaselineVersion)
	case hasExtended:
		return setMigrationVersion(driver, versionExtendedFields)
	default:
		return setMigrationVersion(driver, versionBaseSchema)
	}
}

func hasMigrationVersion(db *sql.DB, table string) (bool, error) {
	var count int
	if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return false, fmt.Errorf("read %s: %w", table, err)
	}
	return count > 0, nil
}

func setMigrationVersion(driver migratedb.Driver, version int) error {
	if err := driver.SetVersion(version, false); err != nil {
		return fmt.Errorf("set migration version=%d: %w", version, err)
	}
	return nil
}

func hasTable(db *sql.DB, table string) (bool, error) {
	var name string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", table, err)
	}
	return true, nil
}

func hasTableColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			defaultV  *string
			primaryID int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultV, &primaryID); err != nil {
			return false, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("iterate table_info(%s): %w", table, err)
	}
	return false, nil
}
