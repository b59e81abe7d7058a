// Package sqlmigrate applies numbered schema migrations to a SQLite database.
// Versions are tracked per component in a schema_versions table so several
// packages can evolve their own tables inside one database file.
package sqlmigrate

import (
	"database/sql"
	"errors"
	"fmt"
)

// Migration mutates the schema inside the transaction it is given.
type Migration func(*sql.Tx) error

const versionsTable = `CREATE TABLE IF NOT EXISTS schema_versions (
	component TEXT PRIMARY KEY,
	version   INTEGER NOT NULL
)`

// Version returns the applied version for component, 0 if none.
func Version(db *sql.DB, component string) (int, error) {
	if _, err := db.Exec(versionsTable); err != nil {
		return 0, fmt.Errorf("sqlmigrate: creating versions table: %w", err)
	}
	var v int
	err := db.QueryRow(`SELECT version FROM schema_versions WHERE component = ?`, component).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlmigrate: reading %s version: %w", component, err)
	}
	return v, nil
}

// Apply runs pending migrations for component. Migrations are indexed
// starting at 1. Each runs in its own transaction together with the version
// bump, so version and schema stay in sync.
func Apply(db *sql.DB, component string, migrations []Migration) error {
	current, err := Version(db, component)
	if err != nil {
		return err
	}
	for i, fn := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("sqlmigrate: %s migration %d: begin: %w", component, version, err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlmigrate: %s migration %d: %w", component, version, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_versions (component, version) VALUES (?, ?)
			ON CONFLICT(component) DO UPDATE SET version = excluded.version`,
			component, version,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlmigrate: %s migration %d: setting version: %w", component, version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlmigrate: %s migration %d: commit: %w", component, version, err)
		}
	}
	return nil
}
