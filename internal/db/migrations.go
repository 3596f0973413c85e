package db

import (
	"database/sql"
	"embed"
	"fmt"
	"time"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrations lists every schema change in apply order. New schema work gets a
// new file and a new entry here; applied versions are recorded in
// schema_migrations and never re-run.
var migrations = []struct {
	Version string
	SQL     string
}{
	{Version: "0001_init", SQL: mustReadMigration("migrations/0001_init.sql")},
}

func mustReadMigration(name string) string {
	data, err := migrationFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("embedded migration %s: %v", name, err))
	}
	return string(data)
}

// Migrate brings the schema up to date, applying pending migrations in order.
func Migrate(conn *sql.DB) error {
	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	for _, m := range migrations {
		applied, err := migrationApplied(conn, m.Version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if _, err := conn.Exec(m.SQL); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
		if _, err := conn.Exec(`INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`,
			m.Version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("record migration %s: %w", m.Version, err)
		}
	}
	return nil
}

func migrationApplied(conn *sql.DB, version string) (bool, error) {
	var n int
	if err := conn.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&n); err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return n > 0, nil
}
