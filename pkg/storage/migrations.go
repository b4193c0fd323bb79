package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
)

//go:embed migrations/001_initial.sql
var initialSchema string

// Migration is one versioned schema change.
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations are applied in ascending version order, each in its own
// transaction.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Policies, policy history, overrides and query event archive",
		SQL:         initialSchema,
	},
	{
		Version:     2,
		Description: "Composite indexes for archive restore and feed export",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_query_events_action_ts ON query_events(action, ts_unix_ns);
			CREATE INDEX IF NOT EXISTS idx_query_events_user_ts ON query_events(user_id, ts_unix_ns);
		`,
	},
}

func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result
}

// getCurrentVersion returns 0 for a fresh database.
func getCurrentVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, m.Version); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// runMigrations brings the schema up to date. A failure leaves the
// database at the last successfully applied version.
func runMigrations(db *sql.DB) error {
	current, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range getMigrations() {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration v%d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// SchemaVersion reports the applied schema version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	return getCurrentVersion(s.db)
}
