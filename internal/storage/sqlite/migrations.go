package sqlite

import (
	"database/sql"
	"fmt"
)

// runMigrations applies all database migrations
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	// Versions are 1-based positions in the list, applied in order
	for i, migration := range migrations {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(migration); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

var migrations = []string{
	migration001Config,
	migration002UsedTimes,
	migration003SessionDurations,
}

// Configuration rows keep the record as JSON next to the lookup columns
const migration001Config = `
CREATE TABLE IF NOT EXISTS device (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_categories_user ON categories(user_id);

CREATE TABLE IF NOT EXISTS time_limit_rules (
	id TEXT NOT NULL,
	category_id TEXT NOT NULL,
	data TEXT NOT NULL,
	PRIMARY KEY (category_id, id)
);
`

const migration002UsedTimes = `
CREATE TABLE IF NOT EXISTS used_times (
	category_id TEXT NOT NULL,
	day_of_epoch INTEGER NOT NULL,
	start_minute_of_day INTEGER NOT NULL,
	end_minute_of_day INTEGER NOT NULL,
	used_ms INTEGER NOT NULL,
	PRIMARY KEY (category_id, day_of_epoch, start_minute_of_day, end_minute_of_day)
);

CREATE INDEX IF NOT EXISTS idx_used_times_day ON used_times(day_of_epoch);
`

const migration003SessionDurations = `
CREATE TABLE IF NOT EXISTS session_durations (
	category_id TEXT NOT NULL,
	max_session_duration_ms INTEGER NOT NULL,
	session_pause_duration_ms INTEGER NOT NULL,
	start_minute_of_day INTEGER NOT NULL,
	end_minute_of_day INTEGER NOT NULL,
	last_usage INTEGER NOT NULL,
	last_session_duration_ms INTEGER NOT NULL,
	PRIMARY KEY (category_id, max_session_duration_ms, session_pause_duration_ms, start_minute_of_day, end_minute_of_day)
);
`
