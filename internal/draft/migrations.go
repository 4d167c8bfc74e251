package draft

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// expectedSchemaVersion is the latest schema version the application
// expects. Every schema change goes through a numbered migration so an
// older draft survives an upgrade.
const expectedSchemaVersion = 2

type migration struct {
	up          func(*sql.Tx) error
	description string
	version     int
}

var migrations = []migration{
	{
		version:     1,
		description: "Initial draft schema",
		up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS draft_rows (
					row_id TEXT PRIMARY KEY,
					deleted INTEGER NOT NULL DEFAULT 0,
					recipient_kind TEXT NOT NULL DEFAULT '',
					recipient TEXT NOT NULL DEFAULT '',
					product_type TEXT NOT NULL DEFAULT '',
					product TEXT NOT NULL DEFAULT '',
					allocation_id TEXT NOT NULL DEFAULT '',
					start_date TEXT NOT NULL DEFAULT '',
					end_date TEXT NOT NULL DEFAULT '',
					amount TEXT NOT NULL DEFAULT '',
					unit TEXT NOT NULL DEFAULT '',
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)
			`)
			return err
		},
	},
	{
		version:     2,
		description: "Add per-row validation status",
		up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`ALTER TABLE draft_rows ADD COLUMN status TEXT NOT NULL DEFAULT ''`)
			return err
		},
	},
}

// migrate brings the schema up to expectedSchemaVersion.
func (s *Store) migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}

		if err := m.up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
		}

		// PRAGMA cannot be parameterized
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to set schema version %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}

		slog.Info("Applied draft schema migration",
			"version", m.version,
			"description", m.description)
	}

	if current > expectedSchemaVersion {
		return fmt.Errorf("draft database schema version %d is newer than expected %d", current, expectedSchemaVersion)
	}

	return nil
}
