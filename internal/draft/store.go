// Package draft persists unsaved sub-allocation edits durably so that a
// crash or restart never loses more than the in-flight edit.
package draft

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hferg/suballoc/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store implements the service.DraftStore interface using SQLite. Every
// mutation is written through before returning; there is no batching.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the draft database at the given path and brings
// its schema up to date.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create draft directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open draft database: %w", err)
	}

	// SQLite doesn't benefit from multiple connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping draft database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads the full draft-row map. Rows that fail boundary validation
// (unknown enums written by an older or corrupted store) are skipped with a
// warning rather than failing the load.
func (s *Store) Load(ctx context.Context) (map[string]model.DraftRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, deleted, recipient_kind, recipient, product_type,
		       product, allocation_id, start_date, end_date, amount, unit, status
		FROM draft_rows
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load draft rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]model.DraftRow)
	for rows.Next() {
		var (
			r       model.DraftRow
			deleted int
		)
		if err := rows.Scan(&r.ID, &deleted, (*string)(&r.RecipientKind), &r.Recipient,
			(*string)(&r.ProductType), &r.Product, &r.AllocationID,
			&r.StartDate, &r.EndDate, &r.Amount, (*string)(&r.Unit), (*string)(&r.Status)); err != nil {
			return nil, fmt.Errorf("failed to scan draft row: %w", err)
		}
		r.Deleted = deleted != 0

		if !validRow(r) {
			slog.Warn("Skipping corrupt draft row", "row_id", r.ID)
			continue
		}
		result[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate draft rows: %w", err)
	}
	return result, nil
}

// SetRow writes one row's full column-value tuple.
func (s *Store) SetRow(ctx context.Context, row model.DraftRow) error {
	if row.ID == "" {
		return fmt.Errorf("row id cannot be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO draft_rows (
			row_id, deleted, recipient_kind, recipient, product_type,
			product, allocation_id, start_date, end_date, amount, unit, status
		) VALUES (?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(row_id) DO UPDATE SET
			deleted = 0,
			recipient_kind = excluded.recipient_kind,
			recipient = excluded.recipient,
			product_type = excluded.product_type,
			product = excluded.product,
			allocation_id = excluded.allocation_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			amount = excluded.amount,
			unit = excluded.unit,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, row.ID, string(row.RecipientKind), row.Recipient, string(row.ProductType),
		row.Product, row.AllocationID, row.StartDate, row.EndDate,
		row.Amount, string(row.Unit), string(row.Status))
	if err != nil {
		return fmt.Errorf("failed to save draft row: %w", err)
	}
	return nil
}

// MarkDeleted records a pending deletion of an existing allocation. A
// synthetic row has nothing server-side to delete, so it is removed
// outright instead of tombstoned.
func (s *Store) MarkDeleted(ctx context.Context, rowID string) error {
	if model.IsSyntheticRowID(rowID) {
		return s.Remove(ctx, rowID)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO draft_rows (
			row_id, deleted, recipient_kind, recipient, product_type,
			product, allocation_id, start_date, end_date, amount, unit, status
		) VALUES (?, 1, '', '', '', '', '', '', '', '', '', '')
		ON CONFLICT(row_id) DO UPDATE SET
			deleted = 1,
			recipient_kind = '', recipient = '', product_type = '',
			product = '', allocation_id = '', start_date = '',
			end_date = '', amount = '', unit = '', status = '',
			updated_at = CURRENT_TIMESTAMP
	`, rowID)
	if err != nil {
		return fmt.Errorf("failed to mark draft row deleted: %w", err)
	}
	return nil
}

// Remove drops one row from the draft entirely.
func (s *Store) Remove(ctx context.Context, rowID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM draft_rows WHERE row_id = ?`, rowID)
	if err != nil {
		return fmt.Errorf("failed to remove draft row: %w", err)
	}
	return nil
}

// Clear wipes the draft. Used only after a fully successful commit or an
// explicit discard.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM draft_rows`)
	if err != nil {
		return fmt.Errorf("failed to clear draft: %w", err)
	}
	return nil
}

// validRow checks enum fields at the storage boundary. A deleted marker
// carries no field values, so only live rows are checked.
func validRow(r model.DraftRow) bool {
	if r.ID == "" {
		return false
	}
	if r.Deleted {
		return true
	}
	if r.ProductType != "" && !model.ValidProductType(r.ProductType) {
		return false
	}
	switch r.RecipientKind {
	case "", model.RecipientProject, model.RecipientUser:
	default:
		return false
	}
	return true
}
