// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

const ledgerColumns = `id, stock_item_id, delta_grams, kind, job_id, note,
	reversal_of_id, created_at, voided_at, void_reason`

// AppendLedger appends one entry to the material ledger.
func (db *DB) AppendLedger(ctx context.Context, entry *models.MaterialLedgerEntry) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackQuietly(tx)

	if err := db.AppendLedgerTx(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger append: %w", err)
	}
	return nil
}

// AppendLedgerTx appends one entry inside an open transaction. Entries are
// immutable once written; corrections go through VoidLedgerEntry.
func (db *DB) AppendLedgerTx(ctx context.Context, tx *sql.Tx, entry *models.MaterialLedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if !entry.Kind.Valid() {
		return fmt.Errorf("invalid ledger kind %q", entry.Kind)
	}

	query := `INSERT INTO material_ledger (
		id, stock_item_id, delta_grams, kind, job_id, note,
		reversal_of_id, created_at, voided_at, void_reason
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, query,
		entry.ID, entry.StockItemID, entry.DeltaGrams, string(entry.Kind),
		entry.JobID, nullStr(entry.Note), entry.ReversalOfID,
		entry.CreatedAt, entry.VoidedAt, entry.VoidReason,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}

	return nil
}

// GetLedgerEntry retrieves a ledger entry by ID.
func (db *DB) GetLedgerEntry(ctx context.Context, id string) (*models.MaterialLedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM material_ledger WHERE id = ?`
	return scanLedgerEntry(db.conn.QueryRowContext(ctx, query, id))
}

// VoidLedgerEntry voids an entry by appending a compensating reversal and
// stamping voided_at on the original, atomically. Returns the reversal.
// The reversal is stamped voided_at as well: the pair nets to zero and
// drops out of the non-voided balance sum together, while both rows stay
// as history. A second void of the same entry returns ErrAlreadyVoided;
// the balance is restored exactly once.
func (db *DB) VoidLedgerEntry(ctx context.Context, id, reason string) (*models.MaterialLedgerEntry, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackQuietly(tx)

	original, err := scanLedgerEntry(tx.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM material_ledger WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if original.Voided() {
		return nil, models.ErrAlreadyVoided
	}

	now := time.Now().UTC()

	// The guard on voided_at makes concurrent voids of the same entry
	// produce exactly one reversal.
	result, err := tx.ExecContext(ctx,
		`UPDATE material_ledger SET voided_at = ?, void_reason = ? WHERE id = ? AND voided_at IS NULL`,
		now, nullStr(reason), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to void ledger entry: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, models.ErrAlreadyVoided
	}

	reversal := &models.MaterialLedgerEntry{
		ID:           uuid.New().String(),
		StockItemID:  original.StockItemID,
		DeltaGrams:   -original.DeltaGrams,
		Kind:         models.LedgerKindReversal,
		JobID:        original.JobID,
		Note:         reason,
		ReversalOfID: &original.ID,
		CreatedAt:    now,
		VoidedAt:     &now,
	}
	if err := db.AppendLedgerTx(ctx, tx, reversal); err != nil {
		return nil, err
	}

	// A voided consumption entry flips its consumption record back to
	// voided so the job can be re-settled or manually corrected.
	if original.Kind == models.LedgerKindConsumption {
		if _, err := tx.ExecContext(ctx,
			`UPDATE consumption_records SET voided = true WHERE ledger_entry_id = ?`, id,
		); err != nil {
			return nil, fmt.Errorf("failed to void consumption record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit void: %w", err)
	}

	return reversal, nil
}

// Balance returns the current balance of a stock item: the sum of all
// non-voided ledger deltas. Negative balances are allowed and surface
// real-world bookkeeping gaps rather than being clamped.
func (db *DB) Balance(ctx context.Context, stockItemID string) (float64, error) {
	var balance float64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta_grams), 0) FROM material_ledger
			WHERE stock_item_id = ? AND voided_at IS NULL`,
		stockItemID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to compute balance: %w", err)
	}
	return balance, nil
}

// ListLedger retrieves ledger entries newest first, optionally filtered by
// stock item and kind. Voided entries are included; they are history.
func (db *DB) ListLedger(ctx context.Context, stockItemID string, kind models.LedgerKind, limit, offset int) ([]models.MaterialLedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM material_ledger WHERE 1=1`
	args := []any{}
	if stockItemID != "" {
		query += " AND stock_item_id = ?"
		args = append(args, stockItemID)
	}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]models.MaterialLedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedgerEntryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// ListLedgerByJob retrieves all ledger entries attributed to a job.
func (db *DB) ListLedgerByJob(ctx context.Context, jobID string) ([]models.MaterialLedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM material_ledger WHERE job_id = ? ORDER BY created_at`

	rows, err := db.conn.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]models.MaterialLedgerEntry, 0)
	for rows.Next() {
		entry, err := scanLedgerEntryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}

// scanLedgerEntry scans a single row into a MaterialLedgerEntry.
func scanLedgerEntry(row *sql.Row) (*models.MaterialLedgerEntry, error) {
	var entry models.MaterialLedgerEntry
	var kind string
	var jobID, note, reversalOf, voidReason sql.NullString
	var voidedAt sql.NullTime

	err := row.Scan(
		&entry.ID, &entry.StockItemID, &entry.DeltaGrams, &kind,
		&jobID, &note, &reversalOf, &entry.CreatedAt, &voidedAt, &voidReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrLedgerEntryNotFound
		}
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	hydrateLedgerEntry(&entry, kind, jobID, note, reversalOf, voidReason, voidedAt)
	return &entry, nil
}

// scanLedgerEntryRows scans rows into a MaterialLedgerEntry.
func scanLedgerEntryRows(rows *sql.Rows) (*models.MaterialLedgerEntry, error) {
	var entry models.MaterialLedgerEntry
	var kind string
	var jobID, note, reversalOf, voidReason sql.NullString
	var voidedAt sql.NullTime

	err := rows.Scan(
		&entry.ID, &entry.StockItemID, &entry.DeltaGrams, &kind,
		&jobID, &note, &reversalOf, &entry.CreatedAt, &voidedAt, &voidReason,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	hydrateLedgerEntry(&entry, kind, jobID, note, reversalOf, voidReason, voidedAt)
	return &entry, nil
}

func hydrateLedgerEntry(entry *models.MaterialLedgerEntry, kind string,
	jobID, note, reversalOf, voidReason sql.NullString, voidedAt sql.NullTime) {
	entry.Kind = models.LedgerKind(kind)
	if jobID.Valid {
		entry.JobID = &jobID.String
	}
	if note.Valid {
		entry.Note = note.String
	}
	if reversalOf.Valid {
		entry.ReversalOfID = &reversalOf.String
	}
	if voidedAt.Valid {
		entry.VoidedAt = &voidedAt.Time
	}
	if voidReason.Valid {
		entry.VoidReason = &voidReason.String
	}
}
