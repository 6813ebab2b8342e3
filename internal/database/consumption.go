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

const consumptionColumns = `id, job_id, tray_id, stock_item_id, grams, source,
	confidence, material, color_signal, official_signal, unit, value, note,
	ledger_entry_id, voided, created_at, resolved_at`

// InsertConsumption inserts a consumption record outside a transaction.
func (db *DB) InsertConsumption(ctx context.Context, rec *models.ConsumptionRecord) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollbackQuietly(tx)

	if err := db.InsertConsumptionTx(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit consumption insert: %w", err)
	}
	return nil
}

// InsertConsumptionTx inserts a consumption record inside an open transaction.
func (db *DB) InsertConsumptionTx(ctx context.Context, tx *sql.Tx, rec *models.ConsumptionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO consumption_records (
		id, job_id, tray_id, stock_item_id, grams, source, confidence,
		material, color_signal, official_signal, unit, value, note,
		ledger_entry_id, voided, created_at, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, query,
		rec.ID, rec.JobID, rec.TrayID, rec.StockItemID, rec.Grams,
		string(rec.Source), string(rec.Confidence),
		nullStr(rec.Material), nullStr(rec.ColorSignal), rec.OfficialSignal,
		nullStr(rec.Unit), rec.Value, nullStr(rec.Note),
		rec.LedgerEntryID, rec.Voided, rec.CreatedAt, rec.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert consumption record: %w", err)
	}

	return nil
}

// GetConsumption retrieves a consumption record by ID.
func (db *DB) GetConsumption(ctx context.Context, id string) (*models.ConsumptionRecord, error) {
	query := `SELECT ` + consumptionColumns + ` FROM consumption_records WHERE id = ?`
	return scanConsumption(db.conn.QueryRowContext(ctx, query, id))
}

// FindActiveConsumptionTx checks the idempotency guard: whether an active
// (non-voided) record already exists for (job_id, tray_id), regardless of
// the strategy that wrote it. A nil trayID matches job-level records.
// Manual entries carry no tray and never trip the tray-scoped guard.
func (db *DB) FindActiveConsumptionTx(ctx context.Context, tx *sql.Tx, jobID string, trayID *int) (*models.ConsumptionRecord, error) {
	query := `SELECT ` + consumptionColumns + ` FROM consumption_records
		WHERE job_id = ? AND voided = false`
	args := []any{jobID}
	if trayID != nil {
		query += " AND tray_id = ?"
		args = append(args, *trayID)
	} else {
		query += " AND tray_id IS NULL"
	}
	query += " LIMIT 1"

	return scanConsumption(tx.QueryRowContext(ctx, query, args...))
}

// ListConsumptionByJob retrieves all consumption records for a job.
func (db *DB) ListConsumptionByJob(ctx context.Context, jobID string) ([]models.ConsumptionRecord, error) {
	query := `SELECT ` + consumptionColumns + ` FROM consumption_records
		WHERE job_id = ? ORDER BY created_at, tray_id`
	return db.listConsumption(ctx, query, jobID)
}

// ListPendingAttributions retrieves active records still awaiting human
// resolution, oldest first.
func (db *DB) ListPendingAttributions(ctx context.Context, limit, offset int) ([]models.ConsumptionRecord, error) {
	query := `SELECT ` + consumptionColumns + ` FROM consumption_records
		WHERE stock_item_id IS NULL AND voided = false
		ORDER BY created_at LIMIT ? OFFSET ?`
	return db.listConsumption(ctx, query, limit, offset)
}

// CountPendingAttributions returns the number of unresolved records.
func (db *DB) CountPendingAttributions(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM consumption_records WHERE stock_item_id IS NULL AND voided = false`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending attributions: %w", err)
	}
	return count, nil
}

// ResolveConsumptionTx binds a pending record to a stock item with computed
// grams inside an open transaction. The guard on stock_item_id makes
// concurrent resolutions of the same record settle exactly once.
func (db *DB) ResolveConsumptionTx(ctx context.Context, tx *sql.Tx, recordID, stockItemID, ledgerEntryID string, grams float64, resolvedAt time.Time) error {
	query := `UPDATE consumption_records SET
		stock_item_id = ?, grams = ?, source = ?, ledger_entry_id = ?, resolved_at = ?
	WHERE id = ? AND stock_item_id IS NULL AND voided = false`

	result, err := tx.ExecContext(ctx, query,
		stockItemID, grams, string(models.SourceResolvedPending),
		ledgerEntryID, resolvedAt, recordID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve consumption record: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrAlreadyResolved
	}

	return nil
}

func (db *DB) listConsumption(ctx context.Context, query string, args ...any) ([]models.ConsumptionRecord, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list consumption records: %w", err)
	}
	defer rows.Close()

	records := make([]models.ConsumptionRecord, 0)
	for rows.Next() {
		rec, err := scanConsumptionRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consumption record: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating consumption records: %w", err)
	}

	return records, nil
}

// scanConsumption scans a single row into a ConsumptionRecord.
func scanConsumption(row *sql.Row) (*models.ConsumptionRecord, error) {
	var rec models.ConsumptionRecord
	var source, confidence string
	var trayID sql.NullInt64
	var stockItemID, material, colorSignal, unit, note, ledgerEntryID sql.NullString
	var value sql.NullFloat64
	var resolvedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.JobID, &trayID, &stockItemID, &rec.Grams,
		&source, &confidence, &material, &colorSignal, &rec.OfficialSignal,
		&unit, &value, &note, &ledgerEntryID, &rec.Voided,
		&rec.CreatedAt, &resolvedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to scan consumption record: %w", err)
	}

	hydrateConsumption(&rec, source, confidence, trayID, stockItemID, material, colorSignal, unit, note, ledgerEntryID, value, resolvedAt)
	return &rec, nil
}

// scanConsumptionRows scans rows into a ConsumptionRecord.
func scanConsumptionRows(rows *sql.Rows) (*models.ConsumptionRecord, error) {
	var rec models.ConsumptionRecord
	var source, confidence string
	var trayID sql.NullInt64
	var stockItemID, material, colorSignal, unit, note, ledgerEntryID sql.NullString
	var value sql.NullFloat64
	var resolvedAt sql.NullTime

	err := rows.Scan(
		&rec.ID, &rec.JobID, &trayID, &stockItemID, &rec.Grams,
		&source, &confidence, &material, &colorSignal, &rec.OfficialSignal,
		&unit, &value, &note, &ledgerEntryID, &rec.Voided,
		&rec.CreatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan consumption record: %w", err)
	}

	hydrateConsumption(&rec, source, confidence, trayID, stockItemID, material, colorSignal, unit, note, ledgerEntryID, value, resolvedAt)
	return &rec, nil
}

func hydrateConsumption(rec *models.ConsumptionRecord, source, confidence string,
	trayID sql.NullInt64, stockItemID, material, colorSignal, unit, note, ledgerEntryID sql.NullString,
	value sql.NullFloat64, resolvedAt sql.NullTime) {
	rec.Source = models.ConsumptionSource(source)
	rec.Confidence = models.Confidence(confidence)
	if trayID.Valid {
		tray := int(trayID.Int64)
		rec.TrayID = &tray
	}
	if stockItemID.Valid {
		rec.StockItemID = &stockItemID.String
	}
	if material.Valid {
		rec.Material = material.String
	}
	if colorSignal.Valid {
		rec.ColorSignal = colorSignal.String
	}
	if unit.Valid {
		rec.Unit = unit.String
	}
	if value.Valid {
		rec.Value = value.Float64
	}
	if note.Valid {
		rec.Note = note.String
	}
	if ledgerEntryID.Valid {
		rec.LedgerEntryID = &ledgerEntryID.String
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
}
