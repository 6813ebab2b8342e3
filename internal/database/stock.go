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
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// stockColumns selects every stock item column plus the ledger-derived
// remaining balance. The balance is never cached; it is always the sum of
// non-voided ledger deltas at read time.
const stockColumns = `s.id, s.material, s.color, s.brand, s.is_official,
	s.roll_weight_grams, s.color_hex_binding, s.is_archived, s.created_at, s.updated_at,
	COALESCE((SELECT SUM(l.delta_grams) FROM material_ledger l
		WHERE l.stock_item_id = s.id AND l.voided_at IS NULL), 0) AS remaining_grams`

// CreateStockItem creates a stock item. The (material, color, brand) tuple
// is case-normalized before uniqueness checking.
func (db *DB) CreateStockItem(ctx context.Context, item *models.StockItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = item.CreatedAt

	existing, err := db.findStockItemByIdentity(ctx, item.Material, item.Color, item.Brand)
	if err != nil && !errors.Is(err, models.ErrStockItemNotFound) {
		return err
	}
	if existing != nil {
		return models.ErrStockItemConflict
	}

	query := `INSERT INTO stock_items (
		id, material, color, brand, is_official, roll_weight_grams,
		color_hex_binding, is_archived, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query,
		item.ID, item.Material, item.Color, nullStr(item.Brand), item.IsOfficial,
		item.RollWeightGrams, item.ColorHexBinding, item.IsArchived,
		item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrStockItemConflict
		}
		return fmt.Errorf("failed to create stock item: %w", err)
	}

	return nil
}

// GetStockItem retrieves a stock item with its derived balance.
func (db *DB) GetStockItem(ctx context.Context, id string) (*models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_items s WHERE s.id = ?`
	return scanStockItem(db.conn.QueryRowContext(ctx, query, id))
}

// findStockItemByIdentity resolves a stock item by its case-normalized
// identity tuple.
func (db *DB) findStockItemByIdentity(ctx context.Context, material, color, brand string) (*models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_items s
		WHERE LOWER(s.material) = ? AND LOWER(s.color) = ? AND LOWER(COALESCE(s.brand, '')) = ?`
	return scanStockItem(db.conn.QueryRowContext(ctx, query,
		strings.ToLower(material), strings.ToLower(color), strings.ToLower(brand)))
}

// ListStockItems retrieves stock items, optionally including archived ones.
func (db *DB) ListStockItems(ctx context.Context, includeArchived bool) ([]models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_items s`
	if !includeArchived {
		query += ` WHERE s.is_archived = false`
	}
	query += ` ORDER BY s.created_at DESC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list stock items: %w", err)
	}
	defer rows.Close()

	items := make([]models.StockItem, 0)
	for rows.Next() {
		item, err := scanStockItemRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock item: %w", err)
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stock items: %w", err)
	}

	return items, nil
}

// FindStockCandidates returns non-archived stock items matching a tray's
// material and, when known, color name, optionally filtered to official or
// third-party brands.
//
// officialSignal narrows candidates only when non-nil: trays flagged as
// official spools match official brands, and vice versa.
func (db *DB) FindStockCandidates(ctx context.Context, material, colorName string, officialSignal *bool) ([]models.StockItem, error) {
	return findStockCandidates(ctx, db.conn, material, colorName, officialSignal)
}

func findStockCandidates(ctx context.Context, q queryer, material, colorName string, officialSignal *bool) ([]models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_items s
		WHERE s.is_archived = false AND LOWER(s.material) = ?`
	args := []any{strings.ToLower(material)}

	if colorName != "" {
		query += ` AND LOWER(s.color) = ?`
		args = append(args, strings.ToLower(colorName))
	}
	if officialSignal != nil {
		query += ` AND s.is_official = ?`
		args = append(args, *officialSignal)
	}
	query += ` ORDER BY s.created_at`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find stock candidates: %w", err)
	}
	defer rows.Close()

	items := make([]models.StockItem, 0)
	for rows.Next() {
		item, err := scanStockItemRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock candidate: %w", err)
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stock candidates: %w", err)
	}

	return items, nil
}

// FindStockByHexBinding returns non-archived stock items whose hex binding
// matches a normalized color signal, optionally narrowed by material.
func (db *DB) FindStockByHexBinding(ctx context.Context, colorHex, material string) ([]models.StockItem, error) {
	return findStockByHexBinding(ctx, db.conn, colorHex, material)
}

func findStockByHexBinding(ctx context.Context, q queryer, colorHex, material string) ([]models.StockItem, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_items s
		WHERE s.is_archived = false AND UPPER(s.color_hex_binding) = ?`
	args := []any{strings.ToUpper(colorHex)}

	if material != "" {
		query += ` AND LOWER(s.material) = ?`
		args = append(args, strings.ToLower(material))
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find stock by hex binding: %w", err)
	}
	defer rows.Close()

	items := make([]models.StockItem, 0)
	for rows.Next() {
		item, err := scanStockItemRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stock item: %w", err)
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stock items: %w", err)
	}

	return items, nil
}

// UpdateStockItem updates the mutable stock item fields.
func (db *DB) UpdateStockItem(ctx context.Context, item *models.StockItem) error {
	item.UpdatedAt = time.Now().UTC()

	query := `UPDATE stock_items SET
		material = ?, color = ?, brand = ?, is_official = ?, roll_weight_grams = ?,
		color_hex_binding = ?, is_archived = ?, updated_at = ?
	WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query,
		item.Material, item.Color, nullStr(item.Brand), item.IsOfficial,
		item.RollWeightGrams, item.ColorHexBinding, item.IsArchived,
		item.UpdatedAt, item.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrStockItemConflict
		}
		return fmt.Errorf("failed to update stock item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrStockItemNotFound
	}

	return nil
}

// ArchiveStockItem soft-deletes a stock item. The ledger history stays.
func (db *DB) ArchiveStockItem(ctx context.Context, id string) error {
	query := `UPDATE stock_items SET is_archived = true, updated_at = ? WHERE id = ?`
	result, err := db.conn.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to archive stock item: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrStockItemNotFound
	}

	return nil
}

// scanStockItem scans a single row into a StockItem.
func scanStockItem(row *sql.Row) (*models.StockItem, error) {
	var item models.StockItem
	var brand, hexBinding sql.NullString

	err := row.Scan(
		&item.ID, &item.Material, &item.Color, &brand, &item.IsOfficial,
		&item.RollWeightGrams, &hexBinding, &item.IsArchived,
		&item.CreatedAt, &item.UpdatedAt, &item.RemainingGrams,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrStockItemNotFound
		}
		return nil, fmt.Errorf("failed to scan stock item: %w", err)
	}

	if brand.Valid {
		item.Brand = brand.String
	}
	if hexBinding.Valid {
		item.ColorHexBinding = &hexBinding.String
	}

	return &item, nil
}

// scanStockItemRows scans rows into a StockItem.
func scanStockItemRows(rows *sql.Rows) (*models.StockItem, error) {
	var item models.StockItem
	var brand, hexBinding sql.NullString

	err := rows.Scan(
		&item.ID, &item.Material, &item.Color, &brand, &item.IsOfficial,
		&item.RollWeightGrams, &hexBinding, &item.IsArchived,
		&item.CreatedAt, &item.UpdatedAt, &item.RemainingGrams,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan stock item: %w", err)
	}

	if brand.Valid {
		item.Brand = brand.String
	}
	if hexBinding.Valid {
		item.ColorHexBinding = &hexBinding.String
	}

	return &item, nil
}
