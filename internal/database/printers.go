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

// CreatePrinter registers a printer.
func (db *DB) CreatePrinter(ctx context.Context, printer *models.Printer) error {
	if printer.ID == "" {
		printer.ID = uuid.New().String()
	}
	if printer.CreatedAt.IsZero() {
		printer.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO printers (id, name, model, created_at) VALUES (?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query,
		printer.ID, printer.Name, nullStr(printer.Model), printer.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create printer: %w", err)
	}

	return nil
}

// GetPrinter retrieves a printer by ID.
func (db *DB) GetPrinter(ctx context.Context, id string) (*models.Printer, error) {
	var printer models.Printer
	var model sql.NullString

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, model, created_at FROM printers WHERE id = ?`, id,
	).Scan(&printer.ID, &printer.Name, &model, &printer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrPrinterNotFound
		}
		return nil, fmt.Errorf("failed to scan printer: %w", err)
	}

	if model.Valid {
		printer.Model = model.String
	}

	return &printer, nil
}

// ListPrinters retrieves all registered printers.
func (db *DB) ListPrinters(ctx context.Context) ([]models.Printer, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, model, created_at FROM printers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	defer rows.Close()

	printers := make([]models.Printer, 0)
	for rows.Next() {
		var printer models.Printer
		var model sql.NullString
		if err := rows.Scan(&printer.ID, &printer.Name, &model, &printer.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan printer: %w", err)
		}
		if model.Valid {
			printer.Model = model.String
		}
		printers = append(printers, printer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating printers: %w", err)
	}

	return printers, nil
}

// DeletePrinter removes a printer registration. Jobs and audit history stay.
func (db *DB) DeletePrinter(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM printers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete printer: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrPrinterNotFound
	}

	return nil
}
