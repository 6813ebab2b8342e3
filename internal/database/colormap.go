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

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// UpsertColorMapping creates or overwrites a hex-to-name mapping.
// Last write wins; mappings are not versioned.
func (db *DB) UpsertColorMapping(ctx context.Context, mapping *models.ColorMapping) error {
	mapping.ColorHex = strings.ToUpper(mapping.ColorHex)
	mapping.UpdatedAt = time.Now().UTC()

	query := `INSERT INTO color_mappings (color_hex, color_name, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (color_hex) DO UPDATE SET color_name = excluded.color_name, updated_at = excluded.updated_at`

	if _, err := db.conn.ExecContext(ctx, query, mapping.ColorHex, mapping.ColorName, mapping.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert color mapping: %w", err)
	}

	return nil
}

// GetColorName resolves a normalized hex signal to its mapped color name.
func (db *DB) GetColorName(ctx context.Context, colorHex string) (string, error) {
	return getColorName(ctx, db.conn, colorHex)
}

func getColorName(ctx context.Context, q queryer, colorHex string) (string, error) {
	var name string
	err := q.QueryRowContext(ctx,
		`SELECT color_name FROM color_mappings WHERE color_hex = ?`,
		strings.ToUpper(colorHex),
	).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", models.ErrMappingNotFound
		}
		return "", fmt.Errorf("failed to get color mapping: %w", err)
	}
	return name, nil
}

// ListColorMappings retrieves all mappings ordered by hex.
func (db *DB) ListColorMappings(ctx context.Context) ([]models.ColorMapping, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT color_hex, color_name, updated_at FROM color_mappings ORDER BY color_hex`)
	if err != nil {
		return nil, fmt.Errorf("failed to list color mappings: %w", err)
	}
	defer rows.Close()

	mappings := make([]models.ColorMapping, 0)
	for rows.Next() {
		var m models.ColorMapping
		if err := rows.Scan(&m.ColorHex, &m.ColorName, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan color mapping: %w", err)
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating color mappings: %w", err)
	}

	return mappings, nil
}

// DeleteColorMapping removes a mapping.
func (db *DB) DeleteColorMapping(ctx context.Context, colorHex string) error {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM color_mappings WHERE color_hex = ?`, strings.ToUpper(colorHex))
	if err != nil {
		return fmt.Errorf("failed to delete color mapping: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrMappingNotFound
	}

	return nil
}
