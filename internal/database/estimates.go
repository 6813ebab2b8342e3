// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// UpsertTrayEstimate stores a slicer-predicted tray weight for a job.
// Re-slicing a file overwrites the previous prediction.
func (db *DB) UpsertTrayEstimate(ctx context.Context, est *models.TrayEstimate) error {
	query := `INSERT INTO slicer_estimates (job_id, tray_id, predicted_grams, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (job_id, tray_id) DO UPDATE SET predicted_grams = excluded.predicted_grams`

	_, err := db.conn.ExecContext(ctx, query,
		est.JobID, est.TrayID, est.PredictedGrams, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert tray estimate: %w", err)
	}

	return nil
}

// GetTrayEstimatesTx retrieves a job's predicted tray weights inside an open
// transaction, keyed by tray ID.
func (db *DB) GetTrayEstimatesTx(ctx context.Context, tx *sql.Tx, jobID string) (map[int]float64, error) {
	return getTrayEstimates(ctx, tx, jobID)
}

// GetTrayEstimates retrieves a job's predicted tray weights keyed by tray ID.
func (db *DB) GetTrayEstimates(ctx context.Context, jobID string) (map[int]float64, error) {
	return getTrayEstimates(ctx, db.conn, jobID)
}

func getTrayEstimates(ctx context.Context, q queryer, jobID string) (map[int]float64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT tray_id, predicted_grams FROM slicer_estimates WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tray estimates: %w", err)
	}
	defer rows.Close()

	estimates := make(map[int]float64)
	for rows.Next() {
		var trayID int
		var grams float64
		if err := rows.Scan(&trayID, &grams); err != nil {
			return nil, fmt.Errorf("failed to scan tray estimate: %w", err)
		}
		estimates[trayID] = grams
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tray estimates: %w", err)
	}

	return estimates, nil
}
