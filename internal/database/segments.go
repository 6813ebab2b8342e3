// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// OpenTraySegment records the start of a contiguous spool-in-slot stretch.
func (db *DB) OpenTraySegment(ctx context.Context, seg *models.TraySegment) error {
	query := `INSERT INTO job_tray_segments (
		id, job_id, tray_id, segment_idx, material, color_signal,
		official_signal, start_fraction, end_fraction
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		uuid.New().String(), seg.JobID, seg.TrayID, seg.SegmentIdx,
		seg.Material, seg.ColorSignal, seg.OfficialSignal,
		seg.StartFraction, seg.EndFraction,
	)
	if err != nil {
		return fmt.Errorf("failed to open tray segment: %w", err)
	}

	return nil
}

// CloseTraySegment stamps the end fraction on an open segment.
func (db *DB) CloseTraySegment(ctx context.Context, jobID string, trayID, segmentIdx int, endFraction float64) error {
	query := `UPDATE job_tray_segments SET end_fraction = ?
		WHERE job_id = ? AND tray_id = ? AND segment_idx = ? AND end_fraction IS NULL`

	_, err := db.conn.ExecContext(ctx, query, endFraction, jobID, trayID, segmentIdx)
	if err != nil {
		return fmt.Errorf("failed to close tray segment: %w", err)
	}

	return nil
}

// CloseOpenSegmentsTx stamps the end fraction on every still-open segment of
// a job from the last tray report, inside the settlement transaction. Trays
// absent from the report keep a NULL end fraction and fall down the ladder.
func (db *DB) CloseOpenSegmentsTx(ctx context.Context, tx *sql.Tx, jobID string, endFractions map[int]float64) error {
	query := `UPDATE job_tray_segments SET end_fraction = ?
		WHERE job_id = ? AND tray_id = ? AND end_fraction IS NULL`

	for trayID, fraction := range endFractions {
		if _, err := tx.ExecContext(ctx, query, fraction, jobID, trayID); err != nil {
			return fmt.Errorf("failed to close open segments for tray %d: %w", trayID, err)
		}
	}

	return nil
}

// ListTraySegments returns the segments of a job in (tray, segment) order.
func (db *DB) ListTraySegments(ctx context.Context, jobID string) ([]models.TraySegment, error) {
	return listTraySegments(ctx, db.conn, jobID)
}

// ListTraySegmentsTx is ListTraySegments inside an open transaction.
func (db *DB) ListTraySegmentsTx(ctx context.Context, tx *sql.Tx, jobID string) ([]models.TraySegment, error) {
	return listTraySegments(ctx, tx, jobID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func listTraySegments(ctx context.Context, q queryer, jobID string) ([]models.TraySegment, error) {
	query := `SELECT job_id, tray_id, segment_idx, material, color_signal,
		official_signal, start_fraction, end_fraction
	FROM job_tray_segments
	WHERE job_id = ?
	ORDER BY tray_id, segment_idx`

	rows, err := q.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tray segments: %w", err)
	}
	defer rows.Close()

	segments := make([]models.TraySegment, 0)
	for rows.Next() {
		var seg models.TraySegment
		var material, colorSignal sql.NullString
		var startFraction, endFraction sql.NullFloat64

		err := rows.Scan(
			&seg.JobID, &seg.TrayID, &seg.SegmentIdx, &material, &colorSignal,
			&seg.OfficialSignal, &startFraction, &endFraction,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tray segment: %w", err)
		}

		if material.Valid {
			seg.Material = &material.String
		}
		if colorSignal.Valid {
			seg.ColorSignal = &colorSignal.String
		}
		if startFraction.Valid {
			seg.StartFraction = &startFraction.Float64
		}
		if endFraction.Valid {
			seg.EndFraction = &endFraction.Float64
		}

		segments = append(segments, seg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tray segments: %w", err)
	}

	return segments, nil
}

// MaxSegmentIdx returns the highest segment index for a (job, tray), or -1
// when no segment exists yet.
func (db *DB) MaxSegmentIdx(ctx context.Context, jobID string, trayID int) (int, error) {
	var idx sql.NullInt64
	err := db.conn.QueryRowContext(ctx,
		`SELECT MAX(segment_idx) FROM job_tray_segments WHERE job_id = ? AND tray_id = ?`,
		jobID, trayID,
	).Scan(&idx)
	if err != nil {
		return -1, fmt.Errorf("failed to query max segment index: %w", err)
	}
	if !idx.Valid {
		return -1, nil
	}
	return int(idx.Int64), nil
}
