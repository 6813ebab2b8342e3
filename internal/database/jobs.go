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

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

const jobColumns = `id, printer_id, job_key, file_name, status, started_at, ended_at,
	progress_fraction, active_tray, tray_binding_snapshot, last_tray_report,
	settled_at, created_at, updated_at`

// CreateJob inserts a new print job.
func (db *DB) CreateJob(ctx context.Context, job *models.PrintJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	binding, err := traysToJSON(job.TrayBindingSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode tray binding snapshot: %w", err)
	}
	report, err := traysToJSON(job.LastTrayReport)
	if err != nil {
		return fmt.Errorf("failed to encode tray report: %w", err)
	}

	query := `INSERT INTO print_jobs (
		id, printer_id, job_key, file_name, status, started_at, ended_at,
		progress_fraction, active_tray, tray_binding_snapshot, last_tray_report,
		settled_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = db.conn.ExecContext(ctx, query,
		job.ID, job.PrinterID, job.JobKey, nullStr(job.FileName), string(job.Status),
		job.StartedAt, job.EndedAt, job.ProgressFraction, job.ActiveTray,
		binding, report, job.SettledAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create print job: %w", err)
	}

	return nil
}

// GetJob retrieves a print job by ID.
func (db *DB) GetJob(ctx context.Context, id string) (*models.PrintJob, error) {
	query := `SELECT ` + jobColumns + ` FROM print_jobs WHERE id = ?`
	return scanJob(db.conn.QueryRowContext(ctx, query, id))
}

// GetActiveJobByKey resolves the current non-terminal job for a
// (printer_id, job_key) pair. Historical jobs may reuse keys, so only the
// most recent open job counts.
func (db *DB) GetActiveJobByKey(ctx context.Context, printerID, jobKey string) (*models.PrintJob, error) {
	query := `SELECT ` + jobColumns + ` FROM print_jobs
		WHERE printer_id = ? AND job_key = ? AND status IN ('pending', 'running', 'paused')
		ORDER BY created_at DESC LIMIT 1`
	return scanJob(db.conn.QueryRowContext(ctx, query, printerID, jobKey))
}

// GetLatestJobByKey resolves the most recent job for a (printer_id, job_key)
// pair regardless of its state. Used to absorb post-terminal event replays.
func (db *DB) GetLatestJobByKey(ctx context.Context, printerID, jobKey string) (*models.PrintJob, error) {
	query := `SELECT ` + jobColumns + ` FROM print_jobs
		WHERE printer_id = ? AND job_key = ?
		ORDER BY created_at DESC LIMIT 1`
	return scanJob(db.conn.QueryRowContext(ctx, query, printerID, jobKey))
}

// ListJobs retrieves jobs ordered newest first, optionally filtered by
// printer and status.
func (db *DB) ListJobs(ctx context.Context, printerID string, status models.JobStatus, limit, offset int) ([]models.PrintJob, error) {
	query := `SELECT ` + jobColumns + ` FROM print_jobs WHERE 1=1`
	args := []any{}
	if printerID != "" {
		query += " AND printer_id = ?"
		args = append(args, printerID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list print jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.PrintJob, 0)
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan print job: %w", err)
		}
		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating print jobs: %w", err)
	}

	return jobs, nil
}

// CountOpenJobs returns the number of jobs in a non-terminal state.
func (db *DB) CountOpenJobs(ctx context.Context) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM print_jobs WHERE status IN ('pending', 'running', 'paused')`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open jobs: %w", err)
	}
	return count, nil
}

// UpdateJobProgress updates the mutable mid-flight job fields.
func (db *DB) UpdateJobProgress(ctx context.Context, job *models.PrintJob) error {
	job.UpdatedAt = time.Now().UTC()

	report, err := traysToJSON(job.LastTrayReport)
	if err != nil {
		return fmt.Errorf("failed to encode tray report: %w", err)
	}

	query := `UPDATE print_jobs SET
		status = ?, progress_fraction = ?, active_tray = ?, last_tray_report = ?,
		started_at = ?, updated_at = ?
	WHERE id = ?`

	result, err := db.conn.ExecContext(ctx, query,
		string(job.Status), job.ProgressFraction, job.ActiveTray, report,
		job.StartedAt, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update print job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrJobNotFound
	}

	return nil
}

// MarkJobTerminalTx flips a job to its terminal state inside the settlement
// transaction. The guard on status keeps terminal states absorbing.
func (db *DB) MarkJobTerminalTx(ctx context.Context, tx *sql.Tx, jobID string, status models.JobStatus, endedAt time.Time, progressFraction float64) error {
	query := `UPDATE print_jobs SET
		status = ?, ended_at = ?, progress_fraction = ?, updated_at = ?
	WHERE id = ? AND status IN ('pending', 'running', 'paused')`

	result, err := tx.ExecContext(ctx, query,
		string(status), endedAt, progressFraction, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job terminal: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrAlreadySettled
	}

	return nil
}

// MarkJobSettledTx stamps settled_at exactly once via compare-and-set.
// Returns ErrAlreadySettled when a concurrent settlement won the race.
func (db *DB) MarkJobSettledTx(ctx context.Context, tx *sql.Tx, jobID string, settledAt time.Time) error {
	query := `UPDATE print_jobs SET settled_at = ?, updated_at = ?
		WHERE id = ? AND settled_at IS NULL`

	result, err := tx.ExecContext(ctx, query, settledAt, time.Now().UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to mark job settled: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return models.ErrAlreadySettled
	}

	return nil
}

// scanJob scans a single row into a PrintJob.
func scanJob(row *sql.Row) (*models.PrintJob, error) {
	var job models.PrintJob
	var status string
	var fileName, binding, report sql.NullString
	var startedAt, endedAt, settledAt sql.NullTime
	var activeTray sql.NullInt64

	err := row.Scan(
		&job.ID, &job.PrinterID, &job.JobKey, &fileName, &status,
		&startedAt, &endedAt, &job.ProgressFraction, &activeTray,
		&binding, &report, &settledAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to scan print job: %w", err)
	}

	return hydrateJob(&job, status, fileName, binding, report, startedAt, endedAt, settledAt, activeTray)
}

// scanJobRows scans rows into a PrintJob.
func scanJobRows(rows *sql.Rows) (*models.PrintJob, error) {
	var job models.PrintJob
	var status string
	var fileName, binding, report sql.NullString
	var startedAt, endedAt, settledAt sql.NullTime
	var activeTray sql.NullInt64

	err := rows.Scan(
		&job.ID, &job.PrinterID, &job.JobKey, &fileName, &status,
		&startedAt, &endedAt, &job.ProgressFraction, &activeTray,
		&binding, &report, &settledAt, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan print job: %w", err)
	}

	return hydrateJob(&job, status, fileName, binding, report, startedAt, endedAt, settledAt, activeTray)
}

func hydrateJob(job *models.PrintJob, status string, fileName, binding, report sql.NullString,
	startedAt, endedAt, settledAt sql.NullTime, activeTray sql.NullInt64) (*models.PrintJob, error) {
	job.Status = models.JobStatus(status)
	if fileName.Valid {
		job.FileName = fileName.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		job.EndedAt = &endedAt.Time
	}
	if settledAt.Valid {
		job.SettledAt = &settledAt.Time
	}
	if activeTray.Valid {
		tray := int(activeTray.Int64)
		job.ActiveTray = &tray
	}

	var err error
	if job.TrayBindingSnapshot, err = traysFromJSON(binding); err != nil {
		return nil, fmt.Errorf("failed to decode tray binding snapshot: %w", err)
	}
	if job.LastTrayReport, err = traysFromJSON(report); err != nil {
		return nil, fmt.Errorf("failed to decode tray report: %w", err)
	}

	return job, nil
}

// traysToJSON encodes a tray snapshot slice for storage, nil for empty.
func traysToJSON(trays []models.TraySnapshot) (*string, error) {
	if len(trays) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(trays)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// traysFromJSON decodes a stored tray snapshot column.
func traysFromJSON(col sql.NullString) ([]models.TraySnapshot, error) {
	if !col.Valid || col.String == "" {
		return nil, nil
	}
	var trays []models.TraySnapshot
	if err := json.Unmarshal([]byte(col.String), &trays); err != nil {
		return nil, err
	}
	return trays, nil
}

// nullStr converts an empty string to a NULL-able column value.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
