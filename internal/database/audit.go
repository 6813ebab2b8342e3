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

	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// AppendEventAudit records one received event, applied or dropped.
func (db *DB) AppendEventAudit(ctx context.Context, audit *models.EventAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO event_audit (
		id, printer_id, job_key, sequence_id, event_type, occurred_at,
		applied, note, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx, query,
		audit.ID, audit.PrinterID, nullStr(audit.JobKey), int64(audit.SequenceID),
		string(audit.EventType), audit.OccurredAt, audit.Applied,
		nullStr(audit.Note), audit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event audit: %w", err)
	}

	return nil
}

// ListEventAudit retrieves audit rows for a printer, newest first.
func (db *DB) ListEventAudit(ctx context.Context, printerID string, limit, offset int) ([]models.EventAudit, error) {
	query := `SELECT id, printer_id, job_key, sequence_id, event_type,
		occurred_at, applied, note, created_at
	FROM event_audit WHERE 1=1`
	args := []any{}
	if printerID != "" {
		query += " AND printer_id = ?"
		args = append(args, printerID)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list event audit: %w", err)
	}
	defer rows.Close()

	audits := make([]models.EventAudit, 0)
	for rows.Next() {
		var audit models.EventAudit
		var jobKey, note sql.NullString
		var seqID int64
		var eventType string
		var occurredAt sql.NullTime

		err := rows.Scan(
			&audit.ID, &audit.PrinterID, &jobKey, &seqID, &eventType,
			&occurredAt, &audit.Applied, &note, &audit.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event audit: %w", err)
		}

		audit.SequenceID = uint64(seqID)
		audit.EventType = models.EventType(eventType)
		if jobKey.Valid {
			audit.JobKey = jobKey.String
		}
		if note.Valid {
			audit.Note = note.String
		}
		if occurredAt.Valid {
			audit.OccurredAt = occurredAt.Time
		}

		audits = append(audits, audit)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event audit: %w", err)
	}

	return audits, nil
}
