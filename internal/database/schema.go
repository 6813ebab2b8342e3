// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

/*
schema.go - Database Schema Management

This file manages the DuckDB database schema including table creation
and index management.

Tables:
  - printers: Registered printers feeding the event stream
  - print_jobs: Job lifecycle state with tray binding snapshots
  - job_tray_segments: Per-tray usage segments, split on mid-job spool swaps
  - stock_items: Filament rolls under management
  - material_ledger: Append-only grams ledger (purchase/consumption/adjustment/reversal)
  - consumption_records: Per-tray settlement outcomes, including pending attributions
  - color_mappings: Hex color signal to human color name mapping
  - slicer_estimates: Per-tray predicted grams from the slicer sidecar
  - event_audit: Audit trail of every event received, applied or dropped

Schema Strategy:
All columns are defined in the initial CREATE TABLE statement. This keeps a
single source of truth for the complete schema and avoids startup migrations.

Index Strategy:
Indexes cover the hot lookup paths: active job resolution by
(printer_id, job_key), ledger balance aggregation by stock_item_id, and
settlement idempotency lookups by (job_id, tray_id).
*/
package database

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates the core database tables
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range db.getTableCreationQueries() {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}

	return nil
}

// getTableCreationQueries returns the table creation SQL statements
func (db *DB) getTableCreationQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS printers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			model TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS print_jobs (
			id TEXT PRIMARY KEY,
			printer_id TEXT NOT NULL,
			job_key TEXT NOT NULL,
			file_name TEXT,
			status TEXT NOT NULL,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			progress_fraction DOUBLE DEFAULT 0,
			active_tray INTEGER,
			-- JSON-encoded []TraySnapshot captured at job start
			tray_binding_snapshot TEXT,
			-- JSON-encoded []TraySnapshot from the most recent progress report
			last_tray_report TEXT,
			settled_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS job_tray_segments (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			tray_id INTEGER NOT NULL,
			segment_idx INTEGER NOT NULL,
			material TEXT,
			color_signal TEXT,
			official_signal BOOLEAN DEFAULT false,
			start_fraction DOUBLE,
			end_fraction DOUBLE,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS stock_items (
			id TEXT PRIMARY KEY,
			material TEXT NOT NULL,
			color TEXT NOT NULL,
			brand TEXT,
			is_official BOOLEAN DEFAULT false,
			roll_weight_grams DOUBLE NOT NULL,
			color_hex_binding TEXT,
			is_archived BOOLEAN DEFAULT false,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS material_ledger (
			id TEXT PRIMARY KEY,
			stock_item_id TEXT NOT NULL,
			delta_grams DOUBLE NOT NULL,
			kind TEXT NOT NULL,
			job_id TEXT,
			note TEXT,
			reversal_of_id TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			voided_at TIMESTAMP,
			void_reason TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS consumption_records (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			tray_id INTEGER,
			stock_item_id TEXT,
			grams DOUBLE DEFAULT 0,
			source TEXT NOT NULL,
			confidence TEXT NOT NULL,
			material TEXT,
			color_signal TEXT,
			official_signal BOOLEAN DEFAULT false,
			unit TEXT,
			value DOUBLE,
			note TEXT,
			ledger_entry_id TEXT,
			voided BOOLEAN DEFAULT false,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			resolved_at TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS color_mappings (
			color_hex TEXT PRIMARY KEY,
			color_name TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS slicer_estimates (
			job_id TEXT NOT NULL,
			tray_id INTEGER NOT NULL,
			predicted_grams DOUBLE NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (job_id, tray_id)
		)`,

		`CREATE TABLE IF NOT EXISTS event_audit (
			id TEXT PRIMARY KEY,
			printer_id TEXT NOT NULL,
			job_key TEXT,
			sequence_id BIGINT,
			event_type TEXT NOT NULL,
			occurred_at TIMESTAMP,
			applied BOOLEAN DEFAULT false,
			note TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}
}

// createIndexes creates indexes for the hot query paths
func (db *DB) createIndexes() error {
	ctx, cancel := schemaContext()
	defer cancel()

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_printer_key ON print_jobs (printer_id, job_key)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON print_jobs (status)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_job ON job_tray_segments (job_id, tray_id, segment_idx)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_stock ON material_ledger (stock_item_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_job ON material_ledger (job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_consumption_job_tray ON consumption_records (job_id, tray_id)`,
		`CREATE INDEX IF NOT EXISTS idx_consumption_pending ON consumption_records (stock_item_id, voided)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_printer ON event_audit (printer_id, created_at)`,
	}

	for _, query := range indexes {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create index: %s: %w", query, err)
		}
	}

	return nil
}
