// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine. None of these are fatal to the
// event stream; the worst outcome is a job remaining unsettled or a tray
// remaining pending, both visible and recoverable.
var (
	// ErrAlreadySettled is returned when settlement is invoked for a job
	// whose settled_at is already set. Absorbed by the compare-and-set,
	// never surfaced as a user error.
	ErrAlreadySettled = errors.New("job already settled")

	// ErrAlreadyVoided is returned when voiding a ledger entry twice.
	// Rejected at the API boundary with a conflict status.
	ErrAlreadyVoided = errors.New("ledger entry already voided")

	// ErrAlreadyResolved is returned when resolving a pending attribution
	// that has already been assigned a stock item.
	ErrAlreadyResolved = errors.New("pending attribution already resolved")

	ErrJobNotFound         = errors.New("print job not found")
	ErrPrinterNotFound     = errors.New("printer not found")
	ErrStockItemNotFound   = errors.New("stock item not found")
	ErrLedgerEntryNotFound = errors.New("ledger entry not found")
	ErrRecordNotFound      = errors.New("consumption record not found")
	ErrMappingNotFound     = errors.New("color mapping not found")

	// ErrStockItemConflict is returned when creating a stock item whose
	// (material, color, brand) tuple already exists unarchived.
	ErrStockItemConflict = errors.New("stock item with this material/color/brand already exists")
)

// MalformedEventError marks an event that cannot be applied: missing
// job_key on a non-start event, unknown printer, out-of-range fields.
// Malformed events are dropped with a log line, never fatal to the stream.
type MalformedEventError struct {
	PrinterID string
	Reason    string
}

func (e *MalformedEventError) Error() string {
	if e.PrinterID == "" {
		return "malformed event: " + e.Reason
	}
	return fmt.Sprintf("malformed event from printer %s: %s", e.PrinterID, e.Reason)
}

// UnknownJobReferenceError marks a non-start event referencing a job that
// was never tracked. The event is dropped; a start-type event would have
// created the job implicitly.
type UnknownJobReferenceError struct {
	PrinterID string
	JobKey    string
}

func (e *UnknownJobReferenceError) Error() string {
	return fmt.Sprintf("event references unknown job %s on printer %s", e.JobKey, e.PrinterID)
}
