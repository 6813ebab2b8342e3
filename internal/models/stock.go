// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package models

import "time"

// StockItem is one distinct filament product in stock, identified by the
// case-normalized (material, color, brand) tuple. The remaining balance is
// never stored; it is always derived from the ledger.
type StockItem struct {
	ID       string `json:"id"`
	Material string `json:"material" validate:"required"`
	Color    string `json:"color" validate:"required"`
	Brand    string `json:"brand"`

	// IsOfficial classifies the brand for matching against the tray
	// official-spool heuristic.
	IsOfficial bool `json:"is_official"`

	// RollWeightGrams converts percentage-based AMS readings to grams.
	RollWeightGrams float64 `json:"roll_weight_grams"`

	// ColorHexBinding enables automatic matching from device color codes.
	ColorHexBinding *string `json:"color_hex_binding,omitempty"`

	IsArchived bool `json:"is_archived"`

	// RemainingGrams is derived from the ledger at read time.
	RemainingGrams float64 `json:"remaining_grams"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerKind classifies a material ledger entry.
type LedgerKind string

// Ledger entry kinds.
const (
	LedgerKindPurchase    LedgerKind = "purchase"
	LedgerKindConsumption LedgerKind = "consumption"
	LedgerKindAdjustment  LedgerKind = "adjustment"
	LedgerKindReversal    LedgerKind = "reversal"
)

// Valid reports whether the kind is a known ledger kind.
func (k LedgerKind) Valid() bool {
	switch k {
	case LedgerKindPurchase, LedgerKindConsumption, LedgerKindAdjustment, LedgerKindReversal:
		return true
	}
	return false
}

// MaterialLedgerEntry is one append-only quantity delta for a stock item.
// Entries are never mutated or deleted; a correction is a new reversal
// entry with the opposite delta. Both sides of the void pair get VoidedAt
// stamped and are retained, so the non-voided sum drops them together.
type MaterialLedgerEntry struct {
	ID          string     `json:"id"`
	StockItemID string     `json:"stock_item_id"`
	DeltaGrams  float64    `json:"delta_grams"`
	Kind        LedgerKind `json:"kind"`
	JobID       *string    `json:"job_id,omitempty"`
	Note        string     `json:"note,omitempty"`

	// ReversalOfID links a reversal entry to the entry it compensates.
	ReversalOfID *string `json:"reversal_of_id,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	VoidedAt   *time.Time `json:"voided_at,omitempty"`
	VoidReason *string    `json:"void_reason,omitempty"`
}

// Voided reports whether the entry has been voided.
func (e *MaterialLedgerEntry) Voided() bool {
	return e.VoidedAt != nil
}

// ConsumptionSource identifies which settlement strategy produced a record.
type ConsumptionSource string

// Consumption sources in ladder priority order. A pending record carries
// SourcePending until resolution restamps it as resolved_pending.
const (
	SourceAMSRemainDiff   ConsumptionSource = "ams_remain_diff"
	SourceSlicerEstimate  ConsumptionSource = "slicer_estimate"
	SourcePending         ConsumptionSource = "pending"
	SourceResolvedPending ConsumptionSource = "resolved_pending"
	SourceManual          ConsumptionSource = "manual"
)

// Confidence grades how trustworthy a consumption figure is.
type Confidence string

// Confidence levels, by settlement strategy.
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Units for pending attribution values.
const (
	UnitGrams = "grams"
	UnitPct   = "pct"
)

// ConsumptionRecord is one (job, tray) attribution. While StockItemID is
// nil the record is a pending attribution awaiting human resolution.
// Grams is signed; consumption is conventionally negative.
//
// Idempotency contract: for a given (job_id, tray_id) with a non-nil
// stock_item_id, at most one active (non-voided) record exists.
type ConsumptionRecord struct {
	ID          string  `json:"id"`
	JobID       string  `json:"job_id"`
	TrayID      *int    `json:"tray_id,omitempty"`
	StockItemID *string `json:"stock_item_id,omitempty"`
	Grams       float64 `json:"grams"`

	Source     ConsumptionSource `json:"source"`
	Confidence Confidence        `json:"confidence"`

	// Tray identity as reported, kept for pending resolution display.
	Material       string `json:"material,omitempty"`
	ColorSignal    string `json:"color_signal,omitempty"`
	OfficialSignal bool   `json:"official_signal"`

	// Unit and Value describe the best available consumption figure for a
	// pending record: "pct" with the remaining-fraction delta, or "grams"
	// with a slicer estimate.
	Unit  string  `json:"unit,omitempty"`
	Value float64 `json:"value,omitempty"`

	Note string `json:"note,omitempty"`

	// LedgerEntryID references the ledger append backing this record once
	// it is settled.
	LedgerEntryID *string `json:"ledger_entry_id,omitempty"`

	Voided     bool       `json:"voided"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Pending reports whether the record still awaits human resolution.
func (r *ConsumptionRecord) Pending() bool {
	return r.StockItemID == nil
}

// ColorMapping maps a normalized device color hex to a human color name.
// Overwrite semantics, last write wins; mappings are not versioned.
type ColorMapping struct {
	ColorHex  string    `json:"color_hex" validate:"required,len=6,hexadecimal"`
	ColorName string    `json:"color_name" validate:"required"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingAttribution is the human-resolution view of an unresolved tray:
// the pending record plus the candidate stock items (possibly empty, or
// more than one when the match is ambiguous).
type PendingAttribution struct {
	Record     ConsumptionRecord `json:"record"`
	Candidates []StockItem       `json:"candidates"`
}
