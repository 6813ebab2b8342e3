// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// ResolvePending binds a pending attribution to an explicit stock item and
// writes the backing ledger entry, atomically. The stored unit/value pair
// determines the grams figure:
//
//	pct   -> value/100 x the chosen item's roll weight
//	grams -> value as-is
//	none  -> explicitGrams must be supplied by the caller
func (s *Settler) ResolvePending(ctx context.Context, recordID, stockItemID string, explicitGrams *float64) (*models.ConsumptionRecord, error) {
	rec, err := s.db.GetConsumption(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !rec.Pending() || rec.Voided {
		return nil, models.ErrAlreadyResolved
	}

	item, err := s.db.GetStockItem(ctx, stockItemID)
	if err != nil {
		return nil, err
	}

	var grams float64
	switch {
	case explicitGrams != nil:
		grams = -*explicitGrams
	case rec.Unit == models.UnitPct:
		grams = -(rec.Value / 100) * item.RollWeightGrams
	case rec.Unit == models.UnitGrams:
		grams = -rec.Value
	default:
		return nil, fmt.Errorf("pending record %s carries no figure; grams required", recordID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	entry := &models.MaterialLedgerEntry{
		StockItemID: item.ID,
		DeltaGrams:  grams,
		Kind:        models.LedgerKindConsumption,
		JobID:       &rec.JobID,
		Note:        "resolved pending attribution",
	}
	if err := s.db.AppendLedgerTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.db.ResolveConsumptionTx(ctx, tx, rec.ID, item.ID, entry.ID, grams, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resolution: %w", err)
	}

	metrics.RecordLedgerAppend(string(models.LedgerKindConsumption))
	metrics.RecordSettlement(string(models.SourceResolvedPending), string(models.ConfidenceLow))
	logging.Info().
		Str("record_id", rec.ID).
		Str("job_id", rec.JobID).
		Str("stock_item_id", item.ID).
		Float64("grams", grams).
		Msg("Pending attribution resolved")

	return s.db.GetConsumption(ctx, rec.ID)
}

// CreateManual records an explicitly human-initiated consumption, bypassing
// the ladder and the per-tray idempotency key: manual entries may
// legitimately repeat.
func (s *Settler) CreateManual(ctx context.Context, jobID, stockItemID string, grams float64, note string) (*models.ConsumptionRecord, error) {
	if _, err := s.db.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	item, err := s.db.GetStockItem(ctx, stockItemID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	delta := -grams
	entry := &models.MaterialLedgerEntry{
		StockItemID: item.ID,
		DeltaGrams:  delta,
		Kind:        models.LedgerKindConsumption,
		JobID:       &jobID,
		Note:        note,
	}
	if err := s.db.AppendLedgerTx(ctx, tx, entry); err != nil {
		return nil, err
	}

	rec := &models.ConsumptionRecord{
		JobID:         jobID,
		StockItemID:   &item.ID,
		Grams:         delta,
		Source:        models.SourceManual,
		Confidence:    models.ConfidenceLow,
		Note:          note,
		LedgerEntryID: &entry.ID,
	}
	if err := s.db.InsertConsumptionTx(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit manual consumption: %w", err)
	}

	metrics.RecordLedgerAppend(string(models.LedgerKindConsumption))
	metrics.RecordSettlement(string(models.SourceManual), string(models.ConfidenceLow))

	return rec, nil
}

// Adjust appends a free-form stock correction to the ledger.
func (s *Settler) Adjust(ctx context.Context, stockItemID string, deltaGrams float64, reason string) (*models.MaterialLedgerEntry, error) {
	if _, err := s.db.GetStockItem(ctx, stockItemID); err != nil {
		return nil, err
	}

	entry := &models.MaterialLedgerEntry{
		StockItemID: stockItemID,
		DeltaGrams:  deltaGrams,
		Kind:        models.LedgerKindAdjustment,
		Note:        reason,
	}
	if err := s.db.AppendLedger(ctx, entry); err != nil {
		return nil, err
	}

	metrics.RecordLedgerAppend(string(models.LedgerKindAdjustment))
	return entry, nil
}

// Purchase appends an incoming roll to the ledger.
func (s *Settler) Purchase(ctx context.Context, stockItemID string, grams float64, note string) (*models.MaterialLedgerEntry, error) {
	if _, err := s.db.GetStockItem(ctx, stockItemID); err != nil {
		return nil, err
	}

	entry := &models.MaterialLedgerEntry{
		StockItemID: stockItemID,
		DeltaGrams:  grams,
		Kind:        models.LedgerKindPurchase,
		Note:        note,
	}
	if err := s.db.AppendLedger(ctx, entry); err != nil {
		return nil, err
	}

	metrics.RecordLedgerAppend(string(models.LedgerKindPurchase))
	return entry, nil
}

// PendingAttributions lists unresolved records together with their current
// candidate stock items for the human-resolution interface.
func (s *Settler) PendingAttributions(ctx context.Context, limit, offset int) ([]models.PendingAttribution, error) {
	records, err := s.db.ListPendingAttributions(ctx, limit, offset)
	if err != nil {
		return nil, err
	}

	pending := make([]models.PendingAttribution, 0, len(records))
	for _, rec := range records {
		candidates, err := s.matcher.CandidatesForPending(ctx, &rec)
		if err != nil {
			return nil, err
		}
		pending = append(pending, models.PendingAttribution{
			Record:     rec,
			Candidates: candidates,
		})
	}

	return pending, nil
}
