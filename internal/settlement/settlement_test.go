// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/config"
	"github.com/yangtao121/Bambu-consumables-management/internal/database"
	"github.com/yangtao121/Bambu-consumables-management/internal/matcher"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

func setupSettler(t *testing.T) (*Settler, *database.DB, context.Context) {
	t.Helper()

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "1GB"})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	cfg := config.SettlementConfig{
		NegativeDeltaTolerance: 0.02,
		DefaultRollWeightGrams: 1000,
	}
	return New(db, matcher.New(db), cfg), db, ctx
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

// createWhitePLAStock seeds the mapped official white PLA roll used by most
// settlement scenarios.
func createWhitePLAStock(t *testing.T, db *database.DB, ctx context.Context) *models.StockItem {
	t.Helper()
	item := &models.StockItem{
		Material: "PLA", Color: "White", Brand: "Bambu",
		IsOfficial: true, RollWeightGrams: 1000,
	}
	if err := db.CreateStockItem(ctx, item); err != nil {
		t.Fatalf("failed to create stock item: %v", err)
	}
	if err := db.UpsertColorMapping(ctx, &models.ColorMapping{ColorHex: "FFFFFF", ColorName: "White"}); err != nil {
		t.Fatalf("failed to create color mapping: %v", err)
	}
	return item
}

func createEndedJob(t *testing.T, db *database.DB, ctx context.Context, trays []models.TraySnapshot) *models.PrintJob {
	t.Helper()
	started := time.Now().UTC().Add(-time.Hour)
	ended := time.Now().UTC()
	job := &models.PrintJob{
		PrinterID:           "printer-1",
		JobKey:              "job-1",
		Status:              models.JobStatusEnded,
		StartedAt:           &started,
		EndedAt:             &ended,
		ProgressFraction:    1.0,
		TrayBindingSnapshot: trays,
	}
	if err := db.CreateJob(ctx, job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

// runSettlement executes SettleTx in its own committed transaction, the way
// the tracker runs it after flipping a job terminal.
func runSettlement(t *testing.T, s *Settler, db *database.DB, ctx context.Context, job *models.PrintJob) []models.ConsumptionRecord {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}
	records, err := s.SettleTx(ctx, tx, job)
	if err != nil {
		_ = tx.Rollback()
		t.Fatalf("settlement failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("failed to commit settlement: %v", err)
	}
	return records
}

func TestSettleAMSRemainDiff(t *testing.T) {
	s, db, ctx := setupSettler(t)
	item := createWhitePLAStock(t, db, ctx)

	job := createEndedJob(t, db, ctx, []models.TraySnapshot{{
		SlotID:            0,
		Material:          strPtr("PLA"),
		ColorSignal:       strPtr("FFFFFF"),
		RemainingFraction: floatPtr(0.80),
		OfficialSignal:    true,
	}})
	seg := &models.TraySegment{
		JobID: job.ID, TrayID: 0, SegmentIdx: 0,
		Material: strPtr("PLA"), ColorSignal: strPtr("FFFFFF"), OfficialSignal: true,
		StartFraction: floatPtr(0.80), EndFraction: floatPtr(0.65),
	}
	if err := db.OpenTraySegment(ctx, seg); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}

	records := runSettlement(t, s, db, ctx, job)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rec := records[0]
	if !almostEqual(rec.Grams, -150) {
		t.Errorf("expected -150 grams, got %f", rec.Grams)
	}
	if rec.Source != models.SourceAMSRemainDiff {
		t.Errorf("expected ams_remain_diff, got %s", rec.Source)
	}
	if rec.Confidence != models.ConfidenceHigh {
		t.Errorf("expected high confidence, got %s", rec.Confidence)
	}

	balance, err := db.Balance(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to compute balance: %v", err)
	}
	if !almostEqual(balance, -150) {
		t.Errorf("expected ledger balance -150, got %f", balance)
	}
}

func TestSettleSumsSwapSegments(t *testing.T) {
	s, db, ctx := setupSettler(t)
	createWhitePLAStock(t, db, ctx)

	job := createEndedJob(t, db, ctx, []models.TraySnapshot{{
		SlotID:            0,
		Material:          strPtr("PLA"),
		ColorSignal:       strPtr("FFFFFF"),
		RemainingFraction: floatPtr(0.80),
		OfficialSignal:    true,
	}})

	// First spool ran 0.80 -> 0.10, swap, fresh spool ran 1.0 -> 0.85.
	for _, seg := range []models.TraySegment{
		{JobID: job.ID, TrayID: 0, SegmentIdx: 0, Material: strPtr("PLA"),
			ColorSignal: strPtr("FFFFFF"), OfficialSignal: true,
			StartFraction: floatPtr(0.80), EndFraction: floatPtr(0.10)},
		{JobID: job.ID, TrayID: 0, SegmentIdx: 1, Material: strPtr("PLA"),
			ColorSignal: strPtr("FFFFFF"), OfficialSignal: true,
			StartFraction: floatPtr(1.0), EndFraction: floatPtr(0.85)},
	} {
		seg := seg
		if err := db.OpenTraySegment(ctx, &seg); err != nil {
			t.Fatalf("failed to create segment: %v", err)
		}
	}

	records := runSettlement(t, s, db, ctx, job)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	// (0.70 + 0.15) x 1000
	if diff := records[0].Grams + 850; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected -850 grams across swap boundary, got %f", records[0].Grams)
	}
}

func TestSettleFallsThroughToSlicerEstimate(t *testing.T) {
	s, db, ctx := setupSettler(t)
	createWhitePLAStock(t, db, ctx)

	// No start fraction: strategy 1 unusable.
	job := createEndedJob(t, db, ctx, []models.TraySnapshot{{
		SlotID:         0,
		Material:       strPtr("PLA"),
		ColorSignal:    strPtr("FFFFFF"),
		OfficialSignal: true,
	}})
	seg := &models.TraySegment{
		JobID: job.ID, TrayID: 0, SegmentIdx: 0,
		Material: strPtr("PLA"), ColorSignal: strPtr("FFFFFF"), OfficialSignal: true,
	}
	if err := db.OpenTraySegment(ctx, seg); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}
	if err := db.UpsertTrayEstimate(ctx, &models.TrayEstimate{JobID: job.ID, TrayID: 0, PredictedGrams: 120}); err != nil {
		t.Fatalf("failed to store estimate: %v", err)
	}

	records := runSettlement(t, s, db, ctx, job)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Source != models.SourceSlicerEstimate {
		t.Errorf("expected slicer_estimate, got %s", rec.Source)
	}
	if rec.Confidence != models.ConfidenceMedium {
		t.Errorf("expected medium confidence, got %s", rec.Confidence)
	}
	if rec.Grams != -120 {
		t.Errorf("expected -120 grams for completed job, got %f", rec.Grams)
	}
}

func TestSettleFailedJobScalesEstimate(t *testing.T) {
	s, db, ctx := setupSettler(t)
	createWhitePLAStock(t, db, ctx)

	job := createEndedJob(t, db, ctx, []models.TraySnapshot{{
		SlotID:         0,
		Material:       strPtr("PLA"),
		ColorSignal:    strPtr("FFFFFF"),
		OfficialSignal: true,
	}})
	job.Status = models.JobStatusFailed
	job.ProgressFraction = 0.5
	if err := db.UpsertTrayEstimate(ctx, &models.TrayEstimate{JobID: job.ID, TrayID: 0, PredictedGrams: 120}); err != nil {
		t.Fatalf("failed to store estimate: %v", err)
	}

	records := runSettlement(t, s, db, ctx, job)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Grams != -60 {
		t.Errorf("expected estimate scaled by 0.5 progress, got %f", records[0].Grams)
	}
}

func TestSettleProducesPendingNotZeroGrams(t *testing.T) {
	s, db, ctx := setupSettler(t)

	// No fractions, no estimate, no stock: ladder bottoms out pending.
	job := createEndedJob(t, db, ctx, []models.TraySnapshot{{
		SlotID:      0,
		Material:    strPtr("PLA"),
		ColorSignal: strPtr("FFFFFFFF"),
	}})

	records := runSettlement(t, s, db, ctx, job)
	if len(records) != 1 {
		t.Fatalf("expected 1 pending record, got %d", len(records))
	}
	rec := records[0]
	if !rec.Pending() {
		t.Fatal("expected a pending record")
	}
	if rec.Source != models.SourcePending {
		t.Errorf("expected pending source, got %s", rec.Source)
	}
	if rec.Material != "PLA" || rec.ColorSignal != "FFFFFFFF" {
		t.Errorf("pending record should carry reported identity: %+v", rec)
	}
	if rec.LedgerEntryID != nil {
		t.Error("pending record must not touch the ledger")
	}
}

func TestSettleIdempotentReplay(t *testing.T) {
	s, db, ctx := setupSettler(t)
	item := createWhitePLAStock(t, db, ctx)

	job := createEndedJob(t, db, ctx, []models.TraySnapshot{{
		SlotID:            0,
		Material:          strPtr("PLA"),
		ColorSignal:       strPtr("FFFFFF"),
		RemainingFraction: floatPtr(0.80),
		OfficialSignal:    true,
	}})
	seg := &models.TraySegment{
		JobID: job.ID, TrayID: 0, SegmentIdx: 0,
		Material: strPtr("PLA"), ColorSignal: strPtr("FFFFFF"), OfficialSignal: true,
		StartFraction: floatPtr(0.80), EndFraction: floatPtr(0.65),
	}
	if err := db.OpenTraySegment(ctx, seg); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}

	first := runSettlement(t, s, db, ctx, job)
	if len(first) != 1 {
		t.Fatalf("expected 1 record on first run, got %d", len(first))
	}

	// A crash-retry re-runs the ladder; the guard skips the written tray.
	second := runSettlement(t, s, db, ctx, job)
	if len(second) != 0 {
		t.Fatalf("expected 0 records on replay, got %d", len(second))
	}

	all, err := db.ListConsumptionByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly one active record per (job, tray), got %d", len(all))
	}

	balance, err := db.Balance(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to compute balance: %v", err)
	}
	if !almostEqual(balance, -150) {
		t.Errorf("replay must not double-charge the ledger, balance %f", balance)
	}
}

func TestSettleReplayWithPendingRowWritesNothing(t *testing.T) {
	s, db, ctx := setupSettler(t)

	// Usable diff but unmapped color: the first run defers the tray.
	job := createEndedJob(t, db, ctx, []models.TraySnapshot{{
		SlotID:            0,
		Material:          strPtr("PLA"),
		ColorSignal:       strPtr("FFFFFF"),
		RemainingFraction: floatPtr(0.80),
		OfficialSignal:    true,
	}})
	seg := &models.TraySegment{
		JobID: job.ID, TrayID: 0, SegmentIdx: 0,
		Material: strPtr("PLA"), ColorSignal: strPtr("FFFFFF"), OfficialSignal: true,
		StartFraction: floatPtr(0.80), EndFraction: floatPtr(0.65),
	}
	if err := db.OpenTraySegment(ctx, seg); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}

	first := runSettlement(t, s, db, ctx, job)
	if len(first) != 1 || first[0].Source != models.SourcePending {
		t.Fatalf("expected 1 pending record, got %+v", first)
	}

	// The mapping and stock arrive afterwards. A crash-retry now finds a
	// matchable tray, but the pending row holds the (job, tray) guard.
	createWhitePLAStock(t, db, ctx)
	second := runSettlement(t, s, db, ctx, job)
	if len(second) != 0 {
		t.Fatalf("expected 0 records on replay over a pending row, got %d", len(second))
	}

	all, err := db.ListConsumptionByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one active record per (job, tray), got %d", len(all))
	}
	if all[0].Source != models.SourcePending {
		t.Errorf("pending row must keep its provenance, got %s", all[0].Source)
	}
}

func TestSettleNegativeDeltaBeyondToleranceFallsThrough(t *testing.T) {
	s, db, ctx := setupSettler(t)
	createWhitePLAStock(t, db, ctx)

	// End fraction above start beyond firmware noise: reading rejected.
	job := createEndedJob(t, db, ctx, []models.TraySnapshot{{
		SlotID:            0,
		Material:          strPtr("PLA"),
		ColorSignal:       strPtr("FFFFFF"),
		RemainingFraction: floatPtr(0.50),
		OfficialSignal:    true,
	}})
	seg := &models.TraySegment{
		JobID: job.ID, TrayID: 0, SegmentIdx: 0,
		Material: strPtr("PLA"), ColorSignal: strPtr("FFFFFF"), OfficialSignal: true,
		StartFraction: floatPtr(0.50), EndFraction: floatPtr(0.80),
	}
	if err := db.OpenTraySegment(ctx, seg); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}
	if err := db.UpsertTrayEstimate(ctx, &models.TrayEstimate{JobID: job.ID, TrayID: 0, PredictedGrams: 100}); err != nil {
		t.Fatalf("failed to store estimate: %v", err)
	}

	records := runSettlement(t, s, db, ctx, job)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Source != models.SourceSlicerEstimate {
		t.Errorf("expected fallthrough to slicer_estimate, got %s", records[0].Source)
	}
}

func TestResolvePendingPctRecord(t *testing.T) {
	s, db, ctx := setupSettler(t)

	job := createEndedJob(t, db, ctx, []models.TraySnapshot{{
		SlotID:            0,
		Material:          strPtr("PLA"),
		ColorSignal:       strPtr("FFFFFFFF"),
		RemainingFraction: floatPtr(0.80),
	}})
	seg := &models.TraySegment{
		JobID: job.ID, TrayID: 0, SegmentIdx: 0,
		Material: strPtr("PLA"), ColorSignal: strPtr("FFFFFFFF"),
		StartFraction: floatPtr(0.80), EndFraction: floatPtr(0.65),
	}
	if err := db.OpenTraySegment(ctx, seg); err != nil {
		t.Fatalf("failed to create segment: %v", err)
	}

	// Unmapped color: a usable diff still defers, carrying the pct figure.
	records := runSettlement(t, s, db, ctx, job)
	if len(records) != 1 || !records[0].Pending() {
		t.Fatalf("expected 1 pending record, got %+v", records)
	}
	pending := records[0]
	if pending.Unit != models.UnitPct {
		t.Fatalf("expected pct unit, got %q", pending.Unit)
	}
	if pending.Source != models.SourcePending {
		t.Fatalf("expected pending source, got %s", pending.Source)
	}

	// Operator later creates the stock item and resolves explicitly.
	item := createWhitePLAStock(t, db, ctx)
	resolved, err := s.ResolvePending(ctx, pending.ID, item.ID, nil)
	if err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	if resolved.Source != models.SourceResolvedPending {
		t.Errorf("expected resolved_pending, got %s", resolved.Source)
	}
	if diff := resolved.Grams + 150; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected -150 grams from 15%% of 1000g roll, got %f", resolved.Grams)
	}

	// Resolution settles exactly once.
	if _, err := s.ResolvePending(ctx, pending.ID, item.ID, nil); err == nil {
		t.Error("expected second resolution to fail")
	}

	balance, err := db.Balance(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to compute balance: %v", err)
	}
	if diff := balance + 150; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected balance -150, got %f", balance)
	}
}

func TestManualConsumptionBypassesGuard(t *testing.T) {
	s, db, ctx := setupSettler(t)
	item := createWhitePLAStock(t, db, ctx)
	job := createEndedJob(t, db, ctx, nil)

	// Manual entries may legitimately repeat.
	for i := 0; i < 2; i++ {
		if _, err := s.CreateManual(ctx, job.ID, item.ID, 25, "support material"); err != nil {
			t.Fatalf("manual consumption %d failed: %v", i, err)
		}
	}

	balance, err := db.Balance(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to compute balance: %v", err)
	}
	if balance != -50 {
		t.Errorf("expected -50 after two manual entries, got %f", balance)
	}
}

func TestAdjustAndPurchase(t *testing.T) {
	s, db, ctx := setupSettler(t)
	item := createWhitePLAStock(t, db, ctx)

	if _, err := s.Purchase(ctx, item.ID, 1000, "new roll"); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	if _, err := s.Adjust(ctx, item.ID, -30, "spool weighed light"); err != nil {
		t.Fatalf("adjust failed: %v", err)
	}

	balance, err := db.Balance(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to compute balance: %v", err)
	}
	if balance != 970 {
		t.Errorf("expected 970, got %f", balance)
	}
}

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}
