// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/config"
	"github.com/yangtao121/Bambu-consumables-management/internal/database"
	"github.com/yangtao121/Bambu-consumables-management/internal/matcher"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
	"github.com/yangtao121/Bambu-consumables-management/internal/settlement"
)

type captureNotifier struct {
	mu      sync.Mutex
	updates []models.PrintJob
	settled []models.PrintJob
	records [][]models.ConsumptionRecord
}

func (n *captureNotifier) JobUpdated(job *models.PrintJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, *job)
}

func (n *captureNotifier) JobSettled(job *models.PrintJob, records []models.ConsumptionRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.settled = append(n.settled, *job)
	n.records = append(n.records, records)
}

func setupTracker(t *testing.T) (*Tracker, *database.DB, *captureNotifier, context.Context) {
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

	settler := settlement.New(db, matcher.New(db), config.SettlementConfig{
		NegativeDeltaTolerance: 0.02,
		DefaultRollWeightGrams: 1000,
	})
	notifier := &captureNotifier{}
	return New(db, settler, notifier, nil), db, notifier, ctx
}

func registerPrinter(t *testing.T, db *database.DB, ctx context.Context) string {
	t.Helper()
	printer := &models.Printer{Name: "bench-x1c"}
	if err := db.CreatePrinter(ctx, printer); err != nil {
		t.Fatalf("failed to register printer: %v", err)
	}
	return printer.ID
}

func seedMatchedStock(t *testing.T, db *database.DB, ctx context.Context) *models.StockItem {
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

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

var seqCounter uint64

func event(printerID, jobKey string, eventType models.EventType) *models.NormalizedEvent {
	seqCounter++
	return &models.NormalizedEvent{
		SequenceID: seqCounter,
		PrinterID:  printerID,
		JobKey:     strPtr(jobKey),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
	}
}

func whiteTray(remaining float64) models.TraySnapshot {
	return models.TraySnapshot{
		SlotID:            0,
		Material:          strPtr("PLA"),
		ColorSignal:       strPtr("FFFFFF"),
		RemainingFraction: floatPtr(remaining),
		OfficialSignal:    true,
	}
}

func TestFullJobLifecycle(t *testing.T) {
	tr, db, notifier, ctx := setupTracker(t)
	printerID := registerPrinter(t, db, ctx)
	item := seedMatchedStock(t, db, ctx)

	start := event(printerID, "job-1", models.EventPrintStarted)
	start.AMSTrays = []models.TraySnapshot{whiteTray(0.80)}
	start.TrayNow = intPtr(0)
	start.FileName = strPtr("benchy.gcode.3mf")
	if err := tr.HandleEvent(ctx, start); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	progress := event(printerID, "job-1", models.EventPrintProgress)
	progress.GcodeState = strPtr(models.GcodeStateRunning)
	progress.ProgressFraction = floatPtr(0.60)
	progress.AMSTrays = []models.TraySnapshot{whiteTray(0.70)}
	if err := tr.HandleEvent(ctx, progress); err != nil {
		t.Fatalf("progress failed: %v", err)
	}

	ended := event(printerID, "job-1", models.EventPrintEnded)
	if err := tr.HandleEvent(ctx, ended); err != nil {
		t.Fatalf("ended failed: %v", err)
	}

	job, err := db.GetActiveJobByKey(ctx, printerID, "job-1")
	if err == nil {
		t.Fatalf("job should no longer be open, got %+v", job)
	}
	final, err := db.GetLatestJobByKey(ctx, printerID, "job-1")
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if final.Status != models.JobStatusEnded {
		t.Errorf("expected ended, got %s", final.Status)
	}
	if !final.Settled() {
		t.Error("job should be settled")
	}

	// 0.80 -> 0.70 on a 1000g roll.
	records, err := db.ListConsumptionByJob(ctx, final.ID)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if diff := records[0].Grams + 100; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected -100 grams, got %f", records[0].Grams)
	}
	if records[0].Source != models.SourceAMSRemainDiff || records[0].Confidence != models.ConfidenceHigh {
		t.Errorf("unexpected settlement source: %+v", records[0])
	}

	balance, err := db.Balance(ctx, item.ID)
	if err != nil {
		t.Fatalf("failed to compute balance: %v", err)
	}
	if diff := balance + 100; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected balance -100, got %f", balance)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.settled) != 1 {
		t.Errorf("expected 1 settled notification, got %d", len(notifier.settled))
	}
}

func TestTerminalEventReplayIsAbsorbed(t *testing.T) {
	tr, db, _, ctx := setupTracker(t)
	printerID := registerPrinter(t, db, ctx)
	seedMatchedStock(t, db, ctx)

	start := event(printerID, "job-1", models.EventPrintStarted)
	start.AMSTrays = []models.TraySnapshot{whiteTray(0.80)}
	if err := tr.HandleEvent(ctx, start); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		ended := event(printerID, "job-1", models.EventPrintEnded)
		if err := tr.HandleEvent(ctx, ended); err != nil {
			t.Fatalf("ended replay %d failed: %v", i, err)
		}
	}

	job, err := db.GetLatestJobByKey(ctx, printerID, "job-1")
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	records, err := db.ListConsumptionByJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("replayed terminal events must settle once, got %d records", len(records))
	}
}

func TestTerminalStateIsMonotonic(t *testing.T) {
	tr, db, _, ctx := setupTracker(t)
	printerID := registerPrinter(t, db, ctx)

	start := event(printerID, "job-1", models.EventPrintStarted)
	if err := tr.HandleEvent(ctx, start); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	failed := event(printerID, "job-1", models.EventPrintFailed)
	failed.ProgressFraction = floatPtr(0.3)
	if err := tr.HandleEvent(ctx, failed); err != nil {
		t.Fatalf("failed event errored: %v", err)
	}

	// Late progress and even a PrintEnded must not move the job again.
	progress := event(printerID, "job-1", models.EventPrintProgress)
	progress.GcodeState = strPtr(models.GcodeStateRunning)
	progress.ProgressFraction = floatPtr(0.9)
	if err := tr.HandleEvent(ctx, progress); err != nil {
		t.Fatalf("late progress errored: %v", err)
	}
	ended := event(printerID, "job-1", models.EventPrintEnded)
	if err := tr.HandleEvent(ctx, ended); err != nil {
		t.Fatalf("late ended errored: %v", err)
	}

	job, err := db.GetLatestJobByKey(ctx, printerID, "job-1")
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("terminal state must be absorbing, got %s", job.Status)
	}
	if job.ProgressFraction != 0.3 {
		t.Errorf("late events must not mutate the job, progress %f", job.ProgressFraction)
	}
}

func TestDuplicateStartIsNoOp(t *testing.T) {
	tr, db, _, ctx := setupTracker(t)
	printerID := registerPrinter(t, db, ctx)

	for i := 0; i < 2; i++ {
		start := event(printerID, "job-1", models.EventPrintStarted)
		start.AMSTrays = []models.TraySnapshot{whiteTray(0.80)}
		if err := tr.HandleEvent(ctx, start); err != nil {
			t.Fatalf("start %d failed: %v", i, err)
		}
	}

	jobs, err := db.ListJobs(ctx, printerID, "", 50, 0)
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("expected 1 job after duplicate start, got %d", len(jobs))
	}
}

func TestMalformedEventsAreDroppedNotFatal(t *testing.T) {
	tr, db, _, ctx := setupTracker(t)
	printerID := registerPrinter(t, db, ctx)

	// Missing job_key.
	noKey := &models.NormalizedEvent{
		SequenceID: 1,
		PrinterID:  printerID,
		EventType:  models.EventPrintProgress,
		OccurredAt: time.Now().UTC(),
	}
	if err := tr.HandleEvent(ctx, noKey); err != nil {
		t.Errorf("malformed event must not error the stream: %v", err)
	}

	// Unregistered printer.
	unknown := event("00000000-0000-0000-0000-000000000000", "job-1", models.EventPrintStarted)
	if err := tr.HandleEvent(ctx, unknown); err != nil {
		t.Errorf("unknown printer must not error the stream: %v", err)
	}

	// Progress for a job that never started.
	orphan := event(printerID, "never-started", models.EventPrintProgress)
	orphan.GcodeState = strPtr(models.GcodeStateRunning)
	if err := tr.HandleEvent(ctx, orphan); err != nil {
		t.Errorf("unknown job reference must not error the stream: %v", err)
	}

	jobs, err := db.ListJobs(ctx, "", "", 50, 0)
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("dropped events must not create jobs, got %d", len(jobs))
	}
}

func TestPauseAndResume(t *testing.T) {
	tr, db, _, ctx := setupTracker(t)
	printerID := registerPrinter(t, db, ctx)

	start := event(printerID, "job-1", models.EventPrintStarted)
	if err := tr.HandleEvent(ctx, start); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	pause := event(printerID, "job-1", models.EventPrintProgress)
	pause.GcodeState = strPtr(models.GcodeStatePause)
	if err := tr.HandleEvent(ctx, pause); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	job, err := db.GetActiveJobByKey(ctx, printerID, "job-1")
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if job.Status != models.JobStatusPaused {
		t.Errorf("expected paused, got %s", job.Status)
	}

	resume := event(printerID, "job-1", models.EventPrintProgress)
	resume.GcodeState = strPtr(models.GcodeStateRunning)
	if err := tr.HandleEvent(ctx, resume); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	job, err = db.GetActiveJobByKey(ctx, printerID, "job-1")
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	if job.Status != models.JobStatusRunning {
		t.Errorf("expected running, got %s", job.Status)
	}
}

func TestMidJobSwapOpensNewSegment(t *testing.T) {
	tr, db, _, ctx := setupTracker(t)
	printerID := registerPrinter(t, db, ctx)

	start := event(printerID, "job-1", models.EventPrintStarted)
	start.AMSTrays = []models.TraySnapshot{whiteTray(0.20)}
	if err := tr.HandleEvent(ctx, start); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// The white spool runs low, operator swaps in a red one.
	swap := event(printerID, "job-1", models.EventPrintProgress)
	swap.GcodeState = strPtr(models.GcodeStateRunning)
	swap.AMSTrays = []models.TraySnapshot{{
		SlotID:            0,
		Material:          strPtr("PLA"),
		ColorSignal:       strPtr("FF0000"),
		RemainingFraction: floatPtr(1.0),
	}}
	if err := tr.HandleEvent(ctx, swap); err != nil {
		t.Fatalf("swap progress failed: %v", err)
	}

	job, err := db.GetActiveJobByKey(ctx, printerID, "job-1")
	if err != nil {
		t.Fatalf("failed to load job: %v", err)
	}
	segments, err := db.ListTraySegments(ctx, job.ID)
	if err != nil {
		t.Fatalf("failed to list segments: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments after swap, got %d", len(segments))
	}
	// Old segment closed at the white spool's last report.
	if segments[0].EndFraction == nil || *segments[0].EndFraction != 0.20 {
		t.Errorf("old segment should close at 0.20: %+v", segments[0])
	}
	if segments[1].StartFraction == nil || *segments[1].StartFraction != 1.0 {
		t.Errorf("new segment should start at 1.0: %+v", segments[1])
	}
}
