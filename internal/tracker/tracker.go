// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package tracker owns the print job state machine. It applies normalized
// events to PrintJob rows, serializing all mutations per (printer_id,
// job_key), and invokes settlement exactly once on the terminal transition.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/database"
	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
	"github.com/yangtao121/Bambu-consumables-management/internal/settlement"
)

// lockStripes is the size of the striped mutex table serializing per-job
// mutations. Jobs hashing to the same stripe share a lock; correctness only
// needs same-job serialization, the rest is harmless contention.
const lockStripes = 64

// Notifier receives job lifecycle callbacks for realtime fan-out. All
// methods are invoked after the database transaction committed.
type Notifier interface {
	JobUpdated(job *models.PrintJob)
	JobSettled(job *models.PrintJob, records []models.ConsumptionRecord)
}

// EstimateSource prefetches slicer tray estimates for a started job.
// Implementations must not block; the tracker calls it inline.
type EstimateSource interface {
	Prefetch(jobID, fileName string)
}

// Tracker applies normalized events to job state.
type Tracker struct {
	db       *database.DB
	settler  *settlement.Settler
	notifier Notifier
	frontend EstimateSource

	locks [lockStripes]sync.Mutex
}

// New creates a Tracker. notifier and estimates may be nil.
func New(db *database.DB, settler *settlement.Settler, notifier Notifier, estimates EstimateSource) *Tracker {
	return &Tracker{db: db, settler: settler, notifier: notifier, frontend: estimates}
}

// HandleEvent applies one event. Malformed events and unknown job
// references are dropped with a log line and an audit row; they return nil
// so the stream is never poisoned. A non-nil return means infrastructure
// failure and the delivery should be retried.
func (t *Tracker) HandleEvent(ctx context.Context, event *models.NormalizedEvent) error {
	start := time.Now()

	if err := event.Validate(); err != nil {
		logging.Warn().Err(err).Uint64("sequence_id", event.SequenceID).Msg("Dropping malformed event")
		metrics.RecordEventDropped("malformed")
		t.auditDrop(ctx, event, err.Error())
		return nil
	}

	if _, err := t.db.GetPrinter(ctx, event.PrinterID); err != nil {
		if errors.Is(err, models.ErrPrinterNotFound) {
			merr := &models.MalformedEventError{PrinterID: event.PrinterID, Reason: "unknown printer_id"}
			logging.Warn().Err(merr).Msg("Dropping event from unregistered printer")
			metrics.RecordEventDropped("unknown_printer")
			t.auditDrop(ctx, event, merr.Error())
			return nil
		}
		return err
	}

	jobKey := *event.JobKey
	lock := t.stripe(event.PrinterID, jobKey)
	lock.Lock()
	defer lock.Unlock()

	metrics.RecordEventIngested(string(event.EventType))

	var err error
	switch event.EventType {
	case models.EventPrintStarted:
		err = t.handleStart(ctx, event)
	case models.EventPrintProgress, models.EventPrintPaused:
		err = t.handleProgress(ctx, event)
	case models.EventPrintEnded:
		err = t.handleTerminal(ctx, event, models.JobStatusEnded)
	case models.EventPrintFailed:
		err = t.handleTerminal(ctx, event, models.JobStatusFailed)
	}
	if err != nil {
		return err
	}

	metrics.RecordEventProcessing(string(event.EventType), time.Since(start))
	return nil
}

func (t *Tracker) stripe(printerID, jobKey string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(printerID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(jobKey))
	return &t.locks[h.Sum32()%lockStripes]
}

// handleStart creates the job and captures the tray binding snapshot.
// Re-receipt of a start for an already-open job is a no-op.
func (t *Tracker) handleStart(ctx context.Context, event *models.NormalizedEvent) error {
	jobKey := *event.JobKey

	existing, err := t.db.GetActiveJobByKey(ctx, event.PrinterID, jobKey)
	if err != nil && !errors.Is(err, models.ErrJobNotFound) {
		return err
	}
	if existing != nil {
		t.audit(ctx, event, false, "duplicate start for open job")
		return nil
	}

	startedAt := event.OccurredAt
	job := &models.PrintJob{
		PrinterID:           event.PrinterID,
		JobKey:              jobKey,
		Status:              models.JobStatusRunning,
		StartedAt:           &startedAt,
		ActiveTray:          event.TrayNow,
		TrayBindingSnapshot: event.AMSTrays,
		LastTrayReport:      event.AMSTrays,
	}
	if event.FileName != nil {
		job.FileName = *event.FileName
	}
	if err := t.db.CreateJob(ctx, job); err != nil {
		return err
	}
	metrics.RecordJobTransition("", string(models.JobStatusRunning))

	// Every loaded tray opens segment 0 at its reported fraction.
	for _, tray := range event.AMSTrays {
		if !tray.HasMaterial() {
			continue
		}
		seg := &models.TraySegment{
			JobID:          job.ID,
			TrayID:         tray.SlotID,
			SegmentIdx:     0,
			Material:       tray.Material,
			ColorSignal:    tray.ColorSignal,
			OfficialSignal: tray.OfficialSignal,
			StartFraction:  tray.RemainingFraction,
		}
		if err := t.db.OpenTraySegment(ctx, seg); err != nil {
			return err
		}
	}

	if t.frontend != nil && job.FileName != "" {
		t.frontend.Prefetch(job.ID, job.FileName)
	}

	t.audit(ctx, event, true, "")
	t.notifyUpdate(job)

	logging.Info().
		Str("printer_id", event.PrinterID).
		Str("job_key", jobKey).
		Str("job_id", job.ID).
		Msg("Print job started")
	return nil
}

// handleProgress applies a mid-flight report: status from gcode_state,
// progress fraction, active tray, segment swap detection.
func (t *Tracker) handleProgress(ctx context.Context, event *models.NormalizedEvent) error {
	job, err := t.resolveOpenJob(ctx, event)
	if err != nil || job == nil {
		return err
	}

	prevStatus := job.Status
	switch {
	case event.EventType == models.EventPrintPaused:
		job.Status = models.JobStatusPaused
	case event.GcodeState != nil && *event.GcodeState == models.GcodeStatePause:
		job.Status = models.JobStatusPaused
	case event.GcodeState != nil && *event.GcodeState == models.GcodeStateRunning:
		job.Status = models.JobStatusRunning
	}

	if event.ProgressFraction != nil {
		job.ProgressFraction = *event.ProgressFraction
	}
	if event.TrayNow != nil {
		job.ActiveTray = event.TrayNow
	}

	if len(event.AMSTrays) > 0 {
		if err := t.applyTrayReport(ctx, job, event.AMSTrays); err != nil {
			return err
		}
		job.LastTrayReport = event.AMSTrays
	}

	if err := t.db.UpdateJobProgress(ctx, job); err != nil {
		return err
	}
	if job.Status != prevStatus {
		metrics.RecordJobTransition(string(prevStatus), string(job.Status))
	}

	t.audit(ctx, event, true, "")
	t.notifyUpdate(job)
	return nil
}

// applyTrayReport detects mid-job spool swaps: a slot whose material or
// color changed closes its open segment at the previous report's fraction
// and opens a new one. Boundary detection is best-effort; the telemetry
// carries no explicit swap flag.
func (t *Tracker) applyTrayReport(ctx context.Context, job *models.PrintJob, trays []models.TraySnapshot) error {
	previous := make(map[int]models.TraySnapshot, len(job.LastTrayReport))
	for _, tray := range job.LastTrayReport {
		previous[tray.SlotID] = tray
	}

	for _, now := range trays {
		if !now.HasMaterial() {
			continue
		}

		prev, seen := previous[now.SlotID]
		if seen && prev.HasMaterial() && !swapped(prev, now) {
			continue
		}

		maxIdx, err := t.db.MaxSegmentIdx(ctx, job.ID, now.SlotID)
		if err != nil {
			return err
		}

		if seen && prev.HasMaterial() && maxIdx >= 0 {
			// The outgoing spool's last known fraction closes its segment.
			endFraction := 0.0
			if prev.RemainingFraction != nil {
				endFraction = *prev.RemainingFraction
			}
			if err := t.db.CloseTraySegment(ctx, job.ID, now.SlotID, maxIdx, endFraction); err != nil {
				return err
			}
			logging.Info().
				Str("job_id", job.ID).
				Int("tray", now.SlotID).
				Int("segment", maxIdx).
				Msg("Mid-job spool swap detected, segment closed")
		}

		seg := &models.TraySegment{
			JobID:          job.ID,
			TrayID:         now.SlotID,
			SegmentIdx:     maxIdx + 1,
			Material:       now.Material,
			ColorSignal:    now.ColorSignal,
			OfficialSignal: now.OfficialSignal,
			StartFraction:  now.RemainingFraction,
		}
		if err := t.db.OpenTraySegment(ctx, seg); err != nil {
			return err
		}
	}

	return nil
}

// swapped reports whether a slot's loaded spool identity changed.
func swapped(prev, now models.TraySnapshot) bool {
	return deref(prev.Material) != deref(now.Material) ||
		deref(prev.ColorSignal) != deref(now.ColorSignal)
}

// handleTerminal flips the job terminal, stamps settled_at, and runs the
// settlement ladder, all in one transaction. A replayed terminal event is
// absorbed by the compare-and-set, never re-settled.
func (t *Tracker) handleTerminal(ctx context.Context, event *models.NormalizedEvent, status models.JobStatus) error {
	job, err := t.resolveOpenJob(ctx, event)
	if err != nil || job == nil {
		return err
	}

	prevStatus := job.Status
	job.Status = status
	if event.ProgressFraction != nil {
		job.ProgressFraction = *event.ProgressFraction
	}
	endedAt := event.OccurredAt
	job.EndedAt = &endedAt

	// End fractions come from the last report before termination, never
	// from the terminal event itself, which may carry post-unload states.
	endFractions := make(map[int]float64)
	for _, tray := range job.LastTrayReport {
		if tray.HasMaterial() && tray.RemainingFraction != nil {
			endFractions[tray.SlotID] = *tray.RemainingFraction
		}
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin settlement transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := t.db.MarkJobTerminalTx(ctx, tx, job.ID, status, endedAt, job.ProgressFraction); err != nil {
		if errors.Is(err, models.ErrAlreadySettled) {
			// The audit write needs the pool; release the transaction first.
			_ = tx.Rollback()
			t.audit(ctx, event, false, "job already terminal")
			return nil
		}
		return err
	}
	if err := t.db.MarkJobSettledTx(ctx, tx, job.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, models.ErrAlreadySettled) {
			_ = tx.Rollback()
			t.audit(ctx, event, false, "settlement already ran")
			return nil
		}
		return err
	}
	if err := t.db.CloseOpenSegmentsTx(ctx, tx, job.ID, endFractions); err != nil {
		return err
	}

	records, err := t.settler.SettleTx(ctx, tx, job)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement transaction: %w", err)
	}

	metrics.RecordJobTransition(string(prevStatus), string(status))
	t.audit(ctx, event, true, "")

	settled, err := t.db.GetJob(ctx, job.ID)
	if err != nil {
		settled = job
	}
	t.notifyUpdate(settled)
	if t.notifier != nil {
		t.notifier.JobSettled(settled, records)
	}

	logging.Info().
		Str("job_id", job.ID).
		Str("status", string(status)).
		Int("records", len(records)).
		Msg("Print job terminated and settled")
	return nil
}

// resolveOpenJob finds the open job a non-start event refers to. Returns
// (nil, nil) after auditing when the event must be dropped or absorbed.
func (t *Tracker) resolveOpenJob(ctx context.Context, event *models.NormalizedEvent) (*models.PrintJob, error) {
	jobKey := *event.JobKey

	job, err := t.db.GetActiveJobByKey(ctx, event.PrinterID, jobKey)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, models.ErrJobNotFound) {
		return nil, err
	}

	// No open job. A terminal-state job absorbs the event for audit only;
	// a never-seen key is an unknown reference and is dropped.
	latest, lerr := t.db.GetLatestJobByKey(ctx, event.PrinterID, jobKey)
	if lerr == nil && latest.Status.Terminal() {
		metrics.RecordEventDropped("terminal_state")
		t.audit(ctx, event, false, "job already in terminal state")
		return nil, nil
	}

	uerr := &models.UnknownJobReferenceError{PrinterID: event.PrinterID, JobKey: jobKey}
	logging.Warn().Err(uerr).Str("event_type", string(event.EventType)).Msg("Dropping event for unknown job")
	metrics.RecordEventDropped("unknown_job")
	t.audit(ctx, event, false, uerr.Error())
	return nil, nil
}

func (t *Tracker) audit(ctx context.Context, event *models.NormalizedEvent, applied bool, note string) {
	row := &models.EventAudit{
		PrinterID:  event.PrinterID,
		SequenceID: event.SequenceID,
		EventType:  event.EventType,
		OccurredAt: event.OccurredAt,
		Applied:    applied,
		Note:       note,
	}
	if event.JobKey != nil {
		row.JobKey = *event.JobKey
	}
	if err := t.db.AppendEventAudit(ctx, row); err != nil {
		logging.Error().Err(err).Msg("Failed to append event audit row")
	}
}

// auditDrop records a dropped event when enough identity survives to audit.
func (t *Tracker) auditDrop(ctx context.Context, event *models.NormalizedEvent, note string) {
	if event.PrinterID == "" {
		return
	}
	t.audit(ctx, event, false, note)
}

func (t *Tracker) notifyUpdate(job *models.PrintJob) {
	if t.notifier != nil {
		t.notifier.JobUpdated(job)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
