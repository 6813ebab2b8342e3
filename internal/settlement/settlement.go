// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package settlement converts a terminated job's telemetry into
// ledger-affecting consumption records via a strategy ladder:
//
//  1. AMS remaining-fraction diff against the matched stock item (high
//     confidence), summing per-segment deltas across mid-job swaps.
//  2. Slicer-predicted tray weight scaled by completion fraction (medium).
//  3. Pending attribution for human entry (low).
//
// Every automatic write is guarded by the (job_id, tray_id) idempotency
// key, so re-running settlement after a crash is safe.
package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/config"
	"github.com/yangtao121/Bambu-consumables-management/internal/database"
	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/matcher"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// Settler runs the settlement ladder and owns all ConsumptionRecord
// creation for terminated jobs.
type Settler struct {
	db      *database.DB
	matcher *matcher.Matcher
	cfg     config.SettlementConfig
}

// New creates a Settler.
func New(db *database.DB, m *matcher.Matcher, cfg config.SettlementConfig) *Settler {
	return &Settler{db: db, matcher: m, cfg: cfg}
}

// trayUsage is the per-tray input to the ladder: identity from the binding
// snapshot, consumed fraction from summed segment deltas.
type trayUsage struct {
	trayID   int
	identity models.TraySnapshot

	// fractionDelta is the summed consumed remaining-fraction across
	// segments; usable only when every segment had both boundaries.
	fractionDelta float64
	deltaUsable   bool
}

// SettleTx runs the ladder for a terminated job inside the transaction that
// flipped it terminal and stamped settled_at. Returns the records written
// or deferred.
func (s *Settler) SettleTx(ctx context.Context, tx *sql.Tx, job *models.PrintJob) ([]models.ConsumptionRecord, error) {
	start := time.Now()

	segments, err := s.db.ListTraySegmentsTx(ctx, tx, job.ID)
	if err != nil {
		return nil, err
	}
	estimates, err := s.db.GetTrayEstimatesTx(ctx, tx, job.ID)
	if err != nil {
		return nil, err
	}

	usages := collectTrayUsage(job, segments)

	// Matching reads the stock catalog through the open transaction; the
	// pooled connection is unavailable until the terminal flip commits.
	m := matcher.New(s.db.TxStore(tx))

	records := make([]models.ConsumptionRecord, 0, len(usages))
	for _, usage := range usages {
		rec, err := s.settleTray(ctx, tx, m, job, usage, estimates)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, *rec)
		}
	}

	metrics.SettlementDuration.Observe(time.Since(start).Seconds())
	return records, nil
}

// collectTrayUsage derives the set of trays active at any point during the
// job: every tray with a segment, plus bound trays that never got one.
func collectTrayUsage(job *models.PrintJob, segments []models.TraySegment) []trayUsage {
	byTray := make(map[int][]models.TraySegment)
	order := make([]int, 0, models.AMSTrayCount)
	for _, seg := range segments {
		if _, seen := byTray[seg.TrayID]; !seen {
			order = append(order, seg.TrayID)
		}
		byTray[seg.TrayID] = append(byTray[seg.TrayID], seg)
	}

	binding := make(map[int]models.TraySnapshot)
	for _, tray := range job.TrayBindingSnapshot {
		binding[tray.SlotID] = tray
		if _, seen := byTray[tray.SlotID]; !seen && tray.HasMaterial() {
			order = append(order, tray.SlotID)
		}
	}

	usages := make([]trayUsage, 0, len(order))
	for _, trayID := range order {
		usage := trayUsage{trayID: trayID}
		if snap, ok := binding[trayID]; ok {
			usage.identity = snap
		} else if segs := byTray[trayID]; len(segs) > 0 {
			// Tray appeared mid-job; its first segment carries identity.
			usage.identity = models.TraySnapshot{
				SlotID:         trayID,
				Material:       segs[0].Material,
				ColorSignal:    segs[0].ColorSignal,
				OfficialSignal: segs[0].OfficialSignal,
			}
		}

		usage.fractionDelta, usage.deltaUsable = sumSegmentDeltas(byTray[trayID])
		usages = append(usages, usage)
	}

	return usages
}

// sumSegmentDeltas sums consumed fractions across swap boundaries. The sum
// is unusable when any segment is missing a boundary fraction.
func sumSegmentDeltas(segments []models.TraySegment) (float64, bool) {
	if len(segments) == 0 {
		return 0, false
	}
	var total float64
	for _, seg := range segments {
		delta, ok := seg.Delta()
		if !ok {
			return 0, false
		}
		total += delta
	}
	return total, true
}

// settleTray applies the ladder to one tray. A nil record with nil error
// means the idempotency guard skipped an already-settled tray.
func (s *Settler) settleTray(ctx context.Context, tx *sql.Tx, m *matcher.Matcher, job *models.PrintJob, usage trayUsage, estimates map[int]float64) (*models.ConsumptionRecord, error) {
	trayID := usage.trayID

	// One active record per (job, tray), whatever strategy produced it. A
	// crash-retry or a replayed terminal event must not stack a second
	// settled or pending row for the tray.
	existing, err := s.db.FindActiveConsumptionTx(ctx, tx, job.ID, &trayID)
	if err != nil && !errors.Is(err, models.ErrRecordNotFound) {
		return nil, err
	}
	if existing != nil {
		logging.Info().
			Str("job_id", job.ID).
			Int("tray", trayID).
			Str("source", string(existing.Source)).
			Msg("Active consumption record exists, skipping duplicate settlement write")
		metrics.SettlementsSkipped.Inc()
		return nil, nil
	}

	match, err := m.Match(ctx, usage.identity)
	if err != nil {
		return nil, err
	}

	// Strategy 1: AMS remaining-fraction diff.
	if usage.deltaUsable {
		delta := usage.fractionDelta
		if delta < -s.cfg.NegativeDeltaTolerance {
			// Beyond firmware noise: the reading is untrustworthy, fall
			// through to the next strategy.
			logging.Warn().
				Str("job_id", job.ID).
				Int("tray", trayID).
				Float64("delta", delta).
				Msg("Negative AMS fraction delta beyond tolerance, falling through")
		} else {
			if delta < 0 {
				delta = 0
			}
			if match.Status == matcher.StatusMatched {
				grams := -delta * match.Item.RollWeightGrams
				return s.writeSettled(ctx, tx, job, trayID, usage.identity, match, grams,
					models.SourceAMSRemainDiff, models.ConfidenceHigh)
			}
			// Usable diff but no unique stock item: defer with the pct
			// figure so the resolver can convert it.
			return s.writePending(ctx, tx, job, trayID, usage.identity, models.UnitPct, delta*100)
		}
	}

	// Strategy 2: slicer estimate scaled by completion.
	if predicted, ok := estimates[trayID]; ok && predicted > 0 {
		scaled := predicted * job.CompletionFraction()
		if match.Status == matcher.StatusMatched {
			return s.writeSettled(ctx, tx, job, trayID, usage.identity, match, -scaled,
				models.SourceSlicerEstimate, models.ConfidenceMedium)
		}
		return s.writePending(ctx, tx, job, trayID, usage.identity, models.UnitGrams, scaled)
	}

	// Strategy 3: nothing usable, defer without an automatic figure.
	return s.writePending(ctx, tx, job, trayID, usage.identity, "", 0)
}

// writeSettled appends the ledger entry and its consumption record for a
// successfully matched tray. The caller has already cleared the
// idempotency guard for the tray.
func (s *Settler) writeSettled(ctx context.Context, tx *sql.Tx, job *models.PrintJob, trayID int,
	identity models.TraySnapshot, match *matcher.Result, grams float64,
	source models.ConsumptionSource, confidence models.Confidence) (*models.ConsumptionRecord, error) {

	entry := &models.MaterialLedgerEntry{
		StockItemID: match.Item.ID,
		DeltaGrams:  grams,
		Kind:        models.LedgerKindConsumption,
		JobID:       &job.ID,
	}
	if err := s.db.AppendLedgerTx(ctx, tx, entry); err != nil {
		return nil, err
	}
	metrics.RecordLedgerAppend(string(models.LedgerKindConsumption))

	rec := &models.ConsumptionRecord{
		JobID:          job.ID,
		TrayID:         &trayID,
		StockItemID:    &match.Item.ID,
		Grams:          grams,
		Source:         source,
		Confidence:     confidence,
		Material:       deref(identity.Material),
		ColorSignal:    match.ColorHex,
		OfficialSignal: identity.OfficialSignal,
		LedgerEntryID:  &entry.ID,
	}
	if err := s.db.InsertConsumptionTx(ctx, tx, rec); err != nil {
		return nil, err
	}

	metrics.RecordSettlement(string(source), string(confidence))
	logging.Info().
		Str("job_id", job.ID).
		Int("tray", trayID).
		Str("stock_item_id", match.Item.ID).
		Float64("grams", grams).
		Str("source", string(source)).
		Msg("Tray settled")

	return rec, nil
}

// writePending records an unresolved tray for human attribution. Unit and
// value carry the best available consumption figure, when any. The record
// keeps the pending source until resolution restamps it, so it never
// masquerades as an automatic settlement.
func (s *Settler) writePending(ctx context.Context, tx *sql.Tx, job *models.PrintJob, trayID int,
	identity models.TraySnapshot, unit string, value float64) (*models.ConsumptionRecord, error) {

	rec := &models.ConsumptionRecord{
		JobID:          job.ID,
		TrayID:         &trayID,
		Source:         models.SourcePending,
		Confidence:     models.ConfidenceLow,
		Material:       deref(identity.Material),
		ColorSignal:    deref(identity.ColorSignal),
		OfficialSignal: identity.OfficialSignal,
		Unit:           unit,
		Value:          value,
	}
	if err := s.db.InsertConsumptionTx(ctx, tx, rec); err != nil {
		return nil, err
	}

	metrics.SettlementsPending.Inc()
	logging.Info().
		Str("job_id", job.ID).
		Int("tray", trayID).
		Str("material", rec.Material).
		Str("color_signal", rec.ColorSignal).
		Msg("Tray deferred to pending attribution")

	return rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
