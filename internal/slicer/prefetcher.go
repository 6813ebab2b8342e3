// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package slicer

import (
	"context"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/cache"
	"github.com/yangtao121/Bambu-consumables-management/internal/database"
	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// Prefetcher fetches tray estimates in the background when a job
// starts, so they are already stored by the time settlement may need
// them. It implements the tracker's estimate source interface.
type Prefetcher struct {
	client *Client
	db     *database.DB

	// seen suppresses repeat fetches for the same job, e.g. when a
	// duplicate start report slips through.
	seen *cache.DedupeCache

	fetchTimeout time.Duration
}

// NewPrefetcher wires the sidecar client to estimate storage.
func NewPrefetcher(client *Client, db *database.DB) *Prefetcher {
	return &Prefetcher{
		client:       client,
		db:           db,
		seen:         cache.NewDedupeCache(1024, time.Hour),
		fetchTimeout: 30 * time.Second,
	}
}

// Prefetch asynchronously fetches and stores estimates for a job.
// Failures are logged only; settlement falls back to pending
// attribution when no estimate is stored.
func (p *Prefetcher) Prefetch(jobID, fileName string) {
	if fileName == "" {
		return
	}
	if p.seen.Seen(jobID) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.fetchTimeout)
		defer cancel()

		trays, err := p.client.FetchEstimates(ctx, fileName)
		if err != nil {
			logging.Warn().
				Err(err).
				Str("job_id", jobID).
				Str("file_name", fileName).
				Msg("slicer estimate prefetch failed")
			return
		}
		if len(trays) == 0 {
			logging.Debug().
				Str("job_id", jobID).
				Str("file_name", fileName).
				Msg("no slicer estimates for file")
			return
		}

		for _, tray := range trays {
			est := &models.TrayEstimate{
				JobID:          jobID,
				TrayID:         tray.TrayID,
				PredictedGrams: tray.PredictedGrams,
			}
			if err := p.db.UpsertTrayEstimate(ctx, est); err != nil {
				logging.Error().
					Err(err).
					Str("job_id", jobID).
					Int("tray_id", tray.TrayID).
					Msg("failed to store slicer estimate")
				return
			}
		}

		logging.Info().
			Str("job_id", jobID).
			Str("file_name", fileName).
			Int("trays", len(trays)).
			Msg("slicer estimates stored")
	}()
}
