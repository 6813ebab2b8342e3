// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// ListJobs returns print jobs, optionally filtered by printer and
// status.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit, offset := h.parsePagination(r)

	printerID := r.URL.Query().Get("printer_id")

	var status models.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = models.JobStatus(raw)
		if !status.Valid() {
			rw.BadRequest("unknown job status: " + raw)
			return
		}
	}

	jobs, err := h.db.ListJobs(r.Context(), printerID, status, limit, offset)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.SuccessWithPagination(jobs, &PaginationMeta{
		Count:   len(jobs),
		Offset:  offset,
		Limit:   limit,
		HasMore: len(jobs) == limit,
	})
}

// GetJob returns one print job by ID.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	job, err := h.db.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			rw.NotFound("print job not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Success(job)
}

// GetJobConsumption returns the consumption records booked for a job.
func (h *Handler) GetJobConsumption(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	jobID := chi.URLParam(r, "id")
	if _, err := h.db.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			rw.NotFound("print job not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	records, err := h.db.ListConsumptionByJob(r.Context(), jobID)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(records)
}

// GetJobSegments returns the tray usage segments recorded for a job.
func (h *Handler) GetJobSegments(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	jobID := chi.URLParam(r, "id")
	if _, err := h.db.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			rw.NotFound("print job not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	segments, err := h.db.ListTraySegments(r.Context(), jobID)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(segments)
}

// GetJobLedger returns the ledger entries a job produced.
func (h *Handler) GetJobLedger(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	jobID := chi.URLParam(r, "id")
	if _, err := h.db.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			rw.NotFound("print job not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	entries, err := h.db.ListLedgerByJob(r.Context(), jobID)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(entries)
}

// PutJobEstimates stores slicer-predicted tray weights for a job.
// Estimates recorded before the job terminates participate in
// settlement; later ones only inform manual resolution.
func (h *Handler) PutJobEstimates(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	jobID := chi.URLParam(r, "id")
	if _, err := h.db.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			rw.NotFound("print job not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	var req PutEstimatesRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	for _, tray := range req.Trays {
		est := &models.TrayEstimate{
			JobID:          jobID,
			TrayID:         tray.TrayID,
			PredictedGrams: tray.PredictedGrams,
		}
		if err := h.db.UpsertTrayEstimate(r.Context(), est); err != nil {
			rw.DatabaseError(err)
			return
		}
	}

	rw.Success(map[string]interface{}{
		"job_id": jobID,
		"trays":  len(req.Trays),
	})
}

// GetJobEstimates returns the stored tray weight predictions for a job.
func (h *Handler) GetJobEstimates(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	jobID := chi.URLParam(r, "id")
	estimates, err := h.db.GetTrayEstimates(r.Context(), jobID)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	trays := make([]TrayEstimateEntry, 0, len(estimates))
	for trayID, grams := range estimates {
		trays = append(trays, TrayEstimateEntry{TrayID: trayID, PredictedGrams: grams})
	}

	rw.Success(map[string]interface{}{
		"job_id": jobID,
		"trays":  trays,
	})
}
