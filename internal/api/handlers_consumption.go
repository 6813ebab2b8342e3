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

// CreateManualConsumption books consumption that settlement could not
// capture. The record is attributed immediately and flows to the
// ledger as a manual-source entry.
func (h *Handler) CreateManualConsumption(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req ManualConsumptionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	record, err := h.settler.CreateManual(r.Context(), req.JobID, req.StockItemID, req.Grams, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrJobNotFound):
			rw.NotFound("print job not found")
		case errors.Is(err, models.ErrStockItemNotFound):
			rw.NotFound("stock item not found")
		default:
			rw.DatabaseError(err)
		}
		return
	}

	rw.Created(record)
}

// GetConsumption returns one consumption record by ID.
func (h *Handler) GetConsumption(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	record, err := h.db.GetConsumption(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrRecordNotFound) {
			rw.NotFound("consumption record not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Success(record)
}
