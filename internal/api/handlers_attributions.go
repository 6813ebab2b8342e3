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

// ListPendingAttributions returns unresolved consumption records along
// with their candidate stock items.
func (h *Handler) ListPendingAttributions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit, offset := h.parsePagination(r)

	pending, err := h.settler.PendingAttributions(r.Context(), limit, offset)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	total, err := h.db.CountPendingAttributions(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.SuccessWithPagination(pending, &PaginationMeta{
		Total:   int64(total),
		Count:   len(pending),
		Offset:  offset,
		Limit:   limit,
		HasMore: offset+len(pending) < total,
	})
}

// ResolveAttribution attributes a pending consumption record to a
// stock item, booking the ledger entry the settlement could not.
func (h *Handler) ResolveAttribution(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req ResolveAttributionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	record, err := h.settler.ResolvePending(r.Context(), chi.URLParam(r, "id"), req.StockItemID, req.Grams)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrRecordNotFound):
			rw.NotFound("pending attribution not found")
		case errors.Is(err, models.ErrStockItemNotFound):
			rw.NotFound("stock item not found")
		case errors.Is(err, models.ErrAlreadyResolved):
			rw.Conflict("pending attribution already resolved")
		default:
			rw.DatabaseError(err)
		}
		return
	}

	if h.hub != nil {
		h.hub.PendingAttributionResolved(record)
	}

	rw.Success(record)
}
