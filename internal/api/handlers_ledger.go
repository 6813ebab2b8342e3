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

// ListLedger returns material ledger entries, optionally filtered by
// stock item and kind.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit, offset := h.parsePagination(r)

	stockItemID := r.URL.Query().Get("stock_item_id")

	var kind models.LedgerKind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		kind = models.LedgerKind(raw)
		if !kind.Valid() {
			rw.BadRequest("unknown ledger kind: " + raw)
			return
		}
	}

	entries, err := h.db.ListLedger(r.Context(), stockItemID, kind, limit, offset)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.SuccessWithPagination(entries, &PaginationMeta{
		Count:   len(entries),
		Offset:  offset,
		Limit:   limit,
		HasMore: len(entries) == limit,
	})
}

// GetLedgerEntry returns one ledger entry by ID.
func (h *Handler) GetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	entry, err := h.db.GetLedgerEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrLedgerEntryNotFound) {
			rw.NotFound("ledger entry not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Success(entry)
}

// VoidLedgerEntry voids an entry by appending a compensating reversal.
// Voiding twice is a conflict; the balance is restored exactly once.
func (h *Handler) VoidLedgerEntry(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req VoidLedgerRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	reversal, err := h.db.VoidLedgerEntry(r.Context(), id, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrLedgerEntryNotFound):
			rw.NotFound("ledger entry not found")
		case errors.Is(err, models.ErrAlreadyVoided):
			rw.Conflict("ledger entry already voided")
		default:
			rw.DatabaseError(err)
		}
		return
	}

	if h.hub != nil {
		if original, err := h.db.GetLedgerEntry(r.Context(), id); err == nil {
			h.hub.LedgerVoided(original, reversal)
		}
	}

	rw.Created(reversal)
}
