// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// CreateStockItem adds a spool type to stock. An initial_grams value
// seeds the ledger with an opening purchase so the balance starts
// non-zero.
func (h *Handler) CreateStockItem(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req CreateStockItemRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	now := time.Now().UTC()
	item := &models.StockItem{
		ID:              uuid.New().String(),
		Material:        req.Material,
		Color:           req.Color,
		Brand:           req.Brand,
		IsOfficial:      req.IsOfficial,
		RollWeightGrams: req.RollWeightGrams,
		ColorHexBinding: normalizeHexBinding(req.ColorHexBinding),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.db.CreateStockItem(r.Context(), item); err != nil {
		if errors.Is(err, models.ErrStockItemConflict) {
			rw.Conflict(err.Error())
			return
		}
		rw.DatabaseError(err)
		return
	}

	if req.InitialGrams != nil {
		if _, err := h.settler.Purchase(r.Context(), item.ID, *req.InitialGrams, "initial stock"); err != nil {
			logging.Err(err).Str("stock_item_id", item.ID).Msg("Failed to record initial purchase")
			rw.DatabaseError(err)
			return
		}
		item.RemainingGrams = *req.InitialGrams
	}

	rw.Created(item)
}

// ListStockItems returns stock items with derived balances. Archived
// items are excluded unless include_archived=true.
func (h *Handler) ListStockItems(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	includeArchived := r.URL.Query().Get("include_archived") == "true"

	items, err := h.db.ListStockItems(r.Context(), includeArchived)
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(items)
}

// GetStockItem returns one stock item with its derived balance.
func (h *Handler) GetStockItem(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	item, err := h.db.GetStockItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrStockItemNotFound) {
			rw.NotFound("stock item not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Success(item)
}

// UpdateStockItem edits a stock item's descriptive fields. The ledger
// is untouched; balances never change through this endpoint.
func (h *Handler) UpdateStockItem(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	item, err := h.db.GetStockItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrStockItemNotFound) {
			rw.NotFound("stock item not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	var req UpdateStockItemRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	item.Material = req.Material
	item.Color = req.Color
	item.Brand = req.Brand
	item.IsOfficial = req.IsOfficial
	item.RollWeightGrams = req.RollWeightGrams
	item.ColorHexBinding = normalizeHexBinding(req.ColorHexBinding)
	item.UpdatedAt = time.Now().UTC()

	if err := h.db.UpdateStockItem(r.Context(), item); err != nil {
		if errors.Is(err, models.ErrStockItemConflict) {
			rw.Conflict(err.Error())
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Success(item)
}

// ArchiveStockItem hides a stock item from matching and listings. The
// item and its ledger history remain queryable by ID.
func (h *Handler) ArchiveStockItem(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := h.db.ArchiveStockItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrStockItemNotFound) {
			rw.NotFound("stock item not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.NoContent()
}

// PurchaseStock records an inbound purchase on a stock item.
func (h *Handler) PurchaseStock(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req PurchaseRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	entry, err := h.settler.Purchase(r.Context(), chi.URLParam(r, "id"), req.Grams, req.Note)
	if err != nil {
		if errors.Is(err, models.ErrStockItemNotFound) {
			rw.NotFound("stock item not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Created(entry)
}

// AdjustStock applies a manual correction entry. Negative deltas are
// allowed and may drive the balance below zero.
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req AdjustStockRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	entry, err := h.settler.Adjust(r.Context(), chi.URLParam(r, "id"), req.DeltaGrams, req.Reason)
	if err != nil {
		if errors.Is(err, models.ErrStockItemNotFound) {
			rw.NotFound("stock item not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Created(entry)
}

// GetStockLedger returns the ledger entries of one stock item.
func (h *Handler) GetStockLedger(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit, offset := h.parsePagination(r)

	stockItemID := chi.URLParam(r, "id")
	if _, err := h.db.GetStockItem(r.Context(), stockItemID); err != nil {
		if errors.Is(err, models.ErrStockItemNotFound) {
			rw.NotFound("stock item not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

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

// normalizeHexBinding upper-cases a hex binding so lookups are
// case-insensitive.
func normalizeHexBinding(hex *string) *string {
	if hex == nil {
		return nil
	}
	normalized := strings.ToUpper(strings.TrimPrefix(*hex, "#"))
	return &normalized
}
