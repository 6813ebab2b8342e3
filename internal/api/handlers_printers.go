// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// CreatePrinter registers a printer.
func (h *Handler) CreatePrinter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req CreatePrinterRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	printer := &models.Printer{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.db.CreatePrinter(r.Context(), printer); err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Created(printer)
}

// ListPrinters returns all registered printers.
func (h *Handler) ListPrinters(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	printers, err := h.db.ListPrinters(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(printers)
}

// GetPrinter returns one printer by ID.
func (h *Handler) GetPrinter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	printer, err := h.db.GetPrinter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrPrinterNotFound) {
			rw.NotFound("printer not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.Success(printer)
}

// DeletePrinter unregisters a printer. Historical jobs and audit
// entries referencing it are kept.
func (h *Handler) DeletePrinter(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := h.db.DeletePrinter(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, models.ErrPrinterNotFound) {
			rw.NotFound("printer not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.NoContent()
}
