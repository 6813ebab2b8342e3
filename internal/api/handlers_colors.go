// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

var hexCodePattern = regexp.MustCompile(`^[0-9A-F]{6}$`)

// ListColorMappings returns all hex-to-name color mappings.
func (h *Handler) ListColorMappings(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	mappings, err := h.db.ListColorMappings(r.Context())
	if err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(mappings)
}

// UpsertColorMapping names a color hex code. Trays reporting an
// unmapped hex settle as pending, so operators extend this table as
// new filament colors appear.
func (h *Handler) UpsertColorMapping(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	hex := normalizeHexParam(chi.URLParam(r, "hex"))
	if !hexCodePattern.MatchString(hex) {
		rw.BadRequest("color hex must be 6 hexadecimal digits")
		return
	}

	var req UpsertColorMappingRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	mapping := &models.ColorMapping{
		ColorHex:  hex,
		ColorName: req.ColorName,
		UpdatedAt: time.Now().UTC(),
	}

	if err := h.db.UpsertColorMapping(r.Context(), mapping); err != nil {
		rw.DatabaseError(err)
		return
	}

	rw.Success(mapping)
}

// DeleteColorMapping removes a hex-to-name mapping.
func (h *Handler) DeleteColorMapping(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	hex := normalizeHexParam(chi.URLParam(r, "hex"))
	if !hexCodePattern.MatchString(hex) {
		rw.BadRequest("color hex must be 6 hexadecimal digits")
		return
	}

	if err := h.db.DeleteColorMapping(r.Context(), hex); err != nil {
		if errors.Is(err, models.ErrMappingNotFound) {
			rw.NotFound("color mapping not found")
			return
		}
		rw.DatabaseError(err)
		return
	}

	rw.NoContent()
}

// normalizeHexParam strips an optional leading # and an alpha-channel
// suffix, then upper-cases. Device color codes arrive as RRGGBBAA.
func normalizeHexParam(raw string) string {
	hex := strings.ToUpper(strings.TrimPrefix(raw, "#"))
	if len(hex) == 8 {
		hex = hex[:6]
	}
	return hex
}
