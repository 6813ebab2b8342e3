// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// IngestEvent accepts a normalized printer event and hands it to the
// event pipeline. Processing is asynchronous: a 202 means the event was
// accepted for delivery, not that it mutated any job state.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var event models.NormalizedEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		metrics.RecordEventDropped("decode_error")
		rw.BadRequest(fmt.Sprintf("invalid event body: %v", err))
		return
	}

	if err := event.Validate(); err != nil {
		var malformed *models.MalformedEventError
		if errors.As(err, &malformed) {
			metrics.RecordEventDropped("malformed")
			rw.BadRequest(err.Error())
			return
		}
		rw.BadRequest(err.Error())
		return
	}

	if err := h.publisher.PublishEvent(r.Context(), &event); err != nil {
		logging.Err(err).
			Str("printer_id", event.PrinterID).
			Uint64("sequence_id", event.SequenceID).
			Msg("Failed to publish event")
		rw.ServiceUnavailable("event pipeline unavailable")
		return
	}

	rw.Accepted(map[string]interface{}{
		"printer_id":  event.PrinterID,
		"sequence_id": event.SequenceID,
		"event_type":  event.EventType,
	})
}

// ListEventAudit returns the accepted-event audit trail, optionally
// filtered by printer.
func (h *Handler) ListEventAudit(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	limit, offset := h.parsePagination(r)

	printerID := r.URL.Query().Get("printer_id")

	entries, err := h.db.ListEventAudit(r.Context(), printerID, limit, offset)
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
