// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package api implements the HTTP surface: REST endpoints for
// printers, jobs, stock, the material ledger and pending
// attributions, plus event ingest and the WebSocket upgrade.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/config"
	"github.com/yangtao121/Bambu-consumables-management/internal/database"
	"github.com/yangtao121/Bambu-consumables-management/internal/eventprocessor"
	"github.com/yangtao121/Bambu-consumables-management/internal/settlement"
	"github.com/yangtao121/Bambu-consumables-management/internal/websocket"
)

// Handler carries the dependencies shared by all HTTP handlers.
type Handler struct {
	db        *database.DB
	publisher *eventprocessor.Publisher
	settler   *settlement.Settler
	hub       *websocket.Hub
	cfg       *config.Config
	startTime time.Time
}

// NewHandler creates the HTTP handler set.
func NewHandler(db *database.DB, publisher *eventprocessor.Publisher, settler *settlement.Settler, hub *websocket.Hub, cfg *config.Config) *Handler {
	return &Handler{
		db:        db,
		publisher: publisher,
		settler:   settler,
		hub:       hub,
		cfg:       cfg,
		startTime: time.Now(),
	}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	rw.Success(map[string]interface{}{
		"status":         "alive",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// HealthReady reports readiness, checking database connectivity.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	if err := h.db.Ping(r.Context()); err != nil {
		rw.ServiceUnavailable("database not reachable")
		return
	}

	rw.Success(map[string]interface{}{"status": "ready"})
}

// Health is the combined health endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	dbStatus := "ok"
	status := "healthy"
	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "unreachable"
		status = "degraded"
	}

	rw.Success(map[string]interface{}{
		"status":         status,
		"database":       dbStatus,
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
	})
}

// parsePagination reads limit and offset query parameters, applying
// the configured defaults and clamping limit to the maximum page size.
func (h *Handler) parsePagination(r *http.Request) (limit, offset int) {
	limit = h.cfg.API.DefaultPageSize
	if limit <= 0 {
		limit = 50
	}
	maxLimit := h.cfg.API.MaxPageSize
	if maxLimit <= 0 {
		maxLimit = 500
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	return limit, offset
}
