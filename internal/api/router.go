// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yangtao121/Bambu-consumables-management/internal/config"
)

// Setup builds the chi router with all routes and middleware.
func Setup(h *Handler, cfg *config.Config) http.Handler {
	mwConfig := DefaultMiddlewareConfig()
	if cfg != nil {
		mwConfig.CORSAllowedOrigins = cfg.API.CORSOrigins
		if cfg.API.RateLimitReqs > 0 {
			mwConfig.RateLimitRequests = cfg.API.RateLimitReqs
		}
		if cfg.API.RateLimitWindow > 0 {
			mwConfig.RateLimitWindow = cfg.API.RateLimitWindow
		}
		mwConfig.RateLimitDisabled = cfg.API.RateLimitDisabled
	}
	mw := NewMiddleware(mwConfig)

	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.CORS())
	r.Use(PrometheusMetrics)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APISecurityHeaders())

		r.Route("/health", func(r chi.Router) {
			r.Use(mw.RateLimitCustom(RateLimitHealth))
			r.Get("/", h.Health)
			r.Get("/live", h.HealthLive)
			r.Get("/ready", h.HealthReady)
		})

		r.Route("/events", func(r chi.Router) {
			r.Use(mw.RateLimitCustom(RateLimitIngest))
			r.Post("/", h.IngestEvent)
			r.Get("/audit", h.ListEventAudit)
		})

		r.Route("/printers", func(r chi.Router) {
			r.Use(mw.RateLimit())
			r.Get("/", h.ListPrinters)
			r.Post("/", h.CreatePrinter)
			r.Get("/{id}", h.GetPrinter)
			r.Delete("/{id}", h.DeletePrinter)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Use(mw.RateLimit())
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Get("/{id}/consumption", h.GetJobConsumption)
			r.Get("/{id}/segments", h.GetJobSegments)
			r.Get("/{id}/ledger", h.GetJobLedger)
			r.Get("/{id}/estimates", h.GetJobEstimates)
			r.Put("/{id}/estimates", h.PutJobEstimates)
		})

		r.Route("/stock", func(r chi.Router) {
			r.Use(mw.RateLimit())
			r.Get("/", h.ListStockItems)
			r.Post("/", h.CreateStockItem)
			r.Get("/{id}", h.GetStockItem)
			r.Put("/{id}", h.UpdateStockItem)
			r.Delete("/{id}", h.ArchiveStockItem)
			r.Get("/{id}/ledger", h.GetStockLedger)
			r.With(mw.RateLimitCustom(RateLimitWrite)).Post("/{id}/purchase", h.PurchaseStock)
			r.With(mw.RateLimitCustom(RateLimitWrite)).Post("/{id}/adjust", h.AdjustStock)
		})

		r.Route("/ledger", func(r chi.Router) {
			r.Use(mw.RateLimit())
			r.Get("/", h.ListLedger)
			r.Get("/{id}", h.GetLedgerEntry)
			r.With(mw.RateLimitCustom(RateLimitWrite)).Post("/{id}/void", h.VoidLedgerEntry)
		})

		r.Route("/attributions", func(r chi.Router) {
			r.Use(mw.RateLimit())
			r.Get("/pending", h.ListPendingAttributions)
			r.With(mw.RateLimitCustom(RateLimitWrite)).Post("/{id}/resolve", h.ResolveAttribution)
		})

		r.Route("/consumption", func(r chi.Router) {
			r.Use(mw.RateLimit())
			r.Get("/{id}", h.GetConsumption)
			r.With(mw.RateLimitCustom(RateLimitWrite)).Post("/", h.CreateManualConsumption)
		})

		r.Route("/colors", func(r chi.Router) {
			r.Use(mw.RateLimit())
			r.Get("/", h.ListColorMappings)
			r.Put("/{hex}", h.UpsertColorMapping)
			r.Delete("/{hex}", h.DeleteColorMapping)
		})

		r.With(mw.RateLimitCustom(RateLimitWebSocket)).Get("/ws", h.ServeWS)
	})

	return r
}
