// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package metrics provides Prometheus instrumentation for the settlement
// engine: event ingestion and processing, job lifecycle, settlement
// strategies, ledger writes, and API latency.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event pipeline metrics
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printer_events_ingested_total",
			Help: "Total number of normalized printer events accepted for processing",
		},
		[]string{"event_type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "printer_events_dropped_total",
			Help: "Total number of events dropped before application",
		},
		[]string{"reason"}, // "malformed", "unknown_printer", "unknown_job", "terminal_state"
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "printer_event_processing_duration_seconds",
			Help:    "Duration of event application including database writes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// Job lifecycle metrics
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "print_job_transitions_total",
			Help: "Total number of job state transitions",
		},
		[]string{"from", "to"},
	)

	JobsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "print_jobs_open",
			Help: "Current number of jobs in a non-terminal state",
		},
	)

	// Settlement metrics
	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlements_total",
			Help: "Total number of per-tray settlement outcomes",
		},
		[]string{"source", "confidence"},
	)

	SettlementsPending = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlements_pending_total",
			Help: "Total number of trays deferred to manual attribution",
		},
	)

	SettlementsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "settlements_skipped_total",
			Help: "Total number of settlement writes skipped by the idempotency guard",
		},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "settlement_duration_seconds",
			Help:    "Duration of the settlement transaction for a terminated job",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Ledger metrics
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "material_ledger_appends_total",
			Help: "Total number of material ledger entries appended",
		},
		[]string{"kind"},
	)

	LedgerVoids = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "material_ledger_voids_total",
			Help: "Total number of ledger entries voided",
		},
	)

	// Database metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// WebSocket metrics
	WSClientsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_clients_connected",
			Help: "Current number of connected WebSocket clients",
		},
	)

	WSMessagesBroadcast = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_broadcast_total",
			Help: "Total number of WebSocket messages broadcast",
		},
		[]string{"type"},
	)

	// Slicer sidecar metrics
	SlicerFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slicer_estimate_fetches_total",
			Help: "Total number of slicer estimate fetches from the collector sidecar",
		},
		[]string{"outcome"}, // "success", "error", "circuit_open"
	)
)

// RecordEventIngested increments the ingestion counter for an event type.
func RecordEventIngested(eventType string) {
	EventsIngested.WithLabelValues(eventType).Inc()
}

// RecordEventDropped increments the drop counter with the given reason.
func RecordEventDropped(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// RecordEventProcessing observes the duration of applying an event.
func RecordEventProcessing(eventType string, duration time.Duration) {
	EventProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordJobTransition increments the transition counter.
func RecordJobTransition(from, to string) {
	JobTransitions.WithLabelValues(from, to).Inc()
}

// RecordSettlement increments the settlement outcome counter.
func RecordSettlement(source, confidence string) {
	SettlementsTotal.WithLabelValues(source, confidence).Inc()
}

// RecordLedgerAppend increments the ledger append counter for a kind.
func RecordLedgerAppend(kind string) {
	LedgerAppends.WithLabelValues(kind).Inc()
}

// RecordDBQuery observes a database query duration.
func RecordDBQuery(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordDBError increments the database error counter.
func RecordDBError(operation, table string) {
	DBQueryErrors.WithLabelValues(operation, table).Inc()
}

// RecordAPIRequest records an API request with its duration.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordWSBroadcast increments the broadcast counter for a message type.
func RecordWSBroadcast(messageType string) {
	WSMessagesBroadcast.WithLabelValues(messageType).Inc()
}
