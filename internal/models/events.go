// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package models defines the domain types shared across the engine:
// normalized telemetry events, print jobs, stock items, the material
// ledger, and consumption records.
package models

import (
	"time"
)

// EventType identifies a normalized printer lifecycle event.
type EventType string

// Normalized event types delivered by the collector.
const (
	EventPrintStarted  EventType = "PrintStarted"
	EventPrintProgress EventType = "PrintProgress"
	EventPrintPaused   EventType = "PrintPaused"
	EventPrintEnded    EventType = "PrintEnded"
	EventPrintFailed   EventType = "PrintFailed"
)

// Valid reports whether the event type is one of the known types.
func (t EventType) Valid() bool {
	switch t {
	case EventPrintStarted, EventPrintProgress, EventPrintPaused, EventPrintEnded, EventPrintFailed:
		return true
	}
	return false
}

// Terminal reports whether the event type terminates a job.
func (t EventType) Terminal() bool {
	return t == EventPrintEnded || t == EventPrintFailed
}

// Gcode states reported by the printer firmware inside progress events.
const (
	GcodeStateRunning = "RUNNING"
	GcodeStatePause   = "PAUSE"
)

// AMSTrayCount is the number of slots in a single AMS unit.
// Multi-AMS printers are not supported.
const AMSTrayCount = 4

// TraySnapshot is a point-in-time report of one AMS slot.
// Absent telemetry fields stay nil; they are never coerced to zero.
type TraySnapshot struct {
	SlotID            int      `json:"slot_id"`
	Material          *string  `json:"material,omitempty"`
	ColorSignal       *string  `json:"color_signal,omitempty"`
	RemainingFraction *float64 `json:"remaining_fraction,omitempty"`

	// OfficialSignal is true when the tray reported an RFID tag or tray
	// UUID. Presence implies an official spool; absence implies
	// third-party or unknown. This is a heuristic, not ground truth.
	OfficialSignal bool `json:"official_signal"`
}

// HasMaterial reports whether the slot carries a loaded spool.
func (t *TraySnapshot) HasMaterial() bool {
	return t.Material != nil && *t.Material != ""
}

// NormalizedEvent is one record from the telemetry collector. The collector
// deduplicates at the transport layer and assigns SequenceID strictly
// increasing per printer; SequenceID is the ordering key, OccurredAt is
// advisory only.
type NormalizedEvent struct {
	SequenceID       uint64         `json:"sequence_id"`
	PrinterID        string         `json:"printer_id" validate:"required,uuid"`
	JobKey           *string        `json:"job_key,omitempty"`
	EventType        EventType      `json:"event_type" validate:"required"`
	OccurredAt       time.Time      `json:"occurred_at"`
	GcodeState       *string        `json:"gcode_state,omitempty"`
	ProgressFraction *float64       `json:"progress_fraction,omitempty"`
	TrayNow          *int           `json:"tray_now,omitempty"`
	AMSTrays         []TraySnapshot `json:"ams_trays,omitempty"`
	FileName         *string        `json:"file_name,omitempty"`
}

// Validate checks structural invariants of the event. A failure means the
// event is malformed and must be dropped, never that the stream is broken.
func (e *NormalizedEvent) Validate() error {
	if e.PrinterID == "" {
		return &MalformedEventError{Reason: "missing printer_id"}
	}
	if !e.EventType.Valid() {
		return &MalformedEventError{PrinterID: e.PrinterID, Reason: "unknown event_type " + string(e.EventType)}
	}
	if e.JobKey == nil || *e.JobKey == "" {
		// Only start events may create a job; everything else needs a key.
		return &MalformedEventError{PrinterID: e.PrinterID, Reason: "missing job_key"}
	}
	if e.ProgressFraction != nil && (*e.ProgressFraction < 0 || *e.ProgressFraction > 1) {
		return &MalformedEventError{PrinterID: e.PrinterID, Reason: "progress_fraction out of range"}
	}
	if e.TrayNow != nil && (*e.TrayNow < 0 || *e.TrayNow >= AMSTrayCount) {
		return &MalformedEventError{PrinterID: e.PrinterID, Reason: "tray_now out of range"}
	}
	for _, tray := range e.AMSTrays {
		if tray.SlotID < 0 || tray.SlotID >= AMSTrayCount {
			return &MalformedEventError{PrinterID: e.PrinterID, Reason: "ams tray slot_id out of range"}
		}
		if tray.RemainingFraction != nil && (*tray.RemainingFraction < 0 || *tray.RemainingFraction > 1) {
			return &MalformedEventError{PrinterID: e.PrinterID, Reason: "ams tray remaining_fraction out of range"}
		}
	}
	return nil
}
