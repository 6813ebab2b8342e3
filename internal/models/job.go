// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package models

import "time"

// JobStatus is the lifecycle state of a print job.
type JobStatus string

// Job lifecycle states. ended and failed are terminal and absorbing.
const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusPaused  JobStatus = "paused"
	JobStatusEnded   JobStatus = "ended"
	JobStatusFailed  JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusEnded || s == JobStatusFailed
}

// Valid reports whether the status is a known lifecycle state.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusPaused, JobStatusEnded, JobStatusFailed:
		return true
	}
	return false
}

// PrintJob is the authoritative record of one physical print, keyed by
// (printer_id, job_key). The tracker exclusively owns Status and the
// timestamps; SettledAt is set exactly once via compare-and-set inside the
// transaction that flips the terminal state.
type PrintJob struct {
	ID        string    `json:"id"`
	PrinterID string    `json:"printer_id"`
	JobKey    string    `json:"job_key"`
	FileName  string    `json:"file_name,omitempty"`
	Status    JobStatus `json:"status"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	ProgressFraction float64 `json:"progress_fraction"`
	ActiveTray       *int    `json:"active_tray,omitempty"`

	// TrayBindingSnapshot captures tray -> material/color/brand-signal at
	// PrintStarted. Attribution uses this snapshot even if the printer's
	// live tray report has since changed.
	TrayBindingSnapshot []TraySnapshot `json:"tray_binding_snapshot,omitempty"`

	// LastTrayReport is the most recent ams_trays report received before
	// termination. The termination event itself may carry post-unload
	// tray states and is never used for end fractions.
	LastTrayReport []TraySnapshot `json:"last_tray_report,omitempty"`

	SettledAt *time.Time `json:"settled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Settled reports whether settlement has run for this job.
func (j *PrintJob) Settled() bool {
	return j.SettledAt != nil
}

// CompletionFraction is the fraction of the sliced file actually printed:
// 1.0 for a clean end, the last reported progress for a failed print.
func (j *PrintJob) CompletionFraction() float64 {
	if j.Status == JobStatusEnded {
		return 1.0
	}
	return j.ProgressFraction
}

// TraySegment is one contiguous stretch of a single spool occupying a slot
// during a job. A mid-job swap (slot material or color change) closes the
// current segment and opens a new one; per-tray consumption sums segment
// deltas across swap boundaries.
type TraySegment struct {
	JobID         string  `json:"job_id"`
	TrayID        int     `json:"tray_id"`
	SegmentIdx    int     `json:"segment_idx"`
	Material      *string `json:"material,omitempty"`
	ColorSignal   *string `json:"color_signal,omitempty"`
	OfficialSignal bool   `json:"official_signal"`

	StartFraction *float64 `json:"start_fraction,omitempty"`
	EndFraction   *float64 `json:"end_fraction,omitempty"`
}

// Delta returns the consumed remaining-fraction for the segment, or false
// when either boundary fraction is missing.
func (s *TraySegment) Delta() (float64, bool) {
	if s.StartFraction == nil || s.EndFraction == nil {
		return 0, false
	}
	return *s.StartFraction - *s.EndFraction, true
}

// Printer is a registered printer. Events referencing an unregistered
// printer are malformed and dropped.
type Printer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// TrayEstimate is the slicer-predicted filament weight for one tray of a
// job, recorded from the sliced-file metadata.
type TrayEstimate struct {
	JobID          string  `json:"job_id"`
	TrayID         int     `json:"tray_id"`
	PredictedGrams float64 `json:"predicted_grams"`
}

// EventAudit is the immutable record of every accepted event, including
// post-terminal events that cause no state mutation.
type EventAudit struct {
	ID         string    `json:"id"`
	PrinterID  string    `json:"printer_id"`
	JobKey     string    `json:"job_key,omitempty"`
	SequenceID uint64    `json:"sequence_id"`
	EventType  EventType `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Applied    bool      `json:"applied"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
