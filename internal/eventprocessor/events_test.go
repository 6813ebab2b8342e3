// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package eventprocessor

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func testEvent(seq uint64) *models.NormalizedEvent {
	return &models.NormalizedEvent{
		SequenceID:       seq,
		PrinterID:        "printer-1",
		JobKey:           strPtr("job-abc"),
		EventType:        models.EventPrintProgress,
		OccurredAt:       time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		ProgressFraction: floatPtr(0.42),
		AMSTrays: []models.TraySnapshot{
			{
				SlotID:            0,
				Material:          strPtr("PLA"),
				ColorSignal:       strPtr("FFFFFF"),
				RemainingFraction: floatPtr(0.8),
				OfficialSignal:    true,
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	event := testEvent(42)

	msg, err := EncodeEvent(event)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}

	if got := msg.Metadata.Get(MetadataPrinterID); got != "printer-1" {
		t.Errorf("printer_id metadata = %q, want %q", got, "printer-1")
	}
	if got := msg.Metadata.Get(MetadataSequenceID); got != "42" {
		t.Errorf("sequence_id metadata = %q, want %q", got, "42")
	}
	if got := msg.Metadata.Get(MetadataEventType); got != string(models.EventPrintProgress) {
		t.Errorf("event_type metadata = %q, want %q", got, models.EventPrintProgress)
	}
	if got := msg.Metadata.Get(MetadataDedupeKey); got != "printer-1:42" {
		t.Errorf("dedupe_key metadata = %q, want %q", got, "printer-1:42")
	}

	decoded, err := DecodeEvent(msg)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}

	if decoded.PrinterID != event.PrinterID {
		t.Errorf("PrinterID = %q, want %q", decoded.PrinterID, event.PrinterID)
	}
	if decoded.SequenceID != event.SequenceID {
		t.Errorf("SequenceID = %d, want %d", decoded.SequenceID, event.SequenceID)
	}
	if decoded.JobKey == nil || *decoded.JobKey != "job-abc" {
		t.Errorf("JobKey = %v, want job-abc", decoded.JobKey)
	}
	if !decoded.OccurredAt.Equal(event.OccurredAt) {
		t.Errorf("OccurredAt = %v, want %v", decoded.OccurredAt, event.OccurredAt)
	}
	if len(decoded.AMSTrays) != 1 {
		t.Fatalf("AMSTrays length = %d, want 1", len(decoded.AMSTrays))
	}
	tray := decoded.AMSTrays[0]
	if tray.Material == nil || *tray.Material != "PLA" {
		t.Errorf("tray material = %v, want PLA", tray.Material)
	}
	if !tray.OfficialSignal {
		t.Error("tray official signal lost in round trip")
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	msg := message.NewMessage("uuid-1", []byte("{not json"))
	if _, err := DecodeEvent(msg); err == nil {
		t.Error("DecodeEvent() accepted malformed payload")
	}
}

func TestDedupeKeysDifferPerSequence(t *testing.T) {
	a, err := EncodeEvent(testEvent(1))
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	b, err := EncodeEvent(testEvent(2))
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}

	if a.Metadata.Get(MetadataDedupeKey) == b.Metadata.Get(MetadataDedupeKey) {
		t.Error("different sequence numbers produced the same dedupe key")
	}
}
