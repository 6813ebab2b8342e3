// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package eventprocessor provides the event transport layer for printer
// telemetry. Normalized printer events are published to a Watermill
// Pub/Sub (in-process Go channels by default, NATS JetStream when
// configured) and consumed by a Router that feeds the job tracker.
package eventprocessor

import (
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// Topic names. Printer events carry the full normalized telemetry
// stream; the poison topic receives messages that exhausted retries.
const (
	TopicPrinterEvents = "printer.events"
	TopicPoisonQueue   = "printer.events.poison"
)

// Message metadata keys.
const (
	MetadataPrinterID  = "printer_id"
	MetadataSequenceID = "sequence_id"
	MetadataEventType  = "event_type"
	MetadataDedupeKey  = "dedupe_key"
)

// EncodeEvent marshals a normalized event into a Watermill message.
// The deduplication key is derived from the printer and per-printer
// sequence number so replays of the same report collapse regardless of
// message UUID.
func EncodeEvent(event *models.NormalizedEvent) (*message.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), payload)
	msg.Metadata.Set(MetadataPrinterID, event.PrinterID)
	msg.Metadata.Set(MetadataSequenceID, strconv.FormatUint(event.SequenceID, 10))
	msg.Metadata.Set(MetadataEventType, string(event.EventType))
	msg.Metadata.Set(MetadataDedupeKey, event.PrinterID+":"+strconv.FormatUint(event.SequenceID, 10))

	return msg, nil
}

// DecodeEvent unmarshals a Watermill message payload back into a
// normalized event.
func DecodeEvent(msg *message.Message) (*models.NormalizedEvent, error) {
	var event models.NormalizedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event %s: %w", msg.UUID, err)
	}
	return &event, nil
}
