// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package eventprocessor

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// EventHandler receives decoded printer events. The job tracker
// implements it.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *models.NormalizedEvent) error
}

// Consumer decodes printer event messages and feeds them to the
// handler. Decode failures are acked and dropped (retrying cannot fix
// a bad payload); handler errors are returned so the Router retries
// and eventually poisons the message.
type Consumer struct {
	handler EventHandler
}

// NewConsumer creates a consumer that forwards events to handler.
func NewConsumer(handler EventHandler) *Consumer {
	return &Consumer{handler: handler}
}

// Handle implements message.NoPublishHandlerFunc.
func (c *Consumer) Handle(msg *message.Message) error {
	event, err := DecodeEvent(msg)
	if err != nil {
		logging.Warn().
			Err(err).
			Str("message_uuid", msg.UUID).
			Str("printer_id", msg.Metadata.Get(MetadataPrinterID)).
			Msg("Dropping undecodable event message")
		return nil
	}

	if err := c.handler.HandleEvent(msg.Context(), event); err != nil {
		return fmt.Errorf("handle event %s seq %d: %w", event.PrinterID, event.SequenceID, err)
	}
	return nil
}

// Register attaches the consumer to the router on the printer events
// topic.
func (c *Consumer) Register(r *Router, subscriber message.Subscriber) {
	r.AddConsumerHandler("printer-events", TopicPrinterEvents, subscriber, c.Handle)
}
