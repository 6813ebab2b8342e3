// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package eventprocessor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// Publisher wraps a Watermill publisher with circuit breaker
// protection. It works the same over the in-process Pub/Sub and the
// NATS transport.
type Publisher struct {
	publisher      message.Publisher
	circuitBreaker *gobreaker.CircuitBreaker[any]
	mu             sync.RWMutex
	closed         bool
}

// NewPublisher wraps pub with a circuit breaker that opens after five
// consecutive publish failures and probes again after 30 seconds.
func NewPublisher(pub message.Publisher) *Publisher {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "event-publisher",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Publisher{
		publisher:      pub,
		circuitBreaker: cb,
	}
}

// Publish sends a message to the specified topic with circuit breaker
// protection.
func (p *Publisher) Publish(_ context.Context, topic string, msg *message.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	_, err := p.circuitBreaker.Execute(func() (any, error) {
		return nil, p.publisher.Publish(topic, msg)
	})
	return err
}

// PublishEvent serializes a normalized event and publishes it to the
// printer events topic.
func (p *Publisher) PublishEvent(ctx context.Context, event *models.NormalizedEvent) error {
	msg, err := EncodeEvent(event)
	if err != nil {
		return err
	}
	return p.Publish(ctx, TopicPrinterEvents, msg)
}

// Close gracefully shuts down the publisher. Subsequent publishes fail.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	return p.publisher.Close()
}

// WatermillPublisher returns the underlying Watermill publisher for
// components that require the native interface (e.g. the poison queue
// middleware).
func (p *Publisher) WatermillPublisher() message.Publisher {
	return p.publisher
}
