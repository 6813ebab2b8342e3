// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package services

import (
	"context"
	"fmt"
	"time"
)

// Broker matches *eventprocessor.EmbeddedServer's lifecycle methods.
type Broker interface {
	Shutdown(ctx context.Context) error
	IsRunning() bool
}

// BrokerService wraps the embedded NATS server as a supervised
// service. The server is started before the tree (its client URL is
// needed during wiring), so Serve only monitors it and shuts it down
// on context cancellation. If the broker dies, Serve returns an error
// and the process exits via the supervisor's failure policy.
type BrokerService struct {
	broker          Broker
	shutdownTimeout time.Duration
	name            string
}

// NewBrokerService creates a new embedded broker service wrapper.
func NewBrokerService(broker Broker, shutdownTimeout time.Duration) *BrokerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &BrokerService{
		broker:          broker,
		shutdownTimeout: shutdownTimeout,
		name:            "embedded-broker",
	}
}

// Serve implements suture.Service.
func (s *BrokerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()

			if err := s.broker.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("broker shutdown failed: %w", err)
			}
			return ctx.Err()

		case <-ticker.C:
			if !s.broker.IsRunning() {
				return fmt.Errorf("embedded broker stopped unexpectedly")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logging.
func (s *BrokerService) String() string {
	return s.name
}
