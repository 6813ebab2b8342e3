// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package services

import (
	"context"
	"errors"
	"fmt"
)

// EventRouter matches *eventprocessor.Router's lifecycle methods.
type EventRouter interface {
	Run(ctx context.Context) error
	Close() error
}

// RouterService wraps the Watermill event router as a supervised
// service. Router.Run blocks until the context is canceled; Close is
// called afterwards to drain in-flight handlers.
type RouterService struct {
	router EventRouter
	name   string
}

// NewRouterService creates a new event router service wrapper.
func NewRouterService(router EventRouter) *RouterService {
	return &RouterService{
		router: router,
		name:   "event-router",
	}
}

// Serve implements suture.Service.
func (s *RouterService) Serve(ctx context.Context) error {
	err := s.router.Run(ctx)

	if closeErr := s.router.Close(); closeErr != nil {
		return fmt.Errorf("router close failed: %w", closeErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("router failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor logging.
func (s *RouterService) String() string {
	return s.name
}
