// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
)

// blockingService runs until its context is canceled.
type blockingService struct {
	started atomic.Int32
	name    string
}

func (s *blockingService) Serve(ctx context.Context) error {
	s.started.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingService) String() string { return s.name }

func newTestTree(t *testing.T) *Tree {
	t.Helper()

	tree, err := NewTree(logging.NewSlogLogger(), DefaultTreeConfig())
	if err != nil {
		t.Fatalf("NewTree() error = %v", err)
	}
	return tree
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()

	if cfg.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %v, want 5.0", cfg.FailureThreshold)
	}
	if cfg.FailureDecay != 30.0 {
		t.Errorf("FailureDecay = %v, want 30.0", cfg.FailureDecay)
	}
	if cfg.FailureBackoff != 15*time.Second {
		t.Errorf("FailureBackoff = %v, want 15s", cfg.FailureBackoff)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
}

func TestNewTreeAppliesDefaultsForZeroValues(t *testing.T) {
	tree, err := NewTree(logging.NewSlogLogger(), TreeConfig{})
	if err != nil {
		t.Fatalf("NewTree() error = %v", err)
	}

	if tree.config.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %v, want 5.0", tree.config.FailureThreshold)
	}
	if tree.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", tree.config.ShutdownTimeout)
	}
}

func TestTreeRunsServicesInAllLayers(t *testing.T) {
	tree := newTestTree(t)

	transport := &blockingService{name: "transport-svc"}
	tracking := &blockingService{name: "tracking-svc"}
	api := &blockingService{name: "api-svc"}

	tree.AddTransportService(transport)
	tree.AddTrackingService(tracking)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if transport.started.Load() > 0 && tracking.started.Load() > 0 && api.started.Load() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if transport.started.Load() == 0 {
		t.Error("transport service never started")
	}
	if tracking.started.Load() == 0 {
		t.Error("tracking service never started")
	}
	if api.started.Load() == 0 {
		t.Error("api service never started")
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop within timeout")
	}
}

func TestRemoveAndWait(t *testing.T) {
	tree := newTestTree(t)

	svc := &blockingService{name: "removable"}
	token := tree.Root().Add(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for svc.started.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := tree.RemoveAndWait(token, 5*time.Second); err != nil {
		t.Errorf("RemoveAndWait() error = %v", err)
	}

	cancel()
	<-errCh
}
