// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package slicer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yangtao121/Bambu-consumables-management/internal/config"
	"github.com/yangtao121/Bambu-consumables-management/internal/database"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(&config.SlicerConfig{
		Enabled:    true,
		SidecarURL: srv.URL,
		Timeout:    5 * time.Second,
	})
}

func TestFetchEstimates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/estimates" {
			t.Errorf("path = %q, want /api/v1/estimates", r.URL.Path)
		}
		if got := r.URL.Query().Get("file_name"); got != "benchy.gcode.3mf" {
			t.Errorf("file_name = %q, want benchy.gcode.3mf", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"file_name":"benchy.gcode.3mf","trays":[{"tray_id":0,"predicted_grams":12.5},{"tray_id":1,"predicted_grams":3.2}]}`))
	})

	trays, err := client.FetchEstimates(context.Background(), "benchy.gcode.3mf")
	if err != nil {
		t.Fatalf("FetchEstimates() error = %v", err)
	}
	if len(trays) != 2 {
		t.Fatalf("trays = %d, want 2", len(trays))
	}
	if trays[0].TrayID != 0 || trays[0].PredictedGrams != 12.5 {
		t.Errorf("tray 0 = %+v, want {0 12.5}", trays[0])
	}
}

func TestFetchEstimatesUnknownFile(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	trays, err := client.FetchEstimates(context.Background(), "unknown.3mf")
	if err != nil {
		t.Fatalf("FetchEstimates() error = %v", err)
	}
	if trays != nil {
		t.Errorf("trays = %v, want nil for unknown file", trays)
	}
}

func TestFetchEstimatesServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	if _, err := client.FetchEstimates(context.Background(), "benchy.3mf"); err == nil {
		t.Error("FetchEstimates() succeeded on server error")
	}
}

func setupEstimateDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(&config.DatabaseConfig{
		Path:      ":memory:",
		MaxMemory: "1GB",
	})
	if err != nil {
		t.Fatalf("database.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPrefetcherStoresEstimates(t *testing.T) {
	db := setupEstimateDB(t)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"trays":[{"tray_id":0,"predicted_grams":42}]}`))
	})

	p := NewPrefetcher(client, db)
	p.Prefetch("job-1", "widget.3mf")

	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		estimates, err := db.GetTrayEstimates(ctx, "job-1")
		if err != nil {
			t.Fatalf("GetTrayEstimates() error = %v", err)
		}
		if len(estimates) == 1 {
			if got := estimates[0]; got != 42 {
				t.Errorf("predicted grams = %v, want 42", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("estimates not stored within timeout")
}

func TestPrefetcherSkipsRepeatJobs(t *testing.T) {
	db := setupEstimateDB(t)

	requests := make(chan struct{}, 8)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests <- struct{}{}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"trays":[{"tray_id":0,"predicted_grams":42}]}`))
	})

	p := NewPrefetcher(client, db)
	p.Prefetch("job-1", "widget.3mf")
	p.Prefetch("job-1", "widget.3mf")
	p.Prefetch("job-1", "widget.3mf")

	select {
	case <-requests:
	case <-time.After(5 * time.Second):
		t.Fatal("no fetch within timeout")
	}

	select {
	case <-requests:
		t.Error("repeat prefetch reached the sidecar")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPrefetcherIgnoresEmptyFileName(t *testing.T) {
	db := setupEstimateDB(t)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("sidecar called for empty file name")
	})

	p := NewPrefetcher(client, db)
	p.Prefetch("job-1", "")
	time.Sleep(100 * time.Millisecond)
}
