// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package slicer fetches predicted per-tray filament weights from the
// collector sidecar. The sidecar parses sliced 3MF files; its numbers
// feed the estimate fallback when AMS readings are unusable.
package slicer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/yangtao121/Bambu-consumables-management/internal/config"
	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/metrics"
)

// TrayWeight is one predicted tray weight from the sidecar.
type TrayWeight struct {
	TrayID         int     `json:"tray_id"`
	PredictedGrams float64 `json:"predicted_grams"`
}

type estimateResponse struct {
	FileName string       `json:"file_name"`
	Trays    []TrayWeight `json:"trays"`
}

// Client talks to the collector sidecar with circuit breaker
// protection. The sidecar is optional infrastructure, so a dead
// sidecar must not stall settlement.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[[]TrayWeight]
}

// NewClient creates a sidecar client from the slicer config section.
// The circuit opens after a 60% failure rate over at least 10 requests
// and probes again after 2 minutes.
func NewClient(cfg *config.SlicerConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[[]TrayWeight](gobreaker.Settings{
		Name:        "slicer-sidecar",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("slicer circuit breaker state change")
		},
	})

	return &Client{
		baseURL: strings.TrimSuffix(cfg.SidecarURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb: cb,
	}
}

// FetchEstimates retrieves predicted tray weights for a sliced file.
func (c *Client) FetchEstimates(ctx context.Context, fileName string) ([]TrayWeight, error) {
	trays, err := c.cb.Execute(func() ([]TrayWeight, error) {
		return c.fetch(ctx, fileName)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.SlicerFetches.WithLabelValues("circuit_open").Inc()
		} else {
			metrics.SlicerFetches.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.SlicerFetches.WithLabelValues("success").Inc()
	return trays, nil
}

func (c *Client) fetch(ctx context.Context, fileName string) ([]TrayWeight, error) {
	endpoint := fmt.Sprintf("%s/api/v1/estimates?file_name=%s", c.baseURL, url.QueryEscape(fileName))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create estimate request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slicer estimate request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		// The sidecar has not seen this file. Not a failure.
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("slicer estimate returned status %d (failed to read body)", resp.StatusCode)
		}
		return nil, fmt.Errorf("slicer estimate returned status %d: %s", resp.StatusCode, string(body))
	}

	var decoded estimateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode slicer estimate: %w", err)
	}

	return decoded.Trays, nil
}
