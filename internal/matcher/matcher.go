// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

// Package matcher resolves a tray's reported material, color signal, and
// brand heuristic to a unique stock item, or flags the tray as ambiguous or
// unmatched for deferred human resolution.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yangtao121/Bambu-consumables-management/internal/logging"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// Status is the outcome class of one match attempt.
type Status string

// Match outcomes. Ambiguous and unmatched are first-class pending states,
// not errors; they surface through the pending-attribution interface
// distinguished only by the candidate list (multiple vs. empty).
const (
	StatusMatched   Status = "matched"
	StatusAmbiguous Status = "ambiguous"
	StatusUnmatched Status = "unmatched"
)

// Result is one match attempt outcome. Item is set only for StatusMatched;
// Candidates carries the full candidate list for ambiguous outcomes.
type Result struct {
	Status     Status
	Item       *models.StockItem
	Candidates []models.StockItem

	// ColorHex is the normalized color signal; ColorName is its mapped
	// human name, empty when no mapping exists.
	ColorHex  string
	ColorName string
}

// Store is the stock and color-mapping lookup surface the matcher needs.
type Store interface {
	GetColorName(ctx context.Context, colorHex string) (string, error)
	FindStockCandidates(ctx context.Context, material, colorName string, officialSignal *bool) ([]models.StockItem, error)
	FindStockByHexBinding(ctx context.Context, colorHex, material string) ([]models.StockItem, error)
}

// Matcher resolves tray snapshots against the stock catalog.
type Matcher struct {
	store Store
}

// New creates a Matcher backed by the given store.
func New(store Store) *Matcher {
	return &Matcher{store: store}
}

// NormalizeColorSignal canonicalizes a device color code: strip a leading
// '#', uppercase, truncate RGBA to RGB. Returns false when the remainder is
// not a 6- or 8-digit hex string.
func NormalizeColorSignal(signal string) (string, bool) {
	s := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(signal), "#"))
	if len(s) != 6 && len(s) != 8 {
		return "", false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return "", false
		}
	}
	return s[:6], true
}

// Match resolves one tray to a stock item.
//
// Resolution order:
//  1. Direct hex binding: stock items bound to the normalized color code,
//     narrowed by material. A unique hit short-circuits the color mapping.
//  2. Color mapping: the hex is resolved to a color name, then candidates
//     are filtered by exact (material, color_name, brand class). A missing
//     mapping defers the tray; the operator must supply the mapping first.
//
// The brand class comes from the official-spool heuristic (tag/UUID
// presence). It is approximate and is applied as reported, not verified.
func (m *Matcher) Match(ctx context.Context, tray models.TraySnapshot) (*Result, error) {
	res := &Result{Status: StatusUnmatched}

	if tray.Material == nil || *tray.Material == "" {
		logging.Debug().Int("slot", tray.SlotID).Msg("Tray has no material, deferring match")
		return res, nil
	}
	material := *tray.Material

	if tray.ColorSignal != nil {
		if hex, ok := NormalizeColorSignal(*tray.ColorSignal); ok {
			res.ColorHex = hex
		} else {
			logging.Warn().
				Int("slot", tray.SlotID).
				Str("color_signal", *tray.ColorSignal).
				Msg("Unparseable color signal, deferring match")
			return res, nil
		}
	}
	if res.ColorHex == "" {
		return res, nil
	}

	// Step 1: direct hex binding.
	bound, err := m.store.FindStockByHexBinding(ctx, res.ColorHex, material)
	if err != nil {
		return nil, fmt.Errorf("hex binding lookup failed: %w", err)
	}
	if len(bound) == 1 {
		res.Status = StatusMatched
		res.Item = &bound[0]
		return res, nil
	}
	if len(bound) > 1 {
		res.Status = StatusAmbiguous
		res.Candidates = bound
		return res, nil
	}

	// Step 2: color mapping, then identity filter.
	colorName, err := m.store.GetColorName(ctx, res.ColorHex)
	if err != nil {
		if errors.Is(err, models.ErrMappingNotFound) {
			logging.Info().
				Str("color_hex", res.ColorHex).
				Str("material", material).
				Msg("No color mapping for tray signal, deferring to pending attribution")
			return res, nil
		}
		return nil, fmt.Errorf("color mapping lookup failed: %w", err)
	}
	res.ColorName = colorName

	official := tray.OfficialSignal
	candidates, err := m.store.FindStockCandidates(ctx, material, colorName, &official)
	if err != nil {
		return nil, fmt.Errorf("candidate lookup failed: %w", err)
	}

	switch len(candidates) {
	case 0:
		res.Status = StatusUnmatched
	case 1:
		res.Status = StatusMatched
		res.Item = &candidates[0]
	default:
		res.Status = StatusAmbiguous
		res.Candidates = candidates
	}

	return res, nil
}

// CandidatesForPending recomputes the candidate list for an unresolved
// record without applying the single-match short circuit, for display in
// the pending-attribution interface.
func (m *Matcher) CandidatesForPending(ctx context.Context, rec *models.ConsumptionRecord) ([]models.StockItem, error) {
	if rec.Material == "" {
		return nil, nil
	}

	colorName := ""
	if hex, ok := NormalizeColorSignal(rec.ColorSignal); ok {
		name, err := m.store.GetColorName(ctx, hex)
		switch {
		case err == nil:
			colorName = name
		case errors.Is(err, models.ErrMappingNotFound):
			// Unmapped signal: candidates stay material-scoped.
		default:
			return nil, fmt.Errorf("color mapping lookup failed: %w", err)
		}
	}

	if colorName == "" {
		// Without a color name the identity tuple is incomplete; offering
		// every same-material item would be noise, not candidates.
		return nil, nil
	}

	official := rec.OfficialSignal
	candidates, err := m.store.FindStockCandidates(ctx, rec.Material, colorName, &official)
	if err != nil {
		return nil, fmt.Errorf("candidate lookup failed: %w", err)
	}
	return candidates, nil
}
