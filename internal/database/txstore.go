// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package database

import (
	"context"
	"database/sql"

	"github.com/yangtao121/Bambu-consumables-management/internal/models"
)

// TxStore exposes the stock and color-mapping lookup surface bound to an
// open transaction. Settlement matches trays while the terminal-flip
// transaction is still open; the same reads routed through the connection
// pool would block against the connection the transaction holds.
type TxStore struct {
	tx *sql.Tx
}

// TxStore binds the matcher lookups to tx.
func (db *DB) TxStore(tx *sql.Tx) *TxStore {
	return &TxStore{tx: tx}
}

// GetColorName resolves a normalized hex signal inside the transaction.
func (s *TxStore) GetColorName(ctx context.Context, colorHex string) (string, error) {
	return getColorName(ctx, s.tx, colorHex)
}

// FindStockCandidates is DB.FindStockCandidates inside the transaction.
func (s *TxStore) FindStockCandidates(ctx context.Context, material, colorName string, officialSignal *bool) ([]models.StockItem, error) {
	return findStockCandidates(ctx, s.tx, material, colorName, officialSignal)
}

// FindStockByHexBinding is DB.FindStockByHexBinding inside the transaction.
func (s *TxStore) FindStockByHexBinding(ctx context.Context, colorHex, material string) ([]models.StockItem, error) {
	return findStockByHexBinding(ctx, s.tx, colorHex, material)
}
