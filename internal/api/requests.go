// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/yangtao121/Bambu-consumables-management/internal/validation"
)

// Request payloads. Validation tags are enforced by decodeAndValidate
// before a handler touches the data.

// CreatePrinterRequest registers a printer.
type CreatePrinterRequest struct {
	Name  string `json:"name" validate:"required,max=128"`
	Model string `json:"model" validate:"max=128"`
}

// CreateStockItemRequest adds a spool type to stock.
type CreateStockItemRequest struct {
	Material        string  `json:"material" validate:"required,max=64"`
	Color           string  `json:"color" validate:"required,max=64"`
	Brand           string  `json:"brand" validate:"max=64"`
	IsOfficial      bool    `json:"is_official"`
	RollWeightGrams float64 `json:"roll_weight_grams" validate:"gt=0"`
	ColorHexBinding *string `json:"color_hex_binding,omitempty" validate:"omitempty,hexadecimal,len=6"`

	// InitialGrams seeds the ledger with an opening purchase entry.
	InitialGrams *float64 `json:"initial_grams,omitempty" validate:"omitempty,gt=0"`
}

// UpdateStockItemRequest edits a stock item's descriptive fields.
type UpdateStockItemRequest struct {
	Material        string  `json:"material" validate:"required,max=64"`
	Color           string  `json:"color" validate:"required,max=64"`
	Brand           string  `json:"brand" validate:"max=64"`
	IsOfficial      bool    `json:"is_official"`
	RollWeightGrams float64 `json:"roll_weight_grams" validate:"gt=0"`
	ColorHexBinding *string `json:"color_hex_binding,omitempty" validate:"omitempty,hexadecimal,len=6"`
}

// AdjustStockRequest applies a manual correction to a stock balance.
type AdjustStockRequest struct {
	DeltaGrams float64 `json:"delta_grams" validate:"required"`
	Reason     string  `json:"reason" validate:"required,max=512"`
}

// PurchaseRequest records an inbound spool purchase.
type PurchaseRequest struct {
	Grams float64 `json:"grams" validate:"required,gt=0"`
	Note  string  `json:"note" validate:"max=512"`
}

// VoidLedgerRequest voids a ledger entry with a compensating reversal.
type VoidLedgerRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

// ResolveAttributionRequest attributes a pending consumption record to
// a stock item. Grams overrides the recorded quantity when the
// operator weighed the spool.
type ResolveAttributionRequest struct {
	StockItemID string   `json:"stock_item_id" validate:"required,uuid"`
	Grams       *float64 `json:"grams,omitempty" validate:"omitempty,gt=0"`
}

// ManualConsumptionRequest books consumption that settlement could not
// capture, e.g. filament used on a purge tower after a failed job.
type ManualConsumptionRequest struct {
	JobID       string  `json:"job_id" validate:"required,uuid"`
	StockItemID string  `json:"stock_item_id" validate:"required,uuid"`
	Grams       float64 `json:"grams" validate:"required,gt=0"`
	Note        string  `json:"note" validate:"max=512"`
}

// UpsertColorMappingRequest names a color hex code.
type UpsertColorMappingRequest struct {
	ColorName string `json:"color_name" validate:"required,max=64"`
}

// TrayEstimateEntry is one predicted tray weight.
type TrayEstimateEntry struct {
	TrayID         int     `json:"tray_id" validate:"gte=0,lte=3"`
	PredictedGrams float64 `json:"predicted_grams" validate:"gte=0"`
}

// PutEstimatesRequest stores slicer-predicted weights for a job.
type PutEstimatesRequest struct {
	Trays []TrayEstimateEntry `json:"trays" validate:"required,min=1,dive"`
}

// decodeAndValidate decodes the request body into dst and runs
// struct validation. On failure it writes the error response and
// returns false.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	rw := NewResponseWriter(w, r)

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		rw.BadRequest(fmt.Sprintf("invalid request body: %v", err))
		return false
	}

	if verr := validation.ValidateStruct(dst); verr != nil {
		rw.ValidationError("request validation failed", verr.Fields())
		return false
	}

	return true
}
