// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package validation

import (
	"strings"
	"testing"
)

type adjustRequest struct {
	StockItemID string  `validate:"required,uuid"`
	DeltaGrams  float64 `validate:"required"`
	Reason      string  `validate:"required,max=500"`
}

func TestValidateStructPasses(t *testing.T) {
	req := adjustRequest{
		StockItemID: "7b68c6b5-6a67-43a8-9d3e-ffa235f7e135",
		DeltaGrams:  -25,
		Reason:      "spool weighed after tangle",
	}
	if err := ValidateStruct(&req); err != nil {
		t.Fatalf("expected valid struct, got %v", err)
	}
}

func TestValidateStructReportsAllFields(t *testing.T) {
	req := adjustRequest{StockItemID: "not-a-uuid"}
	err := ValidateStruct(&req)
	if err == nil {
		t.Fatal("expected validation error")
	}

	fields := err.Fields()
	if len(fields) != 3 {
		t.Fatalf("expected 3 field errors, got %d: %v", len(fields), err)
	}

	if !strings.Contains(err.Error(), "must be a valid UUID") {
		t.Errorf("expected UUID message in %q", err.Error())
	}
	if !strings.Contains(err.Error(), "is required") {
		t.Errorf("expected required message in %q", err.Error())
	}
}

func TestGetValidatorIsSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("expected the same validator instance")
	}
}
