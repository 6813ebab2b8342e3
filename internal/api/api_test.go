// Spoolsum - Filament Stock and Print Job Consumption Accounting
// Copyright 2026 Tao Y. (yangtao121)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yangtao121/Bambu-consumables-management

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/yangtao121/Bambu-consumables-management/internal/config"
	"github.com/yangtao121/Bambu-consumables-management/internal/database"
	"github.com/yangtao121/Bambu-consumables-management/internal/eventprocessor"
	"github.com/yangtao121/Bambu-consumables-management/internal/matcher"
	"github.com/yangtao121/Bambu-consumables-management/internal/models"
	"github.com/yangtao121/Bambu-consumables-management/internal/settlement"
)

type apiFixture struct {
	handler http.Handler
	db      *database.DB
	ctx     context.Context
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "1GB"})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	cfg := &config.Config{
		Settlement: config.SettlementConfig{
			NegativeDeltaTolerance: 0.02,
			DefaultRollWeightGrams: 1000,
		},
		API: config.APIConfig{
			DefaultPageSize:   50,
			MaxPageSize:       500,
			RateLimitDisabled: true,
		},
	}

	settler := settlement.New(db, matcher.New(db), cfg.Settlement)

	pubsub := eventprocessor.NewGoChannelPubSub(eventprocessor.NewLoggerAdapter())
	t.Cleanup(func() { _ = pubsub.Close() })
	publisher := eventprocessor.NewPublisher(pubsub)

	handler := NewHandler(db, publisher, settler, nil, cfg)

	return &apiFixture{
		handler: Setup(handler, cfg),
		db:      db,
		ctx:     ctx,
	}
}

// envelope mirrors APIResponse with raw data for per-test decoding.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	env := &envelope{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), env); err != nil {
			t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, env
}

func decodeData(t *testing.T, env *envelope, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("failed to decode response data %q: %v", string(env.Data), err)
	}
}

func seedJob(t *testing.T, f *apiFixture) *models.PrintJob {
	t.Helper()
	job := &models.PrintJob{
		PrinterID: uuid.New().String(),
		JobKey:    "job-" + uuid.New().String()[:8],
		Status:    models.JobStatusEnded,
	}
	if err := f.db.CreateJob(f.ctx, job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return job
}

func seedStock(t *testing.T, f *apiFixture) *models.StockItem {
	t.Helper()
	item := &models.StockItem{
		Material: "PLA", Color: "White", Brand: "Bambu",
		IsOfficial: true, RollWeightGrams: 1000,
	}
	if err := f.db.CreateStockItem(f.ctx, item); err != nil {
		t.Fatalf("failed to create stock item: %v", err)
	}
	return item
}

func TestHealthEndpoints(t *testing.T) {
	f := setupAPI(t)

	for _, path := range []string{"/api/v1/health", "/api/v1/health/live", "/api/v1/health/ready"} {
		rec, env := doRequest(t, f.handler, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rec.Code)
		}
		if !env.Success {
			t.Errorf("%s: expected success response", path)
		}
	}
}

func TestPrinterCRUD(t *testing.T) {
	f := setupAPI(t)

	rec, env := doRequest(t, f.handler, http.MethodPost, "/api/v1/printers", CreatePrinterRequest{
		Name:  "Workshop X1C",
		Model: "X1 Carbon",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created models.Printer
	decodeData(t, env, &created)
	if created.ID == "" || created.Name != "Workshop X1C" {
		t.Fatalf("unexpected printer: %+v", created)
	}

	rec, env = doRequest(t, f.handler, http.MethodGet, "/api/v1/printers/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec, env = doRequest(t, f.handler, http.MethodGet, "/api/v1/printers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var printers []models.Printer
	decodeData(t, env, &printers)
	if len(printers) != 1 {
		t.Fatalf("expected 1 printer, got %d", len(printers))
	}

	rec, _ = doRequest(t, f.handler, http.MethodDelete, "/api/v1/printers/"+created.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec, _ = doRequest(t, f.handler, http.MethodGet, "/api/v1/printers/"+created.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestCreatePrinterValidation(t *testing.T) {
	f := setupAPI(t)

	rec, env := doRequest(t, f.handler, http.MethodPost, "/api/v1/printers", CreatePrinterRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != ErrCodeValidationFailed {
		t.Fatalf("expected validation error, got %+v", env.Error)
	}
}

func TestStockLifecycle(t *testing.T) {
	f := setupAPI(t)
	initial := 500.0

	rec, env := doRequest(t, f.handler, http.MethodPost, "/api/v1/stock", CreateStockItemRequest{
		Material:        "PLA",
		Color:           "Galaxy Black",
		Brand:           "Bambu",
		IsOfficial:      true,
		RollWeightGrams: 1000,
		InitialGrams:    &initial,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var item models.StockItem
	decodeData(t, env, &item)

	rec, _ = doRequest(t, f.handler, http.MethodPost, "/api/v1/stock/"+item.ID+"/purchase", PurchaseRequest{
		Grams: 250, Note: "restock",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, _ = doRequest(t, f.handler, http.MethodPost, "/api/v1/stock/"+item.ID+"/adjust", AdjustStockRequest{
		DeltaGrams: -100, Reason: "spool weighed light",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("adjust: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, env = doRequest(t, f.handler, http.MethodGet, "/api/v1/stock/"+item.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var fetched models.StockItem
	decodeData(t, env, &fetched)
	if fetched.RemainingGrams != 650 {
		t.Errorf("expected balance 650, got %v", fetched.RemainingGrams)
	}

	rec, env = doRequest(t, f.handler, http.MethodGet, "/api/v1/stock/"+item.ID+"/ledger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []models.MaterialLedgerEntry
	decodeData(t, env, &entries)
	if len(entries) != 3 {
		t.Errorf("expected 3 ledger entries, got %d", len(entries))
	}

	rec, _ = doRequest(t, f.handler, http.MethodDelete, "/api/v1/stock/"+item.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("archive: expected 204, got %d", rec.Code)
	}

	rec, env = doRequest(t, f.handler, http.MethodGet, "/api/v1/stock", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []models.StockItem
	decodeData(t, env, &items)
	if len(items) != 0 {
		t.Errorf("expected archived item hidden, got %d items", len(items))
	}
}

func TestCreateStockItemConflict(t *testing.T) {
	f := setupAPI(t)
	seedStock(t, f)

	rec, env := doRequest(t, f.handler, http.MethodPost, "/api/v1/stock", CreateStockItemRequest{
		Material: "pla", Color: "white", Brand: "bambu",
		RollWeightGrams: 1000,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate identity, got %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != ErrCodeConflict {
		t.Fatalf("expected conflict error, got %+v", env.Error)
	}
}

func TestVoidLedgerEntryTwiceConflicts(t *testing.T) {
	f := setupAPI(t)
	item := seedStock(t, f)

	rec, env := doRequest(t, f.handler, http.MethodPost, "/api/v1/stock/"+item.ID+"/purchase", PurchaseRequest{Grams: 100})
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase: expected 201, got %d", rec.Code)
	}
	var entry models.MaterialLedgerEntry
	decodeData(t, env, &entry)

	rec, env = doRequest(t, f.handler, http.MethodPost, "/api/v1/ledger/"+entry.ID+"/void", VoidLedgerRequest{
		Reason: "entered twice",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("void: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var reversal models.MaterialLedgerEntry
	decodeData(t, env, &reversal)
	if reversal.DeltaGrams != -100 {
		t.Errorf("expected reversal delta -100, got %v", reversal.DeltaGrams)
	}
	if reversal.ReversalOfID == nil || *reversal.ReversalOfID != entry.ID {
		t.Errorf("reversal does not reference original: %+v", reversal)
	}

	rec, _ = doRequest(t, f.handler, http.MethodPost, "/api/v1/ledger/"+entry.ID+"/void", VoidLedgerRequest{
		Reason: "again",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second void: expected 409, got %d", rec.Code)
	}
}

func TestResolvePendingAttribution(t *testing.T) {
	f := setupAPI(t)
	job := seedJob(t, f)
	item := seedStock(t, f)

	pending := &models.ConsumptionRecord{
		JobID:      job.ID,
		Source:     models.SourcePending,
		Confidence: models.ConfidenceLow,
		Material:   "PLA",
		Unit:       models.UnitPct,
		Value:      25,
	}
	if err := f.db.InsertConsumption(f.ctx, pending); err != nil {
		t.Fatalf("failed to insert pending record: %v", err)
	}

	rec, env := doRequest(t, f.handler, http.MethodGet, "/api/v1/attributions/pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var listed []models.PendingAttribution
	decodeData(t, env, &listed)
	if len(listed) != 1 {
		t.Fatalf("expected 1 pending attribution, got %d", len(listed))
	}

	rec, env = doRequest(t, f.handler, http.MethodPost, "/api/v1/attributions/"+pending.ID+"/resolve", ResolveAttributionRequest{
		StockItemID: item.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resolved models.ConsumptionRecord
	decodeData(t, env, &resolved)
	if resolved.StockItemID == nil || *resolved.StockItemID != item.ID {
		t.Errorf("record not bound to stock item: %+v", resolved)
	}
	if resolved.Grams != -250 {
		t.Errorf("expected 25%% of 1000g roll booked as -250g, got %v", resolved.Grams)
	}

	rec, _ = doRequest(t, f.handler, http.MethodPost, "/api/v1/attributions/"+pending.ID+"/resolve", ResolveAttributionRequest{
		StockItemID: item.ID,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second resolve: expected 409, got %d", rec.Code)
	}

	rec, env = doRequest(t, f.handler, http.MethodGet, "/api/v1/attributions/pending", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	decodeData(t, env, &listed)
	if len(listed) != 0 {
		t.Errorf("expected no pending attributions after resolve, got %d", len(listed))
	}
}

func TestManualConsumption(t *testing.T) {
	f := setupAPI(t)
	job := seedJob(t, f)
	item := seedStock(t, f)

	rec, env := doRequest(t, f.handler, http.MethodPost, "/api/v1/consumption", ManualConsumptionRequest{
		JobID:       job.ID,
		StockItemID: item.ID,
		Grams:       42.5,
		Note:        "purge tower after jam",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var record models.ConsumptionRecord
	decodeData(t, env, &record)
	if record.Source != models.SourceManual {
		t.Errorf("expected manual source, got %s", record.Source)
	}

	rec, env = doRequest(t, f.handler, http.MethodGet, "/api/v1/jobs/"+job.ID+"/ledger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []models.MaterialLedgerEntry
	decodeData(t, env, &entries)
	if len(entries) != 1 || entries[0].DeltaGrams != -42.5 {
		t.Fatalf("expected one -42.5g ledger entry, got %+v", entries)
	}
}

func TestManualConsumptionUnknownJob(t *testing.T) {
	f := setupAPI(t)
	item := seedStock(t, f)

	rec, _ := doRequest(t, f.handler, http.MethodPost, "/api/v1/consumption", ManualConsumptionRequest{
		JobID:       uuid.New().String(),
		StockItemID: item.ID,
		Grams:       10,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestColorMappings(t *testing.T) {
	f := setupAPI(t)

	rec, _ := doRequest(t, f.handler, http.MethodPut, "/api/v1/colors/FFFFFFFF", UpsertColorMappingRequest{
		ColorName: "White",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("upsert: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, env := doRequest(t, f.handler, http.MethodGet, "/api/v1/colors", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var mappings []models.ColorMapping
	decodeData(t, env, &mappings)
	// The alpha suffix is stripped before storage.
	if len(mappings) != 1 || mappings[0].ColorHex != "FFFFFF" {
		t.Fatalf("expected normalized FFFFFF mapping, got %+v", mappings)
	}

	rec, _ = doRequest(t, f.handler, http.MethodPut, "/api/v1/colors/nothex", UpsertColorMappingRequest{
		ColorName: "Bad",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid hex, got %d", rec.Code)
	}

	rec, _ = doRequest(t, f.handler, http.MethodDelete, "/api/v1/colors/FFFFFF", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}

	rec, _ = doRequest(t, f.handler, http.MethodDelete, "/api/v1/colors/FFFFFF", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rec.Code)
	}
}

func TestIngestEvent(t *testing.T) {
	f := setupAPI(t)

	jobKey := "job-1"
	event := models.NormalizedEvent{
		SequenceID: 1,
		PrinterID:  uuid.New().String(),
		JobKey:     &jobKey,
		EventType:  models.EventPrintStarted,
		OccurredAt: time.Now().UTC(),
	}

	rec, env := doRequest(t, f.handler, http.MethodPost, "/api/v1/events", event)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if !env.Success {
		t.Fatal("expected success envelope")
	}
}

func TestIngestEventMalformed(t *testing.T) {
	f := setupAPI(t)

	jobKey := "job-1"
	badProgress := 1.5
	event := models.NormalizedEvent{
		SequenceID:       2,
		PrinterID:        uuid.New().String(),
		JobKey:           &jobKey,
		EventType:        models.EventPrintProgress,
		ProgressFraction: &badProgress,
	}

	rec, _ := doRequest(t, f.handler, http.MethodPost, "/api/v1/events", event)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range progress, got %d", rec.Code)
	}
}

func TestJobEstimatesRoundTrip(t *testing.T) {
	f := setupAPI(t)
	job := seedJob(t, f)

	rec, _ := doRequest(t, f.handler, http.MethodPut, "/api/v1/jobs/"+job.ID+"/estimates", PutEstimatesRequest{
		Trays: []TrayEstimateEntry{
			{TrayID: 0, PredictedGrams: 12.5},
			{TrayID: 2, PredictedGrams: 3.1},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec, env := doRequest(t, f.handler, http.MethodGet, "/api/v1/jobs/"+job.ID+"/estimates", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var resp struct {
		JobID string              `json:"job_id"`
		Trays []TrayEstimateEntry `json:"trays"`
	}
	decodeData(t, env, &resp)
	if len(resp.Trays) != 2 {
		t.Fatalf("expected 2 estimates, got %d", len(resp.Trays))
	}
}

func TestListJobsFilters(t *testing.T) {
	f := setupAPI(t)
	job := seedJob(t, f)

	rec, env := doRequest(t, f.handler, http.MethodGet, "/api/v1/jobs?printer_id="+job.PrinterID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var jobs []models.PrintJob
	decodeData(t, env, &jobs)
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}

	rec, _ = doRequest(t, f.handler, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
}
