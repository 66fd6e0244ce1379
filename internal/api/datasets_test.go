package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shubhpsd/data-viz/internal/catalog"
	"github.com/shubhpsd/data-viz/internal/dataset"
)

func TestTableLifecycleEndpoints(t *testing.T) {
	datasets := newFakeDatasets()
	h := NewHandler(testConfig(t, nil), Dependencies{Datasets: datasets})

	putRR := httptest.NewRecorder()
	h.ServeHTTP(putRR, httptest.NewRequest(http.MethodPut, "/v1/datasets/retail/tables/sales", bytes.NewReader([]byte("PAR1...PAR1"))))
	if putRR.Code != http.StatusCreated {
		t.Fatalf("put status = %d, body=%s", putRR.Code, putRR.Body.String())
	}
	if body := decodeBody(t, putRR); body["table_name"] != "sales" || body["file_size_bytes"] != float64(11) {
		t.Fatalf("put body = %v", body)
	}

	listRR := httptest.NewRecorder()
	h.ServeHTTP(listRR, httptest.NewRequest(http.MethodGet, "/v1/datasets/retail/tables", nil))
	if listRR.Code != http.StatusOK {
		t.Fatalf("list status = %d", listRR.Code)
	}
	if tables, _ := decodeBody(t, listRR)["tables"].([]any); len(tables) != 1 {
		t.Fatalf("tables = %v", tables)
	}

	datasetsRR := httptest.NewRecorder()
	h.ServeHTTP(datasetsRR, httptest.NewRequest(http.MethodGet, "/v1/datasets", nil))
	if items, _ := decodeBody(t, datasetsRR)["datasets"].([]any); len(items) != 1 {
		t.Fatalf("datasets = %v", items)
	}

	schemaRR := httptest.NewRecorder()
	h.ServeHTTP(schemaRR, httptest.NewRequest(http.MethodGet, "/v1/datasets/retail/schema", nil))
	if schemaRR.Code != http.StatusOK {
		t.Fatalf("schema status = %d", schemaRR.Code)
	}
	if schema, _ := decodeBody(t, schemaRR)["schema"].(string); !strings.Contains(schema, "Table: sales") {
		t.Fatalf("schema = %q", schema)
	}

	deleteRR := httptest.NewRecorder()
	h.ServeHTTP(deleteRR, httptest.NewRequest(http.MethodDelete, "/v1/datasets/retail/tables/sales", nil))
	if deleteRR.Code != http.StatusOK {
		t.Fatalf("delete status = %d", deleteRR.Code)
	}

	missingRR := httptest.NewRecorder()
	h.ServeHTTP(missingRR, httptest.NewRequest(http.MethodGet, "/v1/datasets/retail/schema", nil))
	if missingRR.Code != http.StatusNotFound {
		t.Fatalf("schema after delete status = %d", missingRR.Code)
	}

	againRR := httptest.NewRecorder()
	h.ServeHTTP(againRR, httptest.NewRequest(http.MethodDelete, "/v1/datasets/retail/tables/sales", nil))
	if againRR.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d", againRR.Code)
	}
}

func TestPutTableRejectsInvalidUpload(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Datasets: newFakeDatasets()})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/v1/datasets/retail/tables/sales", strings.NewReader("")))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if body := decodeBody(t, rr); body["error_code"] != "INVALID_TABLE" {
		t.Fatalf("body = %v", body)
	}
}

func TestPutTableEnforcesBodyLimit(t *testing.T) {
	cfg := testConfig(t, map[string]string{"DATAVIZ_HTTP_MAX_BODY_BYTES": "8"})
	h := NewHandler(cfg, Dependencies{Datasets: newFakeDatasets()})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/v1/datasets/retail/tables/sales", strings.NewReader("0123456789")))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestDatasetEndpointsNotConfigured(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{})
	for _, path := range []string{"/v1/datasets", "/v1/datasets/retail/schema", "/v1/datasets/retail/tables"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("%s status = %d", path, rr.Code)
		}
	}
}

type fakeDatasets struct {
	mu     sync.Mutex
	tables map[string]map[string]catalog.DatasetTable
}

func newFakeDatasets() *fakeDatasets {
	return &fakeDatasets{tables: map[string]map[string]catalog.DatasetTable{}}
}

func (f *fakeDatasets) GetSchema(_ context.Context, datasetID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tables := f.tables[datasetID]
	if len(tables) == 0 {
		return "", fmt.Errorf("%w: %s", dataset.ErrNotFound, datasetID)
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, "Table: "+name)
	}
	sort.Strings(names)
	return strings.Join(names, "\n\n"), nil
}

func (f *fakeDatasets) ListDatasets(context.Context) ([]catalog.DatasetSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]catalog.DatasetSummary, 0, len(f.tables))
	for id, tables := range f.tables {
		if len(tables) > 0 {
			out = append(out, catalog.DatasetSummary{DatasetID: id, TableCount: len(tables)})
		}
	}
	return out, nil
}

func (f *fakeDatasets) ListTables(_ context.Context, datasetID string) ([]catalog.DatasetTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]catalog.DatasetTable, 0, len(f.tables[datasetID]))
	for _, table := range f.tables[datasetID] {
		out = append(out, table)
	}
	return out, nil
}

func (f *fakeDatasets) RegisterTable(_ context.Context, datasetID, tableName string, body []byte) (catalog.DatasetTable, error) {
	if len(body) == 0 {
		return catalog.DatasetTable{}, fmt.Errorf("%w: empty body", dataset.ErrInvalidTable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tables[datasetID] == nil {
		f.tables[datasetID] = map[string]catalog.DatasetTable{}
	}
	now := time.Now().UTC()
	table := catalog.DatasetTable{
		DatasetID:     datasetID,
		TableName:     tableName,
		ObjectPath:    "datasets/" + datasetID + "/" + tableName + ".parquet",
		FileSizeBytes: int64(len(body)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.tables[datasetID][tableName] = table
	return table, nil
}

func (f *fakeDatasets) DeleteTable(_ context.Context, datasetID, tableName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tables[datasetID][tableName]; !ok {
		return dataset.ErrNotFound
	}
	delete(f.tables[datasetID], tableName)
	return nil
}
