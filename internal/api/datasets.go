package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/shubhpsd/data-viz/internal/catalog"
	"github.com/shubhpsd/data-viz/internal/config"
	"github.com/shubhpsd/data-viz/internal/dataset"
)

func handleListDatasets(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeDatasetsNotConfigured(w, r)
		return
	}
	datasets, err := deps.Datasets.ListDatasets(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to list datasets", true, map[string]any{"details": err.Error()})
		return
	}
	items := make([]map[string]any, 0, len(datasets))
	for _, summary := range datasets {
		items = append(items, map[string]any{
			"dataset_id":  summary.DatasetID,
			"table_count": summary.TableCount,
			"updated_at":  summary.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": items})
}

func handleDatasetSchema(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeDatasetsNotConfigured(w, r)
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset"))
	schema, err := deps.Datasets.GetSchema(r.Context(), datasetID)
	if err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset was not found", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadGateway, "SCHEMA_UNAVAILABLE", "failed to describe dataset", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id": datasetID,
		"schema":     schema,
	})
}

func handleListTables(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeDatasetsNotConfigured(w, r)
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset"))
	tables, err := deps.Datasets.ListTables(r.Context(), datasetID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to list tables", true, map[string]any{"details": err.Error()})
		return
	}
	items := make([]map[string]any, 0, len(tables))
	for _, table := range tables {
		items = append(items, tablePayload(table))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id": datasetID,
		"tables":     items,
	})
}

// handlePutTable takes the raw parquet file as the request body.
func handlePutTable(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeDatasetsNotConfigured(w, r)
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset"))
	tableName := strings.TrimSpace(r.PathValue("table"))

	reader := io.Reader(r.Body)
	if cfg.HTTP.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, cfg.HTTP.MaxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "table upload exceeds the body size limit", false, map[string]any{"limit_bytes": tooLarge.Limit})
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_BODY", "failed to read table upload", false, map[string]any{"details": err.Error()})
		return
	}

	table, err := deps.Datasets.RegisterTable(r.Context(), datasetID, tableName, body)
	if err != nil {
		if errors.Is(err, dataset.ErrInvalidTable) {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_TABLE", err.Error(), false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadGateway, "TABLE_REGISTRATION_FAILED", "failed to store table", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, tablePayload(table))
}

func handleDeleteTable(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Datasets == nil {
		writeDatasetsNotConfigured(w, r)
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset"))
	tableName := strings.TrimSpace(r.PathValue("table"))
	if err := deps.Datasets.DeleteTable(r.Context(), datasetID, tableName); err != nil {
		if errors.Is(err, dataset.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "TABLE_NOT_FOUND", "table was not found", false, nil)
			return
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "CATALOG_ERROR", "failed to delete table", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "dataset_id": datasetID, "table_name": tableName})
}

func tablePayload(table catalog.DatasetTable) map[string]any {
	return map[string]any{
		"dataset_id":      table.DatasetID,
		"table_name":      table.TableName,
		"object_path":     table.ObjectPath,
		"file_size_bytes": table.FileSizeBytes,
		"record_count":    table.RecordCount,
		"created_at":      table.CreatedAt,
		"updated_at":      table.UpdatedAt,
	}
}

func writeDatasetsNotConfigured(w http.ResponseWriter, r *http.Request) {
	writeError(r.Context(), w, http.StatusNotImplemented, "DATASETS_NOT_CONFIGURED", "dataset service is not configured", false, nil)
}
