package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shubhpsd/data-viz/internal/catalog"
	"github.com/shubhpsd/data-viz/internal/config"
	"github.com/shubhpsd/data-viz/internal/conversation"
	"github.com/shubhpsd/data-viz/internal/maintenance"
	"github.com/shubhpsd/data-viz/internal/observability"
	"github.com/shubhpsd/data-viz/internal/pipeline"
)

type ReadinessCheck func(ctx context.Context) error

type Asker interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type ConversationReader interface {
	CreateSession(ctx context.Context, datasetID, userIdentifier string) (conversation.Session, error)
	GetSession(ctx context.Context, sessionID string) (conversation.Session, error)
	GetHistory(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error)
	GetRecentQuestions(ctx context.Context, datasetID string, limit int) ([]string, error)
	GetStats(ctx context.Context, sessionID string) (conversation.Stats, error)
}

type DatasetService interface {
	GetSchema(ctx context.Context, datasetID string) (string, error)
	ListDatasets(ctx context.Context) ([]catalog.DatasetSummary, error)
	ListTables(ctx context.Context, datasetID string) ([]catalog.DatasetTable, error)
	RegisterTable(ctx context.Context, datasetID, tableName string, body []byte) (catalog.DatasetTable, error)
	DeleteTable(ctx context.Context, datasetID, tableName string) error
}

type RetentionRunner interface {
	RunRetentionOnce(ctx context.Context) (maintenance.RetentionSummary, error)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	Pipeline          Asker
	Conversations     ConversationReader
	Datasets          DatasetService
	Retention         RetentionRunner
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	route := func(pattern string, fn func(Dependencies, config.Config, http.ResponseWriter, *http.Request)) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			fn(deps, cfg, w, r)
		})
	}

	route("POST /v1/ask", handleAsk)
	route("POST /v1/sessions", handleCreateSession)
	route("GET /v1/sessions/{session}/history", handleSessionHistory)
	route("GET /v1/sessions/{session}/stats", handleSessionStats)
	route("GET /v1/datasets", handleListDatasets)
	route("GET /v1/datasets/{dataset}/recent-questions", handleRecentQuestions)
	route("GET /v1/datasets/{dataset}/schema", handleDatasetSchema)
	route("GET /v1/datasets/{dataset}/tables", handleListTables)
	route("PUT /v1/datasets/{dataset}/tables/{table}", handlePutTable)
	route("DELETE /v1/datasets/{dataset}/tables/{table}", handleDeleteTable)
	route("POST /v1/retention/run", handleRetentionRun)

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	middlewares = append(middlewares, observability.MetricsMiddleware)
	return chain(mux, middlewares...)
}

// HealthChecker is satisfied by the dataset service and the conversation
// stores.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

func CheckHealth(name string, checker HealthChecker) ReadinessCheck {
	if checker == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := checker.HealthCheck(ctx); err != nil {
			return errors.New(name + ": " + err.Error())
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

// queryLimit reads ?limit=, clamped by conversation.NormalizeLimit.
func queryLimit(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return conversation.NormalizeLimit(0, fallback), nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return conversation.NormalizeLimit(limit, fallback), nil
}

func decodeJSON(r *http.Request, maxBytes int64, dst any) error {
	body := r.Body
	if maxBytes > 0 {
		body = http.MaxBytesReader(nil, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
