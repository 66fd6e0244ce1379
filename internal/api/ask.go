package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/shubhpsd/data-viz/internal/config"
	"github.com/shubhpsd/data-viz/internal/conversation"
	"github.com/shubhpsd/data-viz/internal/pipeline"
)

// statusClientClosedRequest follows the nginx convention for a caller that
// went away before the answer was ready.
const statusClientClosedRequest = 499

type askRequest struct {
	Question       string `json:"question"`
	DatasetID      string `json:"dataset_id"`
	SessionID      string `json:"session_id"`
	UserIdentifier string `json:"user_identifier"`
}

func handleAsk(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "question pipeline is not configured", false, nil)
		return
	}

	var req askRequest
	if err := decodeJSON(r, cfg.HTTP.MaxBodyBytes, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	if strings.TrimSpace(req.DatasetID) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "DATASET_REQUIRED", "dataset_id is required", false, nil)
		return
	}

	if req.SessionID != "" && deps.Conversations != nil {
		session, err := deps.Conversations.GetSession(r.Context(), req.SessionID)
		switch {
		case err == nil && session.DatasetID != req.DatasetID:
			writeError(r.Context(), w, http.StatusConflict, "SESSION_DATASET_MISMATCH", "session belongs to another dataset", false, map[string]any{
				"session_dataset_id": session.DatasetID,
			})
			return
		case err != nil && !errors.Is(err, conversation.ErrNotFound):
			writeError(r.Context(), w, http.StatusInternalServerError, "CONVERSATION_ERROR", "failed to load session", true, map[string]any{"details": err.Error()})
			return
		}
	}

	result, err := deps.Pipeline.Run(r.Context(), pipeline.Request{
		Question:       req.Question,
		DatasetID:      req.DatasetID,
		SessionID:      req.SessionID,
		UserIdentifier: strings.TrimSpace(req.UserIdentifier),
	})
	if err != nil {
		writeRunError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeRunError(ctx context.Context, w http.ResponseWriter, err error) {
	var runErr *pipeline.RunError
	if !errors.As(err, &runErr) {
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "question run failed", false, map[string]any{"details": err.Error()})
		return
	}
	details := map[string]any{"stage": runErr.Stage, "details": runErr.Err.Error()}
	switch runErr.Kind {
	case pipeline.KindInvalidRequest:
		writeError(ctx, w, http.StatusBadRequest, "INVALID_REQUEST", runErr.Err.Error(), false, details)
	case pipeline.KindDatasetNotFound:
		writeError(ctx, w, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset was not found", false, details)
	case pipeline.KindModelOutputMalformed:
		writeError(ctx, w, http.StatusUnprocessableEntity, "MODEL_OUTPUT_MALFORMED", "the model returned an unreadable interpretation", true, details)
	case pipeline.KindCanceled:
		if errors.Is(runErr.Err, context.DeadlineExceeded) {
			writeError(ctx, w, http.StatusGatewayTimeout, "TIMEOUT", "question run timed out", true, details)
			return
		}
		writeError(ctx, w, statusClientClosedRequest, "CANCELED", "question run was canceled", false, details)
	default:
		writeError(ctx, w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "a dependency of the question pipeline is unavailable", true, details)
	}
}
