package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/shubhpsd/data-viz/internal/config"
	"github.com/shubhpsd/data-viz/internal/conversation"
)

type sessionCreateRequest struct {
	DatasetID      string `json:"dataset_id"`
	UserIdentifier string `json:"user_identifier"`
}

func handleCreateSession(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Conversations == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CONVERSATIONS_NOT_CONFIGURED", "conversation store is not configured", false, nil)
		return
	}
	var req sessionCreateRequest
	if err := decodeJSON(r, cfg.HTTP.MaxBodyBytes, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid create session request body", false, map[string]any{"details": err.Error()})
		return
	}
	datasetID := strings.TrimSpace(req.DatasetID)
	if datasetID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "DATASET_REQUIRED", "dataset_id is required", false, nil)
		return
	}

	session, err := deps.Conversations.CreateSession(r.Context(), datasetID, strings.TrimSpace(req.UserIdentifier))
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CONVERSATION_ERROR", "failed to create session", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func handleSessionHistory(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	session, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	limit, err := queryLimit(r, conversation.DefaultHistoryLimit)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", err.Error(), false, nil)
		return
	}
	turns, err := deps.Conversations.GetHistory(r.Context(), session.ID, limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CONVERSATION_ERROR", "failed to load history", true, map[string]any{"details": err.Error()})
		return
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"dataset_id": session.DatasetID,
		"turns":      turns,
	})
}

func handleSessionStats(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	session, ok := lookupSession(deps, w, r)
	if !ok {
		return
	}
	stats, err := deps.Conversations.GetStats(r.Context(), session.ID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CONVERSATION_ERROR", "failed to load session stats", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func handleRecentQuestions(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	if deps.Conversations == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CONVERSATIONS_NOT_CONFIGURED", "conversation store is not configured", false, nil)
		return
	}
	datasetID := strings.TrimSpace(r.PathValue("dataset"))
	limit, err := queryLimit(r, conversation.DefaultRecentLimit)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", err.Error(), false, nil)
		return
	}
	questions, err := deps.Conversations.GetRecentQuestions(r.Context(), datasetID, limit)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "CONVERSATION_ERROR", "failed to load recent questions", true, map[string]any{"details": err.Error()})
		return
	}
	if questions == nil {
		questions = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dataset_id": datasetID,
		"questions":  questions,
	})
}

// lookupSession writes the error response itself when ok is false.
func lookupSession(deps Dependencies, w http.ResponseWriter, r *http.Request) (conversation.Session, bool) {
	if deps.Conversations == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "CONVERSATIONS_NOT_CONFIGURED", "conversation store is not configured", false, nil)
		return conversation.Session{}, false
	}
	sessionID := strings.TrimSpace(r.PathValue("session"))
	session, err := deps.Conversations.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "SESSION_NOT_FOUND", "session was not found", false, nil)
			return conversation.Session{}, false
		}
		writeError(r.Context(), w, http.StatusInternalServerError, "CONVERSATION_ERROR", "failed to load session", true, map[string]any{"details": err.Error()})
		return conversation.Session{}, false
	}
	return session, true
}
