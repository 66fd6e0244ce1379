// Package conversation persists question/answer turns grouped into sessions.
package conversation

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("conversation: not found")

const (
	DefaultHistoryLimit = 20
	DefaultRecentLimit  = 5
	MaxLimit            = 200
)

type Session struct {
	ID             string    `json:"session_id"`
	DatasetID      string    `json:"dataset_id"`
	UserIdentifier string    `json:"user_identifier,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// Turn is one recorded question. Empty optional fields are stored as NULL.
type Turn struct {
	ID             int64     `json:"turn_id"`
	SessionID      string    `json:"session_id"`
	DatasetID      string    `json:"dataset_id"`
	Question       string    `json:"question"`
	SQLQuery       string    `json:"sql_query,omitempty"`
	ResultsSummary string    `json:"results_summary,omitempty"`
	Visualization  string    `json:"visualization,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"timestamp"`
}

type AppendTurnInput struct {
	SessionID      string
	Question       string
	SQLQuery       string
	ResultsSummary string
	Visualization  string
	ErrorMessage   string
}

type Stats struct {
	SessionID           string     `json:"session_id"`
	TotalQuestions      int64      `json:"total_questions"`
	SuccessfulQuestions int64      `json:"successful_questions"`
	FailedQuestions     int64      `json:"failed_questions"`
	FirstQuestionAt     *time.Time `json:"first_question_at,omitempty"`
	LastQuestionAt      *time.Time `json:"last_question_at,omitempty"`
}

type DeleteResult struct {
	Turns    int64
	Sessions int64
}

// Store is the single source of truth for sessions and turns. Implementations
// make AppendTurn atomic with respect to the session's last_activity.
type Store interface {
	HealthCheck(ctx context.Context) error
	CreateSession(ctx context.Context, datasetID, userIdentifier string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	// GetOrCreateSession returns the most recently active session for the
	// dataset and user, creating one when none exists.
	GetOrCreateSession(ctx context.Context, datasetID, userIdentifier string) (Session, error)
	AppendTurn(ctx context.Context, in AppendTurnInput) (Turn, error)
	// GetHistory returns up to limit turns, most recent first.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	// GetRecentQuestions returns distinct questions asked against a dataset,
	// most recently asked first.
	GetRecentQuestions(ctx context.Context, datasetID string, limit int) ([]string, error)
	GetStats(ctx context.Context, sessionID string) (Stats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (DeleteResult, error)
}

// NormalizeLimit clamps limit into [1, MaxLimit], using fallback for <= 0.
func NormalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}

func ValidateAppend(in AppendTurnInput) error {
	if strings.TrimSpace(in.SessionID) == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(in.Question) == "" {
		return errors.New("question is required")
	}
	return nil
}
