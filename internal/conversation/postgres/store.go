package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shubhpsd/data-viz/internal/conversation"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store keeps conversations in the conversation_session and conversation_turn
// tables created by the embedded migrations.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return NewStoreWithClock(db, func() time.Time { return time.Now().UTC() })
}

func NewStoreWithClock(db *sql.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping conversation db: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, datasetID, userIdentifier string) (conversation.Session, error) {
	session, err := insertSession(ctx, s.db, datasetID, userIdentifier, s.now())
	if err != nil {
		return conversation.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (conversation.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return conversation.Session{}, conversation.ErrNotFound
	}
	query := `
SELECT session_id, dataset_id, COALESCE(user_identifier, ''), created_at, last_activity
FROM conversation_session
WHERE session_id = $1`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return conversation.Session{}, err
		}
		return conversation.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *Store) GetOrCreateSession(ctx context.Context, datasetID, userIdentifier string) (conversation.Session, error) {
	var session conversation.Session
	err := s.withTx(ctx, func(tx dbTX) error {
		// Serializes concurrent first questions for the same dataset and user.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, datasetID+"\x1f"+userIdentifier); err != nil {
			return fmt.Errorf("lock session key: %w", err)
		}

		query := `
SELECT session_id, dataset_id, COALESCE(user_identifier, ''), created_at, last_activity
FROM conversation_session
WHERE dataset_id = $1 AND user_identifier IS NOT DISTINCT FROM $2
ORDER BY last_activity DESC, created_at DESC
LIMIT 1`
		found, err := scanSession(tx.QueryRowContext(ctx, query, datasetID, nullString(userIdentifier)))
		switch {
		case err == nil:
			session = found
			return nil
		case !errors.Is(err, conversation.ErrNotFound):
			return fmt.Errorf("find session: %w", err)
		}

		created, err := insertSession(ctx, tx, datasetID, userIdentifier, s.now())
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		session = created
		return nil
	})
	if err != nil {
		return conversation.Session{}, err
	}
	return session, nil
}

func (s *Store) AppendTurn(ctx context.Context, in conversation.AppendTurnInput) (conversation.Turn, error) {
	if err := conversation.ValidateAppend(in); err != nil {
		return conversation.Turn{}, err
	}
	if _, err := uuid.Parse(in.SessionID); err != nil {
		return conversation.Turn{}, conversation.ErrNotFound
	}

	turn := conversation.Turn{
		SessionID:      in.SessionID,
		Question:       in.Question,
		SQLQuery:       in.SQLQuery,
		ResultsSummary: in.ResultsSummary,
		Visualization:  in.Visualization,
		ErrorMessage:   in.ErrorMessage,
		CreatedAt:      s.now(),
	}
	err := s.withTx(ctx, func(tx dbTX) error {
		err := tx.QueryRowContext(ctx, `
SELECT dataset_id
FROM conversation_session
WHERE session_id = $1
FOR UPDATE`, in.SessionID).Scan(&turn.DatasetID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return conversation.ErrNotFound
			}
			return fmt.Errorf("lock session: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
INSERT INTO conversation_turn (session_id, dataset_id, question, sql_query, results_summary, visualization, error_message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING turn_id`,
			turn.SessionID,
			turn.DatasetID,
			turn.Question,
			nullString(turn.SQLQuery),
			nullString(turn.ResultsSummary),
			nullString(turn.Visualization),
			nullString(turn.ErrorMessage),
			turn.CreatedAt,
		).Scan(&turn.ID); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE conversation_session
SET last_activity = GREATEST(last_activity, $2)
WHERE session_id = $1`, turn.SessionID, turn.CreatedAt); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		return nil
	})
	if err != nil {
		return conversation.Turn{}, err
	}
	return turn, nil
}

func (s *Store) GetHistory(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return []conversation.Turn{}, nil
	}
	limit = conversation.NormalizeLimit(limit, conversation.DefaultHistoryLimit)

	rows, err := s.db.QueryContext(ctx, `
SELECT turn_id, session_id, dataset_id, question,
    COALESCE(sql_query, ''), COALESCE(results_summary, ''), COALESCE(visualization, ''), COALESCE(error_message, ''),
    created_at
FROM conversation_turn
WHERE session_id = $1
ORDER BY created_at DESC, turn_id DESC
LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]conversation.Turn, 0, limit)
	for rows.Next() {
		var turn conversation.Turn
		if err := rows.Scan(
			&turn.ID,
			&turn.SessionID,
			&turn.DatasetID,
			&turn.Question,
			&turn.SQLQuery,
			&turn.ResultsSummary,
			&turn.Visualization,
			&turn.ErrorMessage,
			&turn.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return turns, nil
}

func (s *Store) GetRecentQuestions(ctx context.Context, datasetID string, limit int) ([]string, error) {
	limit = conversation.NormalizeLimit(limit, conversation.DefaultRecentLimit)

	rows, err := s.db.QueryContext(ctx, `
SELECT question
FROM conversation_turn
WHERE dataset_id = $1
GROUP BY question
ORDER BY MAX(created_at) DESC, MAX(turn_id) DESC
LIMIT $2`, datasetID, limit)
	if err != nil {
		return nil, fmt.Errorf("get recent questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	questions := make([]string, 0, limit)
	for rows.Next() {
		var question string
		if err := rows.Scan(&question); err != nil {
			return nil, fmt.Errorf("scan question row: %w", err)
		}
		questions = append(questions, question)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question rows: %w", err)
	}
	return questions, nil
}

func (s *Store) GetStats(ctx context.Context, sessionID string) (conversation.Stats, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return conversation.Stats{}, err
	}

	stats := conversation.Stats{SessionID: sessionID}
	var first, last sql.NullTime
	if err := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(*) AS total,
    COUNT(*) FILTER (WHERE error_message IS NULL) AS successful,
    COUNT(*) FILTER (WHERE error_message IS NOT NULL) AS failed,
    MIN(created_at) AS first_question_at,
    MAX(created_at) AS last_question_at
FROM conversation_turn
WHERE session_id = $1`, sessionID).Scan(
		&stats.TotalQuestions,
		&stats.SuccessfulQuestions,
		&stats.FailedQuestions,
		&first,
		&last,
	); err != nil {
		return conversation.Stats{}, fmt.Errorf("get stats: %w", err)
	}
	if first.Valid {
		stats.FirstQuestionAt = &first.Time
	}
	if last.Valid {
		stats.LastQuestionAt = &last.Time
	}
	return stats, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (conversation.DeleteResult, error) {
	var result conversation.DeleteResult
	err := s.withTx(ctx, func(tx dbTX) error {
		turns, err := tx.ExecContext(ctx, `DELETE FROM conversation_turn WHERE created_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if result.Turns, err = turns.RowsAffected(); err != nil {
			return fmt.Errorf("count deleted turns: %w", err)
		}

		sessions, err := tx.ExecContext(ctx, `DELETE FROM conversation_session WHERE last_activity < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if result.Sessions, err = sessions.RowsAffected(); err != nil {
			return fmt.Errorf("count deleted sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return conversation.DeleteResult{}, err
	}
	return result, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx dbTX) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func insertSession(ctx context.Context, q dbTX, datasetID, userIdentifier string, now time.Time) (conversation.Session, error) {
	session := conversation.Session{
		ID:             uuid.NewString(),
		DatasetID:      datasetID,
		UserIdentifier: userIdentifier,
		CreatedAt:      now,
		LastActivity:   now,
	}
	if _, err := q.ExecContext(ctx, `
INSERT INTO conversation_session (session_id, dataset_id, user_identifier, created_at, last_activity)
VALUES ($1, $2, $3, $4, $4)`, session.ID, datasetID, nullString(userIdentifier), now); err != nil {
		return conversation.Session{}, err
	}
	return session, nil
}

func scanSession(row *sql.Row) (conversation.Session, error) {
	var session conversation.Session
	if err := row.Scan(
		&session.ID,
		&session.DatasetID,
		&session.UserIdentifier,
		&session.CreatedAt,
		&session.LastActivity,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Session{}, conversation.ErrNotFound
		}
		return conversation.Session{}, fmt.Errorf("scan session: %w", err)
	}
	return session, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
