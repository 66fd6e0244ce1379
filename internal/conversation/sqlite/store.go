// Package sqlite is a single-file conversation store for deployments that run
// without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shubhpsd/data-viz/internal/conversation"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	return OpenWithClock(path, func() time.Time { return time.Now().UTC() })
}

func OpenWithClock(path string, now func() time.Time) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite conversation store: empty path")
	}
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")
	params.Set("_journal_mode", "WAL")

	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite conversation store: %w", err)
	}
	// One writer keeps append-and-touch serialized without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_session (
			session_id TEXT PRIMARY KEY,
			dataset_id TEXT NOT NULL,
			user_identifier TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			last_activity_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS conversation_turn (
			turn_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES conversation_session(session_id) ON DELETE CASCADE,
			dataset_id TEXT NOT NULL,
			question TEXT NOT NULL,
			sql_query TEXT,
			results_summary TEXT,
			visualization TEXT,
			error_message TEXT,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS conversation_session_by_dataset_user ON conversation_session(dataset_id, user_identifier, last_activity_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS conversation_turn_by_session ON conversation_turn(session_id, created_at_ms DESC, turn_id DESC);`,
		`CREATE INDEX IF NOT EXISTS conversation_turn_by_dataset ON conversation_turn(dataset_id, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite conversation store: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite conversation store: %w", err)
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, datasetID, userIdentifier string) (conversation.Session, error) {
	session, err := s.insertSession(ctx, s.db, datasetID, userIdentifier)
	if err != nil {
		return conversation.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (conversation.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `
SELECT session_id, dataset_id, user_identifier, created_at_ms, last_activity_ms
FROM conversation_session
WHERE session_id = ?`, sessionID))
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		found, err := scanSession(tx.QueryRowContext(ctx, `
SELECT session_id, dataset_id, user_identifier, created_at_ms, last_activity_ms
FROM conversation_session
WHERE dataset_id = ? AND user_identifier = ?
ORDER BY last_activity_ms DESC, created_at_ms DESC, rowid DESC
LIMIT 1`, datasetID, userIdentifier))
		switch {
		case err == nil:
			session = found
			return nil
		case !errors.Is(err, conversation.ErrNotFound):
			return fmt.Errorf("find session: %w", err)
		}
		created, err := s.insertSession(ctx, tx, datasetID, userIdentifier)
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
	turn := conversation.Turn{
		SessionID:      in.SessionID,
		Question:       in.Question,
		SQLQuery:       in.SQLQuery,
		ResultsSummary: in.ResultsSummary,
		Visualization:  in.Visualization,
		ErrorMessage:   in.ErrorMessage,
		CreatedAt:      s.now(),
	}
	createdAtMs := turn.CreatedAt.UnixMilli()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT dataset_id FROM conversation_session WHERE session_id = ?`, in.SessionID).Scan(&turn.DatasetID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return conversation.ErrNotFound
			}
			return fmt.Errorf("find session: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO conversation_turn (session_id, dataset_id, question, sql_query, results_summary, visualization, error_message, created_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			turn.SessionID,
			turn.DatasetID,
			turn.Question,
			nullString(turn.SQLQuery),
			nullString(turn.ResultsSummary),
			nullString(turn.Visualization),
			nullString(turn.ErrorMessage),
			createdAtMs,
		)
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if turn.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("read turn id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE conversation_session
SET last_activity_ms = MAX(last_activity_ms, ?)
WHERE session_id = ?`, createdAtMs, turn.SessionID); err != nil {
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
	limit = conversation.NormalizeLimit(limit, conversation.DefaultHistoryLimit)
	rows, err := s.db.QueryContext(ctx, `
SELECT turn_id, session_id, dataset_id, question,
    COALESCE(sql_query, ''), COALESCE(results_summary, ''), COALESCE(visualization, ''), COALESCE(error_message, ''),
    created_at_ms
FROM conversation_turn
WHERE session_id = ?
ORDER BY created_at_ms DESC, turn_id DESC
LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	turns := make([]conversation.Turn, 0, limit)
	for rows.Next() {
		var turn conversation.Turn
		var createdAtMs int64
		if err := rows.Scan(
			&turn.ID,
			&turn.SessionID,
			&turn.DatasetID,
			&turn.Question,
			&turn.SQLQuery,
			&turn.ResultsSummary,
			&turn.Visualization,
			&turn.ErrorMessage,
			&createdAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.CreatedAt = fromMillis(createdAtMs)
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
WHERE dataset_id = ?
GROUP BY question
ORDER BY MAX(created_at_ms) DESC, MAX(turn_id) DESC
LIMIT ?`, datasetID, limit)
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
	var first, last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
SELECT
    COUNT(*),
    COALESCE(SUM(CASE WHEN error_message IS NULL THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN error_message IS NOT NULL THEN 1 ELSE 0 END), 0),
    MIN(created_at_ms),
    MAX(created_at_ms)
FROM conversation_turn
WHERE session_id = ?`, sessionID).Scan(
		&stats.TotalQuestions,
		&stats.SuccessfulQuestions,
		&stats.FailedQuestions,
		&first,
		&last,
	); err != nil {
		return conversation.Stats{}, fmt.Errorf("get stats: %w", err)
	}
	if first.Valid {
		at := fromMillis(first.Int64)
		stats.FirstQuestionAt = &at
	}
	if last.Valid {
		at := fromMillis(last.Int64)
		stats.LastQuestionAt = &at
	}
	return stats, nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (conversation.DeleteResult, error) {
	cutoffMs := cutoff.UnixMilli()
	var result conversation.DeleteResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		turns, err := tx.ExecContext(ctx, `DELETE FROM conversation_turn WHERE created_at_ms < ?`, cutoffMs)
		if err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if result.Turns, err = turns.RowsAffected(); err != nil {
			return fmt.Errorf("count deleted turns: %w", err)
		}
		sessions, err := tx.ExecContext(ctx, `DELETE FROM conversation_session WHERE last_activity_ms < ?`, cutoffMs)
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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) insertSession(ctx context.Context, q execer, datasetID, userIdentifier string) (conversation.Session, error) {
	now := s.now()
	session := conversation.Session{
		ID:             uuid.NewString(),
		DatasetID:      datasetID,
		UserIdentifier: userIdentifier,
		CreatedAt:      now,
		LastActivity:   now,
	}
	if _, err := q.ExecContext(ctx, `
INSERT INTO conversation_session (session_id, dataset_id, user_identifier, created_at_ms, last_activity_ms)
VALUES (?, ?, ?, ?, ?)`, session.ID, datasetID, userIdentifier, now.UnixMilli(), now.UnixMilli()); err != nil {
		return conversation.Session{}, err
	}
	return session, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

func scanSession(row *sql.Row) (conversation.Session, error) {
	var session conversation.Session
	var createdAtMs, lastActivityMs int64
	if err := row.Scan(&session.ID, &session.DatasetID, &session.UserIdentifier, &createdAtMs, &lastActivityMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return conversation.Session{}, conversation.ErrNotFound
		}
		return conversation.Session{}, fmt.Errorf("scan session: %w", err)
	}
	session.CreatedAt = fromMillis(createdAtMs)
	session.LastActivity = fromMillis(lastActivityMs)
	return session, nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
