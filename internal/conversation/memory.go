package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory. Used by the test profile and
// by single-process deployments that accept losing history on restart.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]*Session
	turns    map[string][]Turn
	nextTurn int64
	// created orders sessions that share both timestamps.
	created     map[string]int64
	nextSession int64
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(func() time.Time { return time.Now().UTC() })
}

func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		now:      now,
		sessions: map[string]*Session{},
		turns:    map[string][]Turn{},
		created:  map[string]int64{},
	}
}

func (m *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

func (m *MemoryStore) CreateSession(_ context.Context, datasetID, userIdentifier string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(datasetID, userIdentifier), nil
}

func (m *MemoryStore) createLocked(datasetID, userIdentifier string) Session {
	now := m.now()
	session := &Session{
		ID:             uuid.NewString(),
		DatasetID:      datasetID,
		UserIdentifier: userIdentifier,
		CreatedAt:      now,
		LastActivity:   now,
	}
	m.sessions[session.ID] = session
	m.nextSession++
	m.created[session.ID] = m.nextSession
	return *session
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *session, nil
}

func (m *MemoryStore) GetOrCreateSession(_ context.Context, datasetID, userIdentifier string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Session
	for _, session := range m.sessions {
		if session.DatasetID != datasetID || session.UserIdentifier != userIdentifier {
			continue
		}
		if latest == nil || m.newerLocked(session, latest) {
			latest = session
		}
	}
	if latest != nil {
		return *latest, nil
	}
	return m.createLocked(datasetID, userIdentifier), nil
}

// newerLocked orders by last activity, then creation time, then creation order.
func (m *MemoryStore) newerLocked(a, b *Session) bool {
	if !a.LastActivity.Equal(b.LastActivity) {
		return a.LastActivity.After(b.LastActivity)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return m.created[a.ID] > m.created[b.ID]
}

func (m *MemoryStore) AppendTurn(_ context.Context, in AppendTurnInput) (Turn, error) {
	if err := ValidateAppend(in); err != nil {
		return Turn{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[in.SessionID]
	if !ok {
		return Turn{}, ErrNotFound
	}
	m.nextTurn++
	turn := Turn{
		ID:             m.nextTurn,
		SessionID:      session.ID,
		DatasetID:      session.DatasetID,
		Question:       in.Question,
		SQLQuery:       in.SQLQuery,
		ResultsSummary: in.ResultsSummary,
		Visualization:  in.Visualization,
		ErrorMessage:   in.ErrorMessage,
		CreatedAt:      m.now(),
	}
	m.turns[session.ID] = append(m.turns[session.ID], turn)
	session.LastActivity = turn.CreatedAt
	return turn, nil
}

func (m *MemoryStore) GetHistory(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	limit = NormalizeLimit(limit, DefaultHistoryLimit)
	m.mu.Lock()
	defer m.mu.Unlock()

	turns := m.turns[sessionID]
	history := make([]Turn, 0, min(limit, len(turns)))
	for i := len(turns) - 1; i >= 0 && len(history) < limit; i-- {
		history = append(history, turns[i])
	}
	return history, nil
}

func (m *MemoryStore) GetRecentQuestions(_ context.Context, datasetID string, limit int) ([]string, error) {
	limit = NormalizeLimit(limit, DefaultRecentLimit)
	m.mu.Lock()
	defer m.mu.Unlock()

	type askedAt struct {
		question string
		at       time.Time
		id       int64
	}
	latest := map[string]askedAt{}
	for _, turns := range m.turns {
		for _, turn := range turns {
			if turn.DatasetID != datasetID {
				continue
			}
			current, ok := latest[turn.Question]
			if !ok || turn.ID > current.id {
				latest[turn.Question] = askedAt{question: turn.Question, at: turn.CreatedAt, id: turn.ID}
			}
		}
	}
	ordered := make([]askedAt, 0, len(latest))
	for _, item := range latest {
		ordered = append(ordered, item)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].at.Equal(ordered[j].at) {
			return ordered[i].at.After(ordered[j].at)
		}
		return ordered[i].id > ordered[j].id
	})

	questions := make([]string, 0, min(limit, len(ordered)))
	for _, item := range ordered {
		if len(questions) == limit {
			break
		}
		questions = append(questions, item.question)
	}
	return questions, nil
}

func (m *MemoryStore) GetStats(_ context.Context, sessionID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return Stats{}, ErrNotFound
	}
	stats := Stats{SessionID: sessionID}
	for _, turn := range m.turns[sessionID] {
		stats.TotalQuestions++
		if turn.ErrorMessage == "" {
			stats.SuccessfulQuestions++
		} else {
			stats.FailedQuestions++
		}
		at := turn.CreatedAt
		if stats.FirstQuestionAt == nil || at.Before(*stats.FirstQuestionAt) {
			stats.FirstQuestionAt = &at
		}
		if stats.LastQuestionAt == nil || at.After(*stats.LastQuestionAt) {
			stats.LastQuestionAt = &at
		}
	}
	return stats, nil
}

func (m *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result DeleteResult
	for sessionID, turns := range m.turns {
		kept := turns[:0]
		for _, turn := range turns {
			if turn.CreatedAt.Before(cutoff) {
				result.Turns++
				continue
			}
			kept = append(kept, turn)
		}
		m.turns[sessionID] = kept
	}
	for sessionID, session := range m.sessions {
		if session.LastActivity.Before(cutoff) {
			delete(m.sessions, sessionID)
			delete(m.created, sessionID)
			result.Turns += int64(len(m.turns[sessionID]))
			delete(m.turns, sessionID)
			result.Sessions++
		}
	}
	return result, nil
}
