// Package storetest holds the behavioural suite every conversation.Store
// backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shubhpsd/data-viz/internal/conversation"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds an empty store reading time from clock.
type Factory func(t *testing.T, clock *Clock) conversation.Store

func Run(t *testing.T, factory Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, store conversation.Store, clock *Clock)
	}{
		{"CreateAndGetSession", testCreateAndGetSession},
		{"GetOrCreateSessionIsIdempotent", testGetOrCreateIdempotent},
		{"GetOrCreateSessionPicksMostRecentActivity", testGetOrCreatePicksMostRecent},
		{"GetOrCreateSessionBreaksActivityTieByCreation", testGetOrCreateActivityTie},
		{"AppendTurnRoundTripsMostRecentFirst", testAppendRoundTrip},
		{"AppendTurnUnknownSession", testAppendUnknownSession},
		{"AppendTurnBumpsLastActivity", testAppendBumpsActivity},
		{"RecentQuestionsAreDistinctAndScoped", testRecentQuestions},
		{"Stats", testStats},
		{"DeleteOlderThan", testDeleteOlderThan},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clock := NewClock()
			tc.fn(t, factory(t, clock), clock)
		})
	}
}

func testCreateAndGetSession(t *testing.T, store conversation.Store, clock *Clock) {
	ctx := context.Background()
	created, err := store.CreateSession(ctx, "d1", "alice")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("CreateSession() returned empty id")
	}
	got, err := store.GetSession(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.DatasetID != "d1" || got.UserIdentifier != "alice" {
		t.Fatalf("GetSession() = %+v", got)
	}
	if !got.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("CreatedAt = %v, want %v", got.CreatedAt, clock.Now())
	}
	if _, err := store.GetSession(ctx, "00000000-0000-4000-8000-000000000000"); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("GetSession(unknown) error = %v, want ErrNotFound", err)
	}
}

func testGetOrCreateIdempotent(t *testing.T, store conversation.Store, clock *Clock) {
	ctx := context.Background()
	first, err := store.GetOrCreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	clock.Advance(time.Second)
	second, err := store.GetOrCreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("GetOrCreateSession() ids differ: %q vs %q", first.ID, second.ID)
	}

	other, err := store.GetOrCreateSession(ctx, "d1", "bob")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if other.ID == first.ID {
		t.Fatal("sessions for different users must differ")
	}
	otherDataset, err := store.GetOrCreateSession(ctx, "d2", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if otherDataset.ID == first.ID {
		t.Fatal("sessions for different datasets must differ")
	}
}

func testGetOrCreatePicksMostRecent(t *testing.T, store conversation.Store, clock *Clock) {
	ctx := context.Background()
	older, err := store.CreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	clock.Advance(time.Second)
	if _, err := store.CreateSession(ctx, "d1", ""); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	clock.Advance(time.Second)
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: older.ID, Question: "q"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	got, err := store.GetOrCreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if got.ID != older.ID {
		t.Fatalf("GetOrCreateSession() = %q, want most recently active %q", got.ID, older.ID)
	}
}

func testGetOrCreateActivityTie(t *testing.T, store conversation.Store, clock *Clock) {
	ctx := context.Background()
	older, err := store.CreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	clock.Advance(time.Second)
	newer, err := store.CreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: older.ID, Question: "q"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	got, err := store.GetOrCreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession() error = %v", err)
	}
	if got.ID != newer.ID {
		t.Fatalf("GetOrCreateSession() = %q, want later created %q", got.ID, newer.ID)
	}
}

// SameInstantPicksLastCreated checks the final tiebreak for stores that keep
// insertion order: sessions created at one instant resolve to the last one.
func SameInstantPicksLastCreated(t *testing.T, store conversation.Store) {
	t.Helper()
	ctx := context.Background()
	var last conversation.Session
	for i := 0; i < 5; i++ {
		session, err := store.CreateSession(ctx, "d1", "alice")
		if err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		last = session
	}
	for i := 0; i < 3; i++ {
		got, err := store.GetOrCreateSession(ctx, "d1", "alice")
		if err != nil {
			t.Fatalf("GetOrCreateSession() error = %v", err)
		}
		if got.ID != last.ID {
			t.Fatalf("GetOrCreateSession() = %q, want last created %q", got.ID, last.ID)
		}
	}
}

func testAppendRoundTrip(t *testing.T, store conversation.Store, clock *Clock) {
	ctx := context.Background()
	session, err := store.CreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	first, err := store.AppendTurn(ctx, conversation.AppendTurnInput{
		SessionID:      session.ID,
		Question:       "top product?",
		SQLQuery:       "SELECT product, SUM(amount) FROM sales GROUP BY 1",
		ResultsSummary: "Found 1 rows",
		Visualization:  "bar",
	})
	if err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if first.DatasetID != "d1" {
		t.Fatalf("DatasetID = %q, want session dataset", first.DatasetID)
	}
	// Same timestamp: insertion order breaks the tie.
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: session.ID, Question: "second"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	clock.Advance(time.Second)
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: session.ID, Question: "third", ErrorMessage: "boom"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	history, err := store.GetHistory(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	if history[0].Question != "third" || history[1].Question != "second" || history[2].Question != "top product?" {
		t.Fatalf("history order = %q, %q, %q", history[0].Question, history[1].Question, history[2].Question)
	}
	if history[2].SQLQuery != first.SQLQuery || history[2].ResultsSummary != "Found 1 rows" || history[2].Visualization != "bar" {
		t.Fatalf("oldest turn = %+v", history[2])
	}
	if history[0].ErrorMessage != "boom" || history[1].SQLQuery != "" {
		t.Fatalf("optional fields = %+v / %+v", history[0], history[1])
	}

	limited, err := store.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(limited) != 2 || limited[0].Question != "third" {
		t.Fatalf("limited history = %+v", limited)
	}

	empty, err := store.GetHistory(ctx, "00000000-0000-4000-8000-000000000000", 5)
	if err != nil {
		t.Fatalf("GetHistory(unknown) error = %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("GetHistory(unknown) = %+v", empty)
	}
}

func testAppendUnknownSession(t *testing.T, store conversation.Store, _ *Clock) {
	_, err := store.AppendTurn(context.Background(), conversation.AppendTurnInput{
		SessionID: "00000000-0000-4000-8000-000000000000",
		Question:  "q",
	})
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("AppendTurn() error = %v, want ErrNotFound", err)
	}
	if _, err := store.AppendTurn(context.Background(), conversation.AppendTurnInput{SessionID: "x"}); err == nil {
		t.Fatal("AppendTurn() expected error for empty question")
	}
}

func testAppendBumpsActivity(t *testing.T, store conversation.Store, clock *Clock) {
	ctx := context.Background()
	session, err := store.CreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: session.ID, Question: "q"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if !got.LastActivity.Equal(clock.Now()) {
		t.Fatalf("LastActivity = %v, want %v", got.LastActivity, clock.Now())
	}
}

func testRecentQuestions(t *testing.T, store conversation.Store, clock *Clock) {
	ctx := context.Background()
	s1, err := store.CreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	s2, err := store.CreateSession(ctx, "d1", "bob")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	other, err := store.CreateSession(ctx, "d2", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	ask := func(sessionID, question string) {
		t.Helper()
		clock.Advance(time.Second)
		if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: sessionID, Question: question}); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}
	ask(s1.ID, "a")
	ask(s2.ID, "b")
	ask(s1.ID, "a")
	ask(other.ID, "z")
	ask(s2.ID, "c")

	questions, err := store.GetRecentQuestions(ctx, "d1", 5)
	if err != nil {
		t.Fatalf("GetRecentQuestions() error = %v", err)
	}
	want := []string{"c", "a", "b"}
	if len(questions) != len(want) {
		t.Fatalf("GetRecentQuestions() = %q, want %q", questions, want)
	}
	for i := range want {
		if questions[i] != want[i] {
			t.Fatalf("GetRecentQuestions() = %q, want %q", questions, want)
		}
	}

	limited, err := store.GetRecentQuestions(ctx, "d1", 1)
	if err != nil {
		t.Fatalf("GetRecentQuestions() error = %v", err)
	}
	if len(limited) != 1 || limited[0] != "c" {
		t.Fatalf("limited = %q", limited)
	}
}

func testStats(t *testing.T, store conversation.Store, clock *Clock) {
	ctx := context.Background()
	session, err := store.CreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	empty, err := store.GetStats(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if empty.TotalQuestions != 0 || empty.FirstQuestionAt != nil {
		t.Fatalf("empty stats = %+v", empty)
	}

	firstAt := clock.Now()
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: session.ID, Question: "ok"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	clock.Advance(time.Hour)
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: session.ID, Question: "bad", ErrorMessage: "syntax error"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	stats, err := store.GetStats(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.TotalQuestions != 2 || stats.SuccessfulQuestions != 1 || stats.FailedQuestions != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.FirstQuestionAt == nil || !stats.FirstQuestionAt.Equal(firstAt) {
		t.Fatalf("FirstQuestionAt = %v, want %v", stats.FirstQuestionAt, firstAt)
	}
	if stats.LastQuestionAt == nil || !stats.LastQuestionAt.Equal(clock.Now()) {
		t.Fatalf("LastQuestionAt = %v, want %v", stats.LastQuestionAt, clock.Now())
	}

	if _, err := store.GetStats(ctx, "00000000-0000-4000-8000-000000000000"); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("GetStats(unknown) error = %v, want ErrNotFound", err)
	}
}

func testDeleteOlderThan(t *testing.T, store conversation.Store, clock *Clock) {
	ctx := context.Background()
	stale, err := store.CreateSession(ctx, "d1", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: stale.ID, Question: "old"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	active, err := store.CreateSession(ctx, "d1", "bob")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: active.ID, Question: "old in active"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	clock.Advance(48 * time.Hour)
	if _, err := store.AppendTurn(ctx, conversation.AppendTurnInput{SessionID: active.ID, Question: "new"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	result, err := store.DeleteOlderThan(ctx, clock.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if result.Turns != 2 || result.Sessions != 1 {
		t.Fatalf("DeleteOlderThan() = %+v, want 2 turns and 1 session", result)
	}
	if _, err := store.GetSession(ctx, stale.ID); !errors.Is(err, conversation.ErrNotFound) {
		t.Fatalf("stale session still present: %v", err)
	}
	history, err := store.GetHistory(ctx, active.ID, 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].Question != "new" {
		t.Fatalf("history = %+v", history)
	}
}
