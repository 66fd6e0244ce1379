package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shubhpsd/data-viz/internal/conversation"
	"github.com/shubhpsd/data-viz/internal/observability"
	"github.com/shubhpsd/data-viz/internal/query"
)

const (
	contextHeader = "===Recent conversation context:\n"

	// nounProbeRowLimit caps distinct values fetched per table so the
	// synthesizer prompt stays bounded on high-cardinality columns.
	nounProbeRowLimit = 1000

	saveTurnTimeout = 5 * time.Second
)

// buildContext renders the last turns of the session oldest first. Any store
// failure degrades to no context.
func (p *Pipeline) buildContext(ctx context.Context, sessionID string) string {
	if strings.TrimSpace(sessionID) == "" {
		return ""
	}
	start := time.Now()
	turns, err := p.store.GetHistory(ctx, sessionID, p.cfg.ContextTurns)
	observability.ObserveStage("context", time.Since(start))
	if err != nil {
		observability.WithTrace(ctx, p.logger).Warn("conversation context unavailable",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return ""
	}
	return FormatContext(turns)
}

// FormatContext expects turns most recent first, as GetHistory returns them.
func FormatContext(turns []conversation.Turn) string {
	var lines []string
	for i := len(turns) - 1; i >= 0; i-- {
		turn := turns[i]
		if turn.Question == "" || turn.SQLQuery == "" {
			continue
		}
		lines = append(lines, "Previous Q: "+turn.Question, "Previous SQL: "+turn.SQLQuery)
		if turn.ResultsSummary != "" {
			lines = append(lines, "Previous Result: "+turn.ResultsSummary)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return contextHeader + strings.Join(lines, "\n") + "\n\n"
}

func (p *Pipeline) interpret(ctx context.Context, question, schema, history string) (Interpretation, error) {
	prompt, err := interpretPrompt.Render(interpretVars{Context: history, Schema: schema, Question: question})
	if err != nil {
		return Interpretation{}, p.fail(ctx, StageInterpret, KindUpstreamUnavailable, err)
	}
	reply, err := p.model.Invoke(ctx, prompt)
	if err != nil {
		return Interpretation{}, p.fail(ctx, StageInterpret, KindUpstreamUnavailable, err)
	}
	interpretation, err := DecodeInterpretation(reply)
	if err != nil {
		return Interpretation{}, p.fail(ctx, StageInterpret, KindModelOutputMalformed, err)
	}
	return interpretation, nil
}

// resolveNouns probes every table with noun columns for its distinct values.
// A probe the engine rejects is skipped; an unreachable executor aborts.
func (p *Pipeline) resolveNouns(ctx context.Context, datasetID string, tables []RelevantTable) ([]string, error) {
	var (
		mu    sync.Mutex
		nouns = map[string]struct{}{}
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.NounProbeConcurrency)
	for _, table := range tables {
		if len(table.NounColumns) == 0 {
			continue
		}
		group.Go(func() error {
			rows, err := p.executor.Execute(groupCtx, datasetID, nounProbeSQL(table), nounProbeRowLimit)
			if err != nil {
				if query.IsExecutionError(err) {
					observability.WithTrace(ctx, p.logger).Warn("noun probe rejected",
						slog.String("table", table.TableName),
						slog.Any("error", err),
					)
					return nil
				}
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, row := range rows {
				for _, value := range row {
					if text, ok := nounText(value); ok {
						nouns[text] = struct{}{}
					}
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, p.fail(ctx, StageResolveNouns, KindUpstreamUnavailable, err)
	}

	out := make([]string, 0, len(nouns))
	for noun := range nouns {
		out = append(out, noun)
	}
	sort.Strings(out)
	return out, nil
}

func nounProbeSQL(table RelevantTable) string {
	columns := make([]string, len(table.NounColumns))
	for i, column := range table.NounColumns {
		columns[i] = quoteIdent(column)
	}
	return fmt.Sprintf("SELECT DISTINCT %s FROM %s", strings.Join(columns, ", "), quoteIdent(table.TableName))
}

func nounText(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	text := strings.TrimSpace(fmt.Sprint(value))
	return text, text != ""
}

// synthesizeAndValidate writes SQL and checks it runs. With more than one
// configured attempt, a failed validation is fed back into the next prompt.
func (p *Pipeline) synthesizeAndValidate(ctx context.Context, req Request, schema, history string, relevant *Relevant) error {
	var previous *previousAttempt
	for attempt := 1; attempt <= p.cfg.SynthesisAttempts; attempt++ {
		if err := p.stage(ctx, StageSynthesize, req.DatasetID, func(ctx context.Context) error {
			sqlText, err := p.synthesize(ctx, req.Question, schema, history, relevant, previous)
			relevant.SQL = sqlText
			return err
		}); err != nil {
			return err
		}
		if relevant.SQL == SentinelNotRelevant {
			relevant.SQLValid = false
			return nil
		}

		if err := p.stage(ctx, StageValidate, req.DatasetID, func(ctx context.Context) error {
			return p.validate(ctx, req.DatasetID, relevant)
		}); err != nil {
			return err
		}
		if relevant.SQLValid {
			return nil
		}
		previous = &previousAttempt{SQL: relevant.SQL, Issue: relevant.SQLIssues}
	}
	return nil
}

func (p *Pipeline) synthesize(ctx context.Context, question, schema, history string, relevant *Relevant, previous *previousAttempt) (string, error) {
	tables, err := json.Marshal(relevant.Tables)
	if err != nil {
		return "", p.fail(ctx, StageSynthesize, KindUpstreamUnavailable, fmt.Errorf("marshal relevant tables: %w", err))
	}
	nouns := "(none)"
	if len(relevant.Nouns) > 0 {
		nouns = strings.Join(relevant.Nouns, ", ")
	}
	prompt, err := synthesizePrompt.Render(synthesizeVars{
		Context:  history,
		Schema:   schema,
		Question: question,
		Tables:   string(tables),
		Nouns:    nouns,
		Previous: previous,
	})
	if err != nil {
		return "", p.fail(ctx, StageSynthesize, KindUpstreamUnavailable, err)
	}
	reply, err := p.model.Invoke(ctx, prompt)
	if err != nil {
		return "", p.fail(ctx, StageSynthesize, KindUpstreamUnavailable, err)
	}
	return DecodeSQL(reply), nil
}

// validate runs the statement row-capped. Each run gets a throwaway engine
// instance, so whatever the statement does cannot outlive the check.
func (p *Pipeline) validate(ctx context.Context, datasetID string, relevant *Relevant) error {
	if strings.TrimSpace(relevant.SQL) == "" {
		relevant.SQLValid = false
		relevant.SQLIssues = "Query execution failed: model returned an empty query"
		return nil
	}
	_, err := p.executor.Execute(ctx, datasetID, relevant.SQL, p.cfg.ValidationRowLimit)
	if err != nil {
		if query.IsExecutionError(err) {
			relevant.SQLValid = false
			relevant.SQLIssues = "Query execution failed: " + err.Error()
			return nil
		}
		return p.fail(ctx, StageValidate, KindUpstreamUnavailable, err)
	}
	relevant.SQLValid = true
	relevant.SQLIssues = ""
	return nil
}

// execute fetches the answer rows. A statement that already failed validation
// is not run again; its engine message becomes the run error. With an answer
// row limit set, one extra row is fetched so a cut result can be flagged.
func (p *Pipeline) execute(ctx context.Context, datasetID string, relevant *Relevant) error {
	relevant.Rows = [][]any{}
	relevant.Truncated = false
	if !relevant.SQLValid {
		relevant.ExecError = strings.TrimPrefix(relevant.SQLIssues, "Query execution failed: ")
		return nil
	}
	limit := p.cfg.AnswerRowLimit
	if limit > 0 {
		limit++
	}
	rows, err := p.executor.Execute(ctx, datasetID, relevant.SQL, limit)
	if err != nil {
		if query.IsExecutionError(err) {
			relevant.ExecError = err.Error()
			return nil
		}
		return p.fail(ctx, StageExecute, KindUpstreamUnavailable, err)
	}
	if capped := p.cfg.AnswerRowLimit; capped > 0 && len(rows) > capped {
		rows = rows[:capped]
		relevant.Truncated = true
		observability.WithTrace(ctx, p.logger).Info("answer rows truncated",
			slog.Int("row_limit", capped),
		)
	}
	if rows != nil {
		relevant.Rows = rows
	}
	return nil
}

// chooseVisualization never fails the run: a model failure or unreadable
// reply falls back to a bar chart.
func (p *Pipeline) chooseVisualization(ctx context.Context, question string, track Track) (Visualization, string) {
	relevant, ok := track.(*Relevant)
	if !ok {
		return VisualizationNone, "No visualization needed for irrelevant questions."
	}
	if len(relevant.Rows) == 0 {
		return VisualizationNone, "No data available to visualize."
	}

	prompt, err := visualizePrompt.Render(visualizeVars{
		Question: question,
		SQL:      relevant.SQL,
		Results:  formatRows(relevant.Rows),
	})
	if err == nil {
		var reply string
		reply, err = p.model.Invoke(ctx, prompt)
		if err == nil {
			kind, reason, parsed := DecodeVisualization(reply)
			if !parsed {
				observability.WithTrace(ctx, p.logger).Debug("visualization reply not recognized",
					slog.String("reply", truncate(reply, 200)),
				)
			}
			return kind, reason
		}
	}
	observability.WithTrace(ctx, p.logger).Warn("visualization advice unavailable", slog.Any("error", err))
	return VisualizationBar, FallbackVisualizationReason
}

func (p *Pipeline) formatAnswer(ctx context.Context, question string, track Track) (string, error) {
	relevant, ok := track.(*Relevant)
	if !ok {
		return RefusalAnswer, nil
	}
	prompt, err := answerPrompt.Render(answerVars{
		Question: question,
		Results:  formatRows(relevant.Rows),
		Error:    relevant.ExecError,
	})
	if err != nil {
		return "", p.fail(ctx, StageFormat, KindUpstreamUnavailable, err)
	}
	reply, err := p.model.Invoke(ctx, prompt)
	if err != nil {
		return "", p.fail(ctx, StageFormat, KindUpstreamUnavailable, err)
	}
	return DecodeAnswer(reply), nil
}

// saveTurn records the run and returns the session it was saved under. It
// resolves a session when none was given, or when the given one no longer
// exists. Failures are logged and swallowed.
func (p *Pipeline) saveTurn(ctx context.Context, req Request, result Result) string {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTurnTimeout)
	defer cancel()
	logger := observability.WithTrace(ctx, p.logger)

	sessionID := strings.TrimSpace(req.SessionID)
	in := conversation.AppendTurnInput{
		Question:       result.Question,
		SQLQuery:       result.SQLQuery,
		ResultsSummary: ResultsSummary(result.Results),
		Visualization:  string(result.Visualization),
		ErrorMessage:   result.Error,
	}

	for attempt := 0; attempt < 2; attempt++ {
		if sessionID == "" {
			session, err := p.store.GetOrCreateSession(ctx, req.DatasetID, req.UserIdentifier)
			if err != nil {
				observability.IncrementConversationWriteFailure()
				logger.Warn("resolve conversation session failed", slog.Any("error", err))
				return ""
			}
			sessionID = session.ID
		}
		in.SessionID = sessionID
		_, err := p.store.AppendTurn(ctx, in)
		if err == nil {
			return sessionID
		}
		if errors.Is(err, conversation.ErrNotFound) && attempt == 0 {
			logger.Info("conversation session not found, starting a new one", slog.String("session_id", sessionID))
			sessionID = ""
			continue
		}
		observability.IncrementConversationWriteFailure()
		logger.Warn("save conversation turn failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err),
		)
		return sessionID
	}
	return sessionID
}

// ResultsSummary is the short description persisted instead of the rows.
func ResultsSummary(results Results) string {
	switch {
	case results.NotRelevant:
		return "Not relevant to database"
	case len(results.Rows) == 0:
		return "No data found"
	case results.Truncated:
		return fmt.Sprintf("Found more than %d rows (first %d kept)", len(results.Rows), len(results.Rows))
	default:
		return fmt.Sprintf("Found %d rows", len(results.Rows))
	}
}

func formatRows(rows [][]any) string {
	if len(rows) == 0 {
		return "[]"
	}
	encoded, err := json.Marshal(rows)
	if err != nil {
		return fmt.Sprint(rows)
	}
	return string(encoded)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func truncate(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[:n] + "..."
}
