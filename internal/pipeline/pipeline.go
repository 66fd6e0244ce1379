// Package pipeline answers a natural-language question about a dataset:
// interpret, resolve nouns, synthesize SQL, validate, execute, pick a chart
// and phrase the answer, carrying recent conversation turns as context.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/shubhpsd/data-viz/internal/config"
	"github.com/shubhpsd/data-viz/internal/conversation"
	"github.com/shubhpsd/data-viz/internal/llm"
	"github.com/shubhpsd/data-viz/internal/observability"
)

const (
	SentinelNotRelevant   = "NOT_RELEVANT"
	SentinelNotEnoughInfo = "NOT_ENOUGH_INFO"

	RefusalAnswer = "Sorry, I can only give answers relevant to the database."
)

type SchemaAccessor interface {
	GetSchema(ctx context.Context, datasetID string) (string, error)
}

// QueryExecutor runs SQL against a dataset. Statement failures must be
// reported as *query.ExecutionError; any other error aborts the run.
type QueryExecutor interface {
	Execute(ctx context.Context, datasetID, sqlText string, rowLimit int) ([][]any, error)
}

type Request struct {
	Question       string `json:"question"`
	DatasetID      string `json:"dataset_id"`
	SessionID      string `json:"session_id,omitempty"`
	UserIdentifier string `json:"user_identifier,omitempty"`
}

type RelevantTable struct {
	TableName   string   `json:"table_name"`
	Columns     []string `json:"columns"`
	NounColumns []string `json:"noun_columns"`
}

type Interpretation struct {
	IsRelevant     bool            `json:"is_relevant"`
	RelevantTables []RelevantTable `json:"relevant_tables"`
}

// Track is the branch a run follows once the question has been interpreted.
type Track interface {
	isTrack()
}

// NotRelevant collapses every stage after interpretation to fixed values.
type NotRelevant struct {
	// NotEnoughInfo marks a question the interpreter accepted but the
	// synthesizer could not write SQL for.
	NotEnoughInfo bool
}

type Relevant struct {
	Tables    []RelevantTable
	Nouns     []string
	SQL       string
	SQLValid  bool
	SQLIssues string
	Rows      [][]any
	Truncated bool
	ExecError string
}

func (NotRelevant) isTrack() {}
func (*Relevant) isTrack()   {}

type Visualization string

const (
	VisualizationBar           Visualization = "bar"
	VisualizationHorizontalBar Visualization = "horizontal_bar"
	VisualizationLine          Visualization = "line"
	VisualizationPie           Visualization = "pie"
	VisualizationScatter       Visualization = "scatter"
	VisualizationNone          Visualization = "none"
)

// Results is either the row set or the NOT_RELEVANT sentinel. Truncated marks
// a row set cut at the answer row limit; it is not part of the JSON form.
type Results struct {
	NotRelevant bool
	Rows        [][]any
	Truncated   bool
}

func (r Results) MarshalJSON() ([]byte, error) {
	if r.NotRelevant {
		return json.Marshal(SentinelNotRelevant)
	}
	if r.Rows == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.Rows)
}

func (r *Results) UnmarshalJSON(data []byte) error {
	var sentinel string
	if err := json.Unmarshal(data, &sentinel); err == nil {
		if sentinel != SentinelNotRelevant {
			return fmt.Errorf("unexpected results sentinel %q", sentinel)
		}
		*r = Results{NotRelevant: true}
		return nil
	}
	var rows [][]any
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("decode results: %w", err)
	}
	*r = Results{Rows: rows}
	return nil
}

// Result is the flat record returned to callers.
type Result struct {
	Question            string         `json:"question"`
	DatasetID           string         `json:"dataset_id"`
	SessionID           string         `json:"session_id,omitempty"`
	ParsedQuestion      Interpretation `json:"parsed_question"`
	UniqueNouns         []string       `json:"unique_nouns"`
	SQLQuery            string         `json:"sql_query"`
	SQLValid            bool           `json:"sql_valid"`
	SQLIssues           string         `json:"sql_issues,omitempty"`
	Results             Results        `json:"results"`
	ResultsTruncated    bool           `json:"results_truncated,omitempty"`
	Error               string         `json:"error,omitempty"`
	Answer              string         `json:"answer"`
	Visualization       Visualization  `json:"visualization"`
	VisualizationReason string         `json:"visualization_reason"`
}

type Config struct {
	ContextTurns         int
	SynthesisAttempts    int
	NounProbeConcurrency int
	ValidationRowLimit   int
	AnswerRowLimit       int
}

func ConfigFrom(pipelineCfg config.PipelineConfig, queryCfg config.QueryConfig) Config {
	return Config{
		ContextTurns:         pipelineCfg.ContextTurns,
		SynthesisAttempts:    pipelineCfg.SynthesisAttempts,
		NounProbeConcurrency: pipelineCfg.NounProbeConcurrency,
		ValidationRowLimit:   queryCfg.ValidationRowLimit,
		AnswerRowLimit:       queryCfg.AnswerRowLimit,
	}
}

type Dependencies struct {
	Schema   SchemaAccessor
	Executor QueryExecutor
	Model    llm.Client
	Store    conversation.Store
	Logger   *slog.Logger
}

type Pipeline struct {
	schema   SchemaAccessor
	executor QueryExecutor
	model    llm.Client
	store    conversation.Store
	cfg      Config
	logger   *slog.Logger
}

func New(deps Dependencies, cfg Config) (*Pipeline, error) {
	if deps.Schema == nil {
		return nil, fmt.Errorf("schema accessor is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("query executor is required")
	}
	if deps.Model == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("conversation store is required")
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = 3
	}
	if cfg.SynthesisAttempts <= 0 {
		cfg.SynthesisAttempts = 1
	}
	if cfg.NounProbeConcurrency <= 0 {
		cfg.NounProbeConcurrency = 4
	}
	if cfg.ValidationRowLimit <= 0 {
		cfg.ValidationRowLimit = 1
	}
	if cfg.AnswerRowLimit < 0 {
		cfg.AnswerRowLimit = 0
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{
		schema:   deps.Schema,
		executor: deps.Executor,
		model:    deps.Model,
		store:    deps.Store,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Run processes one question. Execution failures come back inside the Result;
// a returned error is always a *RunError and means no answer was produced.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	result, err := p.run(ctx, req)
	outcome := runOutcome(result, err)
	observability.ObservePipelineRun(outcome)

	logger := observability.WithTrace(ctx, p.logger).With(
		slog.String("dataset_id", req.DatasetID),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", time.Since(start)),
	)
	if err != nil {
		logger.Warn("question run failed", slog.Any("error", err))
		return Result{}, err
	}
	logger.Info("question answered",
		slog.String("session_id", result.SessionID),
		slog.String("visualization", string(result.Visualization)),
	)
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, req Request) (Result, error) {
	req.Question = strings.TrimSpace(req.Question)
	req.DatasetID = strings.TrimSpace(req.DatasetID)
	if req.Question == "" {
		return Result{}, &RunError{Stage: StageRequest, Kind: KindInvalidRequest, Err: errors.New("question is required")}
	}
	if req.DatasetID == "" {
		return Result{}, &RunError{Stage: StageRequest, Kind: KindInvalidRequest, Err: errors.New("dataset_id is required")}
	}

	var schema string
	if err := p.stage(ctx, StageSchema, req.DatasetID, func(ctx context.Context) error {
		var err error
		schema, err = p.schema.GetSchema(ctx, req.DatasetID)
		if err != nil {
			return p.fail(ctx, StageSchema, KindUpstreamUnavailable, err)
		}
		return nil
	}); err != nil {
		return Result{}, err
	}

	history := p.buildContext(ctx, req.SessionID)

	var interpretation Interpretation
	if err := p.stage(ctx, StageInterpret, req.DatasetID, func(ctx context.Context) error {
		var err error
		interpretation, err = p.interpret(ctx, req.Question, schema, history)
		return err
	}); err != nil {
		return Result{}, err
	}

	var track Track = NotRelevant{}
	if interpretation.IsRelevant {
		relevant := &Relevant{Tables: interpretation.RelevantTables}
		track = relevant

		if err := p.stage(ctx, StageResolveNouns, req.DatasetID, func(ctx context.Context) error {
			var err error
			relevant.Nouns, err = p.resolveNouns(ctx, req.DatasetID, relevant.Tables)
			return err
		}); err != nil {
			return Result{}, err
		}

		if err := p.synthesizeAndValidate(ctx, req, schema, history, relevant); err != nil {
			return Result{}, err
		}
		if relevant.SQL == SentinelNotRelevant {
			track = NotRelevant{NotEnoughInfo: true}
		}
	}

	if relevant, ok := track.(*Relevant); ok {
		if err := p.stage(ctx, StageExecute, req.DatasetID, func(ctx context.Context) error {
			return p.execute(ctx, req.DatasetID, relevant)
		}); err != nil {
			return Result{}, err
		}
	}

	var (
		visualization Visualization
		reason        string
	)
	if err := p.stage(ctx, StageVisualize, req.DatasetID, func(ctx context.Context) error {
		visualization, reason = p.chooseVisualization(ctx, req.Question, track)
		return nil
	}); err != nil {
		return Result{}, err
	}

	var answer string
	if err := p.stage(ctx, StageFormat, req.DatasetID, func(ctx context.Context) error {
		var err error
		answer, err = p.formatAnswer(ctx, req.Question, track)
		return err
	}); err != nil {
		return Result{}, err
	}

	result := buildResult(req, interpretation, track)
	result.Answer = answer
	result.Visualization = visualization
	result.VisualizationReason = reason
	result.SessionID = p.saveTurn(ctx, req, result)
	return result, nil
}

func buildResult(req Request, interpretation Interpretation, track Track) Result {
	result := Result{
		Question:       req.Question,
		DatasetID:      req.DatasetID,
		ParsedQuestion: interpretation,
		UniqueNouns:    []string{},
	}
	if result.ParsedQuestion.RelevantTables == nil {
		result.ParsedQuestion.RelevantTables = []RelevantTable{}
	}
	switch t := track.(type) {
	case *Relevant:
		result.UniqueNouns = t.Nouns
		result.SQLQuery = t.SQL
		result.SQLValid = t.SQLValid
		result.SQLIssues = t.SQLIssues
		result.Results = Results{Rows: t.Rows, Truncated: t.Truncated}
		result.ResultsTruncated = t.Truncated
		result.Error = t.ExecError
	case NotRelevant:
		result.SQLQuery = SentinelNotRelevant
		result.Results = Results{NotRelevant: true}
	}
	return result
}

func runOutcome(result Result, err error) string {
	switch {
	case err != nil:
		return "failed"
	case result.Results.NotRelevant:
		return "not_relevant"
	case result.Error != "":
		return "execution_error"
	default:
		return "answered"
	}
}

// stage checks for cancellation at the boundary, then times fn.
func (p *Pipeline) stage(ctx context.Context, name, datasetID string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &RunError{Stage: name, Kind: KindCanceled, Err: err}
	}
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	observability.ObserveStage(name, elapsed)

	logger := observability.WithTrace(ctx, p.logger)
	if err != nil {
		logger.Warn("pipeline stage failed",
			slog.String("stage", name),
			slog.String("dataset_id", datasetID),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", err),
		)
		return err
	}
	logger.Debug("pipeline stage finished",
		slog.String("stage", name),
		slog.String("dataset_id", datasetID),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}
