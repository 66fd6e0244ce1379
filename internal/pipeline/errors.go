package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/shubhpsd/data-viz/internal/dataset"
)

const (
	StageRequest      = "request"
	StageSchema       = "schema"
	StageInterpret    = "interpret"
	StageResolveNouns = "resolve_nouns"
	StageSynthesize   = "synthesize_sql"
	StageValidate     = "validate_sql"
	StageExecute      = "execute"
	StageVisualize    = "choose_visualization"
	StageFormat       = "format_result"
)

type ErrorKind string

const (
	KindInvalidRequest       ErrorKind = "invalid_request"
	KindDatasetNotFound      ErrorKind = "dataset_not_found"
	KindUpstreamUnavailable  ErrorKind = "upstream_unavailable"
	KindModelOutputMalformed ErrorKind = "model_output_malformed"
	KindCanceled             ErrorKind = "canceled"
)

var ErrMalformedOutput = errors.New("malformed model output")

// RunError is the single failure reported for an aborted run.
type RunError struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// fail classifies err for stage. A cancelled run wins over whatever the
// collaborator reported, and an unknown dataset is never an outage.
func (p *Pipeline) fail(ctx context.Context, stage string, kind ErrorKind, err error) *RunError {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &RunError{Stage: stage, Kind: KindCanceled, Err: ctxErr}
	}
	if errors.Is(err, dataset.ErrNotFound) {
		kind = KindDatasetNotFound
	}
	return &RunError{Stage: stage, Kind: kind, Err: err}
}
