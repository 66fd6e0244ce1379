// Package query defines the execution boundary between dataset metadata and
// the SQL engine that runs model-authored queries.
package query

import (
	"context"
	"errors"
	"time"
)

// TableFile is one registered table backed by a single parquet object.
type TableFile struct {
	TableName     string
	ObjectPath    string
	FileSizeBytes int64
}

type Request struct {
	SQL      string
	RowLimit int
	Tables   []TableFile
}

type Result struct {
	Columns      []string
	Rows         [][]any
	ScannedFiles int
	ScannedBytes int64
	Duration     time.Duration
}

type Column struct {
	Name string
	Type string
}

// TableSchema describes one table as the engine sees it.
type TableSchema struct {
	Name       string
	Columns    []Column
	SampleRows [][]any
}

type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
	Describe(ctx context.Context, tables []TableFile, sampleRows int) ([]TableSchema, error)
}

// ExecutionError reports that the engine rejected or failed to run a
// statement. Message carries the engine text verbatim.
type ExecutionError struct {
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return e.Message
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func NewExecutionError(err error) *ExecutionError {
	if err == nil {
		return nil
	}
	return &ExecutionError{Message: err.Error(), Err: err}
}

// IsExecutionError reports whether err is a statement-level failure as opposed
// to an unavailable engine, store or catalog.
func IsExecutionError(err error) bool {
	var execErr *ExecutionError
	return errors.As(err, &execErr)
}
