// Package catalog records which parquet object backs each table of a dataset.
package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog: not found")

type Repository interface {
	HealthCheck(ctx context.Context) error
	RegisterTable(ctx context.Context, in RegisterTableInput) (RegisterTableResult, error)
	GetTable(ctx context.Context, datasetID, tableName string) (DatasetTable, error)
	ListTables(ctx context.Context, datasetID string) ([]DatasetTable, error)
	ListDatasets(ctx context.Context) ([]DatasetSummary, error)
	DeleteTable(ctx context.Context, datasetID, tableName string) (DatasetTable, error)
}

type DatasetTable struct {
	DatasetID     string
	TableName     string
	ObjectPath    string
	FileSizeBytes int64
	RecordCount   int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type DatasetSummary struct {
	DatasetID  string
	TableCount int
	UpdatedAt  time.Time
}

type RegisterTableInput struct {
	DatasetID     string
	TableName     string
	ObjectPath    string
	FileSizeBytes int64
	RecordCount   int64
}

// RegisterTableResult carries the object path that a re-upload replaced, so
// callers can remove the orphaned object.
type RegisterTableResult struct {
	Table              DatasetTable
	ReplacedObjectPath string
}
