// Package dataset joins the table catalog, the object store and the query
// engine into the schema accessor and query executor the pipeline talks to.
package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/shubhpsd/data-viz/internal/catalog"
	"github.com/shubhpsd/data-viz/internal/observability"
	"github.com/shubhpsd/data-viz/internal/query"
	"github.com/shubhpsd/data-viz/internal/storage"
)

var (
	ErrNotFound     = errors.New("dataset not found")
	ErrInvalidTable = errors.New("invalid table upload")
)

type Config struct {
	QueryTimeout     time.Duration
	SchemaSampleRows int
}

type Service struct {
	catalog catalog.Repository
	store   storage.ObjectStore
	engine  query.Engine
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(repo catalog.Repository, store storage.ObjectStore, engine query.Engine, cfg Config, logger *slog.Logger) *Service {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 60 * time.Second
	}
	if cfg.SchemaSampleRows < 0 {
		cfg.SchemaSampleRows = 0
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		catalog: repo,
		store:   store,
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GetSchema renders every table of the dataset as prompt-ready text.
func (s *Service) GetSchema(ctx context.Context, datasetID string) (string, error) {
	schemas, err := s.Describe(ctx, datasetID)
	if err != nil {
		return "", err
	}
	return FormatSchema(schemas), nil
}

func (s *Service) Describe(ctx context.Context, datasetID string) ([]query.TableSchema, error) {
	files, err := s.tableFiles(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	schemas, err := s.engine.Describe(queryCtx, files, s.cfg.SchemaSampleRows)
	if err != nil {
		return nil, fmt.Errorf("describe dataset %s: %w", datasetID, err)
	}
	return schemas, nil
}

// Execute runs sqlText against the dataset. Statement failures, including the
// query deadline firing, come back as *query.ExecutionError; anything else
// means the catalog, store or engine could not be reached.
func (s *Service) Execute(ctx context.Context, datasetID, sqlText string, rowLimit int) ([][]any, error) {
	files, err := s.tableFiles(ctx, datasetID)
	if err != nil {
		observability.ObserveQueryExecution("error")
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	result, err := s.engine.Execute(queryCtx, query.Request{SQL: sqlText, RowLimit: rowLimit, Tables: files})
	if err != nil {
		if ctx.Err() == nil && errors.Is(queryCtx.Err(), context.DeadlineExceeded) {
			err = &query.ExecutionError{
				Message: fmt.Sprintf("query timed out after %s", s.cfg.QueryTimeout),
				Err:     context.DeadlineExceeded,
			}
		}
		if query.IsExecutionError(err) {
			observability.ObserveQueryExecution("execution_error")
			return nil, err
		}
		observability.ObserveQueryExecution("error")
		return nil, fmt.Errorf("execute on dataset %s: %w", datasetID, err)
	}
	observability.ObserveQueryExecution("ok")
	observability.WithTrace(ctx, s.logger).Debug("query executed",
		slog.String("dataset_id", datasetID),
		slog.Int("rows", len(result.Rows)),
		slog.Int64("scanned_bytes", result.ScannedBytes),
		slog.Duration("elapsed", result.Duration),
	)
	return result.Rows, nil
}

func (s *Service) ListTables(ctx context.Context, datasetID string) ([]catalog.DatasetTable, error) {
	tables, err := s.catalog.ListTables(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return tables, nil
}

func (s *Service) ListDatasets(ctx context.Context) ([]catalog.DatasetSummary, error) {
	datasets, err := s.catalog.ListDatasets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	return datasets, nil
}

// RegisterTable stores a parquet upload and points the catalog at it. A table
// that already existed is replaced and its previous object removed.
func (s *Service) RegisterTable(ctx context.Context, datasetID, tableName string, body []byte) (catalog.DatasetTable, error) {
	key, err := storage.BuildTablePath(datasetID, tableName, s.now())
	if err != nil {
		return catalog.DatasetTable{}, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	recordCount, err := inspectParquet(body)
	if err != nil {
		return catalog.DatasetTable{}, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}

	if _, err := s.store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), storage.PutOptions{
		ContentType: storage.ContentTypeParquet,
		Metadata: map[string]string{
			storage.MetadataDatasetID: datasetID,
			storage.MetadataTableName: tableName,
		},
	}); err != nil {
		return catalog.DatasetTable{}, fmt.Errorf("upload table object: %w", err)
	}

	registered, err := s.catalog.RegisterTable(ctx, catalog.RegisterTableInput{
		DatasetID:     datasetID,
		TableName:     tableName,
		ObjectPath:    key,
		FileSizeBytes: int64(len(body)),
		RecordCount:   recordCount,
	})
	if err != nil {
		s.removeObject(ctx, key)
		return catalog.DatasetTable{}, fmt.Errorf("register table: %w", err)
	}
	if registered.ReplacedObjectPath != "" && registered.ReplacedObjectPath != key {
		s.removeObject(ctx, registered.ReplacedObjectPath)
	}

	observability.WithTrace(ctx, s.logger).Info("table registered",
		slog.String("dataset_id", datasetID),
		slog.String("table", tableName),
		slog.Int64("records", recordCount),
		slog.Bool("replaced", registered.ReplacedObjectPath != ""),
	)
	return registered.Table, nil
}

func (s *Service) DeleteTable(ctx context.Context, datasetID, tableName string) error {
	removed, err := s.catalog.DeleteTable(ctx, datasetID, tableName)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete table: %w", err)
	}
	s.removeObject(ctx, removed.ObjectPath)
	return nil
}

// SweepOrphanedObjects removes table objects that no catalog entry points at
// and that were last modified before cutoff. Newer objects are left alone
// since their catalog write may still be in flight.
func (s *Service) SweepOrphanedObjects(ctx context.Context, cutoff time.Time) (int64, error) {
	datasets, err := s.catalog.ListDatasets(ctx)
	if err != nil {
		return 0, fmt.Errorf("list datasets: %w", err)
	}
	referenced := map[string]struct{}{}
	for _, ds := range datasets {
		tables, err := s.catalog.ListTables(ctx, ds.DatasetID)
		if err != nil {
			return 0, fmt.Errorf("list tables of %s: %w", ds.DatasetID, err)
		}
		for _, table := range tables {
			referenced[table.ObjectPath] = struct{}{}
		}
	}

	objects, err := s.store.List(ctx, storage.TablesRoot+"/")
	if err != nil {
		return 0, fmt.Errorf("list table objects: %w", err)
	}
	var deleted int64
	for _, object := range objects {
		if _, ok := referenced[object.Key]; ok {
			continue
		}
		if object.LastModified.IsZero() || !object.LastModified.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, object.Key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
			return deleted, fmt.Errorf("delete orphaned object %q: %w", object.Key, err)
		}
		deleted++
	}
	if deleted > 0 {
		observability.WithTrace(ctx, s.logger).Info("orphaned table objects removed",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
	}
	return deleted, nil
}

func (s *Service) HealthCheck(ctx context.Context) error {
	if err := s.catalog.HealthCheck(ctx); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if checker, ok := s.store.(storage.HealthChecker); ok {
		if err := checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("object store: %w", err)
		}
	}
	return nil
}

func (s *Service) tableFiles(ctx context.Context, datasetID string) ([]query.TableFile, error) {
	tables, err := s.catalog.ListTables(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, datasetID)
	}
	files := make([]query.TableFile, 0, len(tables))
	for _, table := range tables {
		files = append(files, query.TableFile{
			TableName:     table.TableName,
			ObjectPath:    table.ObjectPath,
			FileSizeBytes: table.FileSizeBytes,
		})
	}
	return files, nil
}

// removeObject is best effort; an orphaned object only costs storage.
func (s *Service) removeObject(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		observability.WithTrace(ctx, s.logger).Warn("remove table object failed",
			slog.String("object_path", key),
			slog.Any("error", err),
		)
	}
}

func inspectParquet(body []byte) (int64, error) {
	if len(body) == 0 {
		return 0, errors.New("empty body")
	}
	file, err := parquet.OpenFile(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return 0, fmt.Errorf("not a parquet file: %w", err)
	}
	if len(file.Schema().Fields()) == 0 {
		return 0, errors.New("parquet file has no columns")
	}
	return file.NumRows(), nil
}

// FormatSchema renders table definitions followed by sample rows.
func FormatSchema(schemas []query.TableSchema) string {
	var b strings.Builder
	for i, table := range schemas {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Table: %s\n", table.Name)
		b.WriteString("Columns:\n")
		for _, column := range table.Columns {
			fmt.Fprintf(&b, "  - %s %s\n", column.Name, column.Type)
		}
		if len(table.SampleRows) == 0 {
			continue
		}
		b.WriteString("Sample rows:\n")
		for _, row := range table.SampleRows {
			b.WriteString("  ")
			b.WriteString(formatRow(row))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRow(row []any) string {
	parts := make([]string, len(row))
	for i, value := range row {
		if value == nil {
			parts[i] = "NULL"
			continue
		}
		parts[i] = fmt.Sprint(value)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
