package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"golang.org/x/sync/singleflight"

	"github.com/shubhpsd/data-viz/internal/query"
	"github.com/shubhpsd/data-viz/internal/storage"
)

// Engine runs every statement in a fresh in-memory DuckDB instance. Tables are
// loaded from parquet before external access is switched off, so a statement
// cannot reach the filesystem and anything it creates dies with the instance.
type Engine struct {
	Store storage.ObjectStore
	// CacheDir keeps local copies of parquet objects between calls. Object
	// paths are immutable per upload so a cached copy never goes stale. When
	// empty, objects are fetched into a temp dir per call.
	CacheDir string

	fetches singleflight.Group
}

func NewEngine(store storage.ObjectStore, cacheDir string) *Engine {
	return &Engine{Store: store, CacheDir: cacheDir}
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	sqlText := stripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return query.Result{}, fmt.Errorf("sql is required")
	}
	if request.RowLimit > 0 {
		// The newline keeps a trailing line comment from swallowing the wrapper.
		sqlText = fmt.Sprintf("SELECT * FROM (%s\n) AS q LIMIT %d", sqlText, request.RowLimit)
	}

	start := time.Now()
	db, scannedBytes, cleanup, err := e.open(ctx, request.Tables)
	if err != nil {
		return query.Result{}, err
	}
	defer cleanup()

	columns, rows, err := collect(ctx, db, sqlText)
	if err != nil {
		return query.Result{}, err
	}
	return query.Result{
		Columns:      columns,
		Rows:         rows,
		ScannedFiles: len(request.Tables),
		ScannedBytes: scannedBytes,
		Duration:     time.Since(start),
	}, nil
}

func (e *Engine) Describe(ctx context.Context, tables []query.TableFile, sampleRows int) ([]query.TableSchema, error) {
	db, _, cleanup, err := e.open(ctx, tables)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	_, columnRows, err := collect(ctx, db, `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'main'
ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, fmt.Errorf("describe columns: %w", err)
	}

	schemas := make([]query.TableSchema, 0, len(tables))
	index := map[string]int{}
	for _, row := range columnRows {
		tableName := fmt.Sprint(row[0])
		i, ok := index[tableName]
		if !ok {
			i = len(schemas)
			index[tableName] = i
			schemas = append(schemas, query.TableSchema{Name: tableName})
		}
		schemas[i].Columns = append(schemas[i].Columns, query.Column{Name: fmt.Sprint(row[1]), Type: fmt.Sprint(row[2])})
	}

	if sampleRows > 0 {
		for i := range schemas {
			_, sample, err := collect(ctx, db, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(schemas[i].Name), sampleRows))
			if err != nil {
				return nil, fmt.Errorf("sample table %q: %w", schemas[i].Name, err)
			}
			schemas[i].SampleRows = sample
		}
	}
	return schemas, nil
}

func (e *Engine) open(ctx context.Context, tables []query.TableFile) (*sql.DB, int64, func(), error) {
	if len(tables) == 0 {
		return nil, 0, nil, fmt.Errorf("no tables registered for dataset")
	}
	if e.Store == nil {
		return nil, 0, nil, fmt.Errorf("object store is required")
	}

	dir := e.CacheDir
	removeDir := func() {}
	if dir == "" {
		tmp, err := os.MkdirTemp("", "dataviz-query-")
		if err != nil {
			return nil, 0, nil, fmt.Errorf("create query temp dir: %w", err)
		}
		dir = tmp
		removeDir = func() { _ = os.RemoveAll(tmp) }
	}

	localPaths := map[string]string{}
	var scannedBytes int64
	for _, table := range tables {
		localPath, err := e.fetch(ctx, dir, table.ObjectPath)
		if err != nil {
			removeDir()
			return nil, 0, nil, err
		}
		localPaths[table.TableName] = localPath
		scannedBytes += table.FileSizeBytes
	}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		removeDir()
		return nil, 0, nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	cleanup := func() {
		_ = db.Close()
		removeDir()
	}

	for tableName, localPath := range localPaths {
		loadSQL := fmt.Sprintf(`CREATE TABLE %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(tableName), quoteString(localPath))
		if _, err := db.ExecContext(ctx, loadSQL); err != nil {
			cleanup()
			return nil, 0, nil, fmt.Errorf("load table %q: %w", tableName, err)
		}
	}
	if _, err := db.ExecContext(ctx, `SET enable_external_access = false`); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("restrict duckdb: %w", err)
	}
	if _, err := db.ExecContext(ctx, `SET lock_configuration = true`); err != nil {
		cleanup()
		return nil, 0, nil, fmt.Errorf("lock duckdb configuration: %w", err)
	}
	return db, scannedBytes, cleanup, nil
}

func (e *Engine) fetch(ctx context.Context, dir, objectPath string) (string, error) {
	localPath := filepath.Join(dir, sanitizeFileComponent(objectPath))
	_, err, _ := e.fetches.Do(localPath, func() (any, error) {
		if _, err := os.Stat(localPath); err == nil {
			return nil, nil
		}
		reader, err := e.Store.Get(ctx, objectPath)
		if err != nil {
			return nil, fmt.Errorf("get object %q: %w", objectPath, err)
		}
		defer func() { _ = reader.Close() }()
		if err := writeFileAtomic(localPath, reader); err != nil {
			return nil, fmt.Errorf("write local parquet file %q: %w", localPath, err)
		}
		return nil, nil
	})
	if err != nil {
		return "", err
	}
	return localPath, nil
}

// collect runs sqlText and reports statement failures as *query.ExecutionError.
func collect(ctx context.Context, db *sql.DB, sqlText string) ([]string, [][]any, error) {
	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, nil, statementError(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	result := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, nil, statementError(ctx, err)
		}
		result = append(result, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, statementError(ctx, err)
	}
	return columns, result, nil
}

func statementError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("execute query: %w", ctxErr)
	}
	return query.NewExecutionError(err)
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339Nano)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func sanitizeFileComponent(value string) string {
	value = strings.ReplaceAll(value, "/", "_")
	value = strings.ReplaceAll(value, "..", "_")
	if value == "" {
		return "table.parquet"
	}
	return value
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
