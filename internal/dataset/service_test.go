package dataset

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/shubhpsd/data-viz/internal/catalog"
	"github.com/shubhpsd/data-viz/internal/query"
	"github.com/shubhpsd/data-viz/internal/query/duckdb"
	"github.com/shubhpsd/data-viz/internal/storage"
)

type sale struct {
	ProductName string `parquet:"product_name"`
	Quantity    int64  `parquet:"quantity"`
}

func TestRegisterTableThenQuery(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	table, err := svc.RegisterTable(ctx, "retail", "sales", salesParquet(t))
	if err != nil {
		t.Fatalf("RegisterTable() error = %v", err)
	}
	if table.RecordCount != 3 || !strings.HasPrefix(table.ObjectPath, "datasets/retail/sales/upload-") {
		t.Fatalf("RegisterTable() = %+v", table)
	}
	if _, ok := store.object(table.ObjectPath); !ok {
		t.Fatalf("object %q not uploaded", table.ObjectPath)
	}
	if meta := store.metadata[table.ObjectPath]; meta[storage.MetadataDatasetID] != "retail" || meta[storage.MetadataTableName] != "sales" {
		t.Fatalf("object metadata = %v", meta)
	}

	rows, err := svc.Execute(ctx, "retail", "SELECT product_name, SUM(quantity) AS total FROM sales GROUP BY product_name ORDER BY total DESC LIMIT 1", 0)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(rows) != 1 || rows[0][0] != "Widget" {
		t.Fatalf("Execute() rows = %#v", rows)
	}

	schema, err := svc.GetSchema(ctx, "retail")
	if err != nil {
		t.Fatalf("GetSchema() error = %v", err)
	}
	for _, want := range []string{"Table: sales", "product_name", "quantity", "Sample rows:"} {
		if !strings.Contains(schema, want) {
			t.Fatalf("GetSchema() missing %q:\n%s", want, schema)
		}
	}
}

func TestReRegisterRemovesReplacedObject(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	tick := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	first, err := svc.RegisterTable(ctx, "retail", "sales", salesParquet(t))
	if err != nil {
		t.Fatalf("RegisterTable() error = %v", err)
	}
	second, err := svc.RegisterTable(ctx, "retail", "sales", salesParquet(t))
	if err != nil {
		t.Fatalf("RegisterTable() error = %v", err)
	}
	if first.ObjectPath == second.ObjectPath {
		t.Fatal("re-upload reused the object path")
	}
	if _, ok := store.object(first.ObjectPath); ok {
		t.Fatalf("replaced object %q was not removed", first.ObjectPath)
	}
	if _, ok := store.object(second.ObjectPath); !ok {
		t.Fatalf("new object %q missing", second.ObjectPath)
	}
}

func TestRegisterTableRejectsInvalidUploads(t *testing.T) {
	svc, _, _ := newTestService(t)
	tests := []struct {
		name    string
		dataset string
		table   string
		body    []byte
	}{
		{"not parquet", "retail", "sales", []byte("product_name,quantity\nWidget,3\n")},
		{"empty body", "retail", "sales", nil},
		{"bad table name", "retail", "sales; DROP", salesParquet(t)},
		{"bad dataset id", "../etc", "sales", salesParquet(t)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.RegisterTable(context.Background(), tc.dataset, tc.table, tc.body)
			if !errors.Is(err, ErrInvalidTable) {
				t.Fatalf("RegisterTable() error = %v, want ErrInvalidTable", err)
			}
		})
	}
}

func TestRegisterTableRemovesObjectWhenCatalogFails(t *testing.T) {
	svc, store, repo := newTestService(t)
	repo.registerErr = errors.New("catalog down")

	if _, err := svc.RegisterTable(context.Background(), "retail", "sales", salesParquet(t)); err == nil {
		t.Fatal("RegisterTable() expected error")
	}
	if n := store.count(); n != 0 {
		t.Fatalf("objects left behind = %d, want 0", n)
	}
}

func TestUnknownDatasetIsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.GetSchema(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSchema() error = %v, want ErrNotFound", err)
	}
	if _, err := svc.Execute(context.Background(), "missing", "SELECT 1", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Execute() error = %v, want ErrNotFound", err)
	}
}

func TestExecuteSurfacesEngineMessage(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.RegisterTable(ctx, "retail", "sales", salesParquet(t)); err != nil {
		t.Fatalf("RegisterTable() error = %v", err)
	}

	_, err := svc.Execute(ctx, "retail", "SELECT missing_column FROM sales", 1)
	var execErr *query.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Execute() error = %v, want ExecutionError", err)
	}
	if !strings.Contains(execErr.Message, "missing_column") {
		t.Fatalf("ExecutionError message = %q", execErr.Message)
	}
}

func TestExecuteTimeoutIsExecutionError(t *testing.T) {
	repo := newFakeCatalog()
	repo.tables["retail"] = []catalog.DatasetTable{{DatasetID: "retail", TableName: "sales", ObjectPath: "k"}}
	svc := NewService(repo, newMemStore(), blockingEngine{}, Config{QueryTimeout: 10 * time.Millisecond}, nil)

	_, err := svc.Execute(context.Background(), "retail", "SELECT 1", 0)
	var execErr *query.ExecutionError
	if !errors.As(err, &execErr) || !strings.Contains(execErr.Message, "timed out") {
		t.Fatalf("Execute() error = %v, want timeout ExecutionError", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Execute(ctx, "retail", "SELECT 1", 0)
	if query.IsExecutionError(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute(canceled) error = %v, want context.Canceled", err)
	}
}

func TestDeleteTable(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	table, err := svc.RegisterTable(ctx, "retail", "sales", salesParquet(t))
	if err != nil {
		t.Fatalf("RegisterTable() error = %v", err)
	}
	if err := svc.DeleteTable(ctx, "retail", "sales"); err != nil {
		t.Fatalf("DeleteTable() error = %v", err)
	}
	if _, ok := store.object(table.ObjectPath); ok {
		t.Fatal("object still present after delete")
	}
	if err := svc.DeleteTable(ctx, "retail", "sales"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteTable(again) error = %v, want ErrNotFound", err)
	}
}

func TestSweepOrphanedObjects(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	table, err := svc.RegisterTable(ctx, "retail", "sales", salesParquet(t))
	if err != nil {
		t.Fatalf("RegisterTable() error = %v", err)
	}
	now := time.Now().UTC()
	store.put(table.ObjectPath, []byte("referenced"), now.Add(-48*time.Hour))
	store.put("datasets/retail/sales/upload-1.parquet", []byte("orphan"), now.Add(-48*time.Hour))
	store.put("datasets/retail/sales/upload-2.parquet", []byte("in flight"), now)
	store.put("exports/report.csv", []byte("not a table"), now.Add(-48*time.Hour))

	deleted, err := svc.SweepOrphanedObjects(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SweepOrphanedObjects() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, ok := store.object("datasets/retail/sales/upload-1.parquet"); ok {
		t.Fatal("orphaned object survived the sweep")
	}
	for _, key := range []string{table.ObjectPath, "datasets/retail/sales/upload-2.parquet", "exports/report.csv"} {
		if _, ok := store.object(key); !ok {
			t.Fatalf("object %q was removed", key)
		}
	}
}

func TestFormatSchema(t *testing.T) {
	got := FormatSchema([]query.TableSchema{
		{
			Name:       "sales",
			Columns:    []query.Column{{Name: "product_name", Type: "VARCHAR"}, {Name: "quantity", Type: "BIGINT"}},
			SampleRows: [][]any{{"Widget", int64(3)}, {nil, int64(1)}},
		},
		{Name: "regions", Columns: []query.Column{{Name: "name", Type: "VARCHAR"}}},
	})
	want := strings.Join([]string{
		"Table: sales",
		"Columns:",
		"  - product_name VARCHAR",
		"  - quantity BIGINT",
		"Sample rows:",
		"  (Widget, 3)",
		"  (NULL, 1)",
		"",
		"Table: regions",
		"Columns:",
		"  - name VARCHAR",
	}, "\n")
	if got != want {
		t.Fatalf("FormatSchema() =\n%s\nwant\n%s", got, want)
	}
}

func newTestService(t *testing.T) (*Service, *memStore, *fakeCatalog) {
	t.Helper()
	store := newMemStore()
	repo := newFakeCatalog()
	svc := NewService(repo, store, duckdb.NewEngine(store, ""), Config{QueryTimeout: 30 * time.Second, SchemaSampleRows: 2}, nil)
	return svc, store, repo
}

func salesParquet(t *testing.T) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[sale](buf)
	if _, err := writer.Write([]sale{
		{ProductName: "Widget", Quantity: 10},
		{ProductName: "Gadget", Quantity: 4},
		{ProductName: "Widget", Quantity: 5},
	}); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close parquet writer: %v", err)
	}
	return buf.Bytes()
}

type memStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	metadata map[string]map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		objects:  map[string][]byte{},
		modified: map[string]time.Time{},
		metadata: map[string]map[string]string{},
	}
}

func (m *memStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.put(key, data, time.Now().UTC())
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[key] = opts.Metadata
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) put(key string, data []byte, modified time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.modified[key] = modified
}

func (m *memStore) List(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data)), LastModified: m.modified[key]})
		}
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.object(key)
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	data, ok := m.object(key)
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return storage.ErrObjectNotFound
	}
	delete(m.objects, key)
	return nil
}

func (m *memStore) object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type fakeCatalog struct {
	mu          sync.Mutex
	tables      map[string][]catalog.DatasetTable
	registerErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{tables: map[string][]catalog.DatasetTable{}}
}

func (f *fakeCatalog) HealthCheck(context.Context) error { return nil }

func (f *fakeCatalog) RegisterTable(_ context.Context, in catalog.RegisterTableInput) (catalog.RegisterTableResult, error) {
	if f.registerErr != nil {
		return catalog.RegisterTableResult{}, f.registerErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	table := catalog.DatasetTable{
		DatasetID:     in.DatasetID,
		TableName:     in.TableName,
		ObjectPath:    in.ObjectPath,
		FileSizeBytes: in.FileSizeBytes,
		RecordCount:   in.RecordCount,
	}
	tables := f.tables[in.DatasetID]
	for i, existing := range tables {
		if existing.TableName == in.TableName {
			tables[i] = table
			return catalog.RegisterTableResult{Table: table, ReplacedObjectPath: existing.ObjectPath}, nil
		}
	}
	f.tables[in.DatasetID] = append(tables, table)
	return catalog.RegisterTableResult{Table: table}, nil
}

func (f *fakeCatalog) GetTable(_ context.Context, datasetID, tableName string) (catalog.DatasetTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, table := range f.tables[datasetID] {
		if table.TableName == tableName {
			return table, nil
		}
	}
	return catalog.DatasetTable{}, catalog.ErrNotFound
}

func (f *fakeCatalog) ListTables(_ context.Context, datasetID string) ([]catalog.DatasetTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]catalog.DatasetTable(nil), f.tables[datasetID]...), nil
}

func (f *fakeCatalog) ListDatasets(context.Context) ([]catalog.DatasetSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]catalog.DatasetSummary, 0, len(f.tables))
	for id, tables := range f.tables {
		out = append(out, catalog.DatasetSummary{DatasetID: id, TableCount: len(tables)})
	}
	return out, nil
}

func (f *fakeCatalog) DeleteTable(_ context.Context, datasetID, tableName string) (catalog.DatasetTable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tables := f.tables[datasetID]
	for i, table := range tables {
		if table.TableName == tableName {
			f.tables[datasetID] = append(tables[:i], tables[i+1:]...)
			return table, nil
		}
	}
	return catalog.DatasetTable{}, catalog.ErrNotFound
}

type blockingEngine struct{}

func (blockingEngine) Execute(ctx context.Context, _ query.Request) (query.Result, error) {
	<-ctx.Done()
	return query.Result{}, ctx.Err()
}

func (blockingEngine) Describe(ctx context.Context, _ []query.TableFile, _ int) ([]query.TableSchema, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
