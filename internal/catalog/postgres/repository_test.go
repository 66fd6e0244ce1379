package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/shubhpsd/data-viz/internal/catalog"
)

var tableColumns = []string{"dataset_id", "table_name", "object_path", "file_size_bytes", "record_count", "created_at", "updated_at"}

func TestRegisterTableFirstUpload(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT dataset_id, table_name, object_path, file_size_bytes, record_count, created_at, updated_at
FROM dataset_table
WHERE dataset_id = $1 AND table_name = $2
FOR UPDATE`)).
		WithArgs("d1", "sales").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO dataset_table (dataset_id, table_name, object_path, file_size_bytes, record_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (dataset_id, table_name)`)).
		WithArgs("d1", "sales", "datasets/d1/sales/upload-1.parquet", int64(512), int64(10)).
		WillReturnRows(sqlmock.NewRows(tableColumns).AddRow("d1", "sales", "datasets/d1/sales/upload-1.parquet", int64(512), int64(10), now, now))
	mock.ExpectCommit()

	result, err := repo.RegisterTable(context.Background(), catalog.RegisterTableInput{
		DatasetID:     "d1",
		TableName:     "sales",
		ObjectPath:    "datasets/d1/sales/upload-1.parquet",
		FileSizeBytes: 512,
		RecordCount:   10,
	})
	if err != nil {
		t.Fatalf("RegisterTable() error = %v", err)
	}
	if result.ReplacedObjectPath != "" {
		t.Fatalf("ReplacedObjectPath = %q, want empty", result.ReplacedObjectPath)
	}
	if result.Table.RecordCount != 10 || !result.Table.CreatedAt.Equal(now) {
		t.Fatalf("Table = %+v", result.Table)
	}
	assertSQLMock(t, mock)
}

func TestRegisterTableReportsReplacedObject(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs("d1", "sales").
		WillReturnRows(sqlmock.NewRows(tableColumns).AddRow("d1", "sales", "datasets/d1/sales/upload-1.parquet", int64(512), int64(10), now, now))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO dataset_table`)).
		WithArgs("d1", "sales", "datasets/d1/sales/upload-2.parquet", int64(600), int64(12)).
		WillReturnRows(sqlmock.NewRows(tableColumns).AddRow("d1", "sales", "datasets/d1/sales/upload-2.parquet", int64(600), int64(12), now, now))
	mock.ExpectCommit()

	result, err := repo.RegisterTable(context.Background(), catalog.RegisterTableInput{
		DatasetID:     "d1",
		TableName:     "sales",
		ObjectPath:    "datasets/d1/sales/upload-2.parquet",
		FileSizeBytes: 600,
		RecordCount:   12,
	})
	if err != nil {
		t.Fatalf("RegisterTable() error = %v", err)
	}
	if result.ReplacedObjectPath != "datasets/d1/sales/upload-1.parquet" {
		t.Fatalf("ReplacedObjectPath = %q", result.ReplacedObjectPath)
	}
	assertSQLMock(t, mock)
}

func TestRegisterTableRollsBackOnInsertFailure(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WithArgs("d1", "sales").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO dataset_table`)).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.RegisterTable(context.Background(), catalog.RegisterTableInput{DatasetID: "d1", TableName: "sales", ObjectPath: "p"})
	if err == nil {
		t.Fatal("RegisterTable() expected error")
	}
	assertSQLMock(t, mock)
}

func TestListTables(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT dataset_id, table_name, object_path, file_size_bytes, record_count, created_at, updated_at
FROM dataset_table
WHERE dataset_id = $1
ORDER BY table_name ASC`)).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows(tableColumns).
			AddRow("d1", "customers", "p1", int64(1), int64(2), now, now).
			AddRow("d1", "sales", "p2", int64(3), int64(4), now, now))

	tables, err := repo.ListTables(context.Background(), "d1")
	if err != nil {
		t.Fatalf("ListTables() error = %v", err)
	}
	if len(tables) != 2 || tables[0].TableName != "customers" || tables[1].ObjectPath != "p2" {
		t.Fatalf("tables = %+v", tables)
	}
	assertSQLMock(t, mock)
}

func TestGetTableReturnsNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE dataset_id = $1 AND table_name = $2`)).
		WithArgs("d1", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetTable(context.Background(), "d1", "missing")
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("error = %v, want %v", err, catalog.ErrNotFound)
	}
	assertSQLMock(t, mock)
}

func TestDeleteTableReturnsRemovedRow(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
DELETE FROM dataset_table
WHERE dataset_id = $1 AND table_name = $2`)).
		WithArgs("d1", "sales").
		WillReturnRows(sqlmock.NewRows(tableColumns).AddRow("d1", "sales", "p2", int64(3), int64(4), now, now))

	table, err := repo.DeleteTable(context.Background(), "d1", "sales")
	if err != nil {
		t.Fatalf("DeleteTable() error = %v", err)
	}
	if table.ObjectPath != "p2" {
		t.Fatalf("ObjectPath = %q", table.ObjectPath)
	}
	assertSQLMock(t, mock)
}

func TestListDatasets(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`GROUP BY dataset_id`)).
		WillReturnRows(sqlmock.NewRows([]string{"dataset_id", "table_count", "updated_at"}).AddRow("d1", 2, now))

	datasets, err := repo.ListDatasets(context.Background())
	if err != nil {
		t.Fatalf("ListDatasets() error = %v", err)
	}
	if len(datasets) != 1 || datasets[0].TableCount != 2 {
		t.Fatalf("datasets = %+v", datasets)
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
