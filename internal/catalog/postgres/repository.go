package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shubhpsd/data-viz/internal/catalog"
)

type dbTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping catalog db: %w", err)
	}
	return nil
}

func (r *Repository) RegisterTable(ctx context.Context, in catalog.RegisterTableInput) (catalog.RegisterTableResult, error) {
	var result catalog.RegisterTableResult
	err := r.WithTx(ctx, func(tx *TxRepository) error {
		previous, err := tx.lockTable(ctx, in.DatasetID, in.TableName)
		switch {
		case errors.Is(err, catalog.ErrNotFound):
		case err != nil:
			return err
		default:
			if previous.ObjectPath != in.ObjectPath {
				result.ReplacedObjectPath = previous.ObjectPath
			}
		}

		table, err := tx.upsertTable(ctx, in)
		if err != nil {
			return err
		}
		result.Table = table
		return nil
	})
	if err != nil {
		return catalog.RegisterTableResult{}, err
	}
	return result, nil
}

func (r *Repository) GetTable(ctx context.Context, datasetID, tableName string) (catalog.DatasetTable, error) {
	query := `
SELECT dataset_id, table_name, object_path, file_size_bytes, record_count, created_at, updated_at
FROM dataset_table
WHERE dataset_id = $1 AND table_name = $2`

	table, err := scanTable(r.db.QueryRowContext(ctx, query, datasetID, tableName))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.DatasetTable{}, err
		}
		return catalog.DatasetTable{}, fmt.Errorf("get table: %w", err)
	}
	return table, nil
}

func (r *Repository) ListTables(ctx context.Context, datasetID string) ([]catalog.DatasetTable, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT dataset_id, table_name, object_path, file_size_bytes, record_count, created_at, updated_at
FROM dataset_table
WHERE dataset_id = $1
ORDER BY table_name ASC`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tables := make([]catalog.DatasetTable, 0)
	for rows.Next() {
		table, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table rows: %w", err)
	}
	return tables, nil
}

func (r *Repository) ListDatasets(ctx context.Context) ([]catalog.DatasetSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT dataset_id, COUNT(*) AS table_count, MAX(updated_at) AS updated_at
FROM dataset_table
GROUP BY dataset_id
ORDER BY dataset_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	datasets := make([]catalog.DatasetSummary, 0)
	for rows.Next() {
		var dataset catalog.DatasetSummary
		if err := rows.Scan(&dataset.DatasetID, &dataset.TableCount, &dataset.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dataset row: %w", err)
		}
		datasets = append(datasets, dataset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dataset rows: %w", err)
	}
	return datasets, nil
}

func (r *Repository) DeleteTable(ctx context.Context, datasetID, tableName string) (catalog.DatasetTable, error) {
	query := `
DELETE FROM dataset_table
WHERE dataset_id = $1 AND table_name = $2
RETURNING dataset_id, table_name, object_path, file_size_bytes, record_count, created_at, updated_at`

	table, err := scanTable(r.db.QueryRowContext(ctx, query, datasetID, tableName))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.DatasetTable{}, err
		}
		return catalog.DatasetTable{}, fmt.Errorf("delete table: %w", err)
	}
	return table, nil
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx *TxRepository) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&TxRepository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type TxRepository struct {
	q dbTX
}

func (r *TxRepository) lockTable(ctx context.Context, datasetID, tableName string) (catalog.DatasetTable, error) {
	query := `
SELECT dataset_id, table_name, object_path, file_size_bytes, record_count, created_at, updated_at
FROM dataset_table
WHERE dataset_id = $1 AND table_name = $2
FOR UPDATE`

	table, err := scanTable(r.q.QueryRowContext(ctx, query, datasetID, tableName))
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return catalog.DatasetTable{}, err
		}
		return catalog.DatasetTable{}, fmt.Errorf("lock table in tx: %w", err)
	}
	return table, nil
}

func (r *TxRepository) upsertTable(ctx context.Context, in catalog.RegisterTableInput) (catalog.DatasetTable, error) {
	query := `
INSERT INTO dataset_table (dataset_id, table_name, object_path, file_size_bytes, record_count)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (dataset_id, table_name)
DO UPDATE SET object_path = EXCLUDED.object_path,
    file_size_bytes = EXCLUDED.file_size_bytes,
    record_count = EXCLUDED.record_count,
    updated_at = NOW()
RETURNING dataset_id, table_name, object_path, file_size_bytes, record_count, created_at, updated_at`

	table, err := scanTable(r.q.QueryRowContext(ctx, query, in.DatasetID, in.TableName, in.ObjectPath, in.FileSizeBytes, in.RecordCount))
	if err != nil {
		return catalog.DatasetTable{}, fmt.Errorf("upsert table in tx: %w", err)
	}
	return table, nil
}

func scanTable(row rowScanner) (catalog.DatasetTable, error) {
	var table catalog.DatasetTable
	if err := row.Scan(
		&table.DatasetID,
		&table.TableName,
		&table.ObjectPath,
		&table.FileSizeBytes,
		&table.RecordCount,
		&table.CreatedAt,
		&table.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.DatasetTable{}, catalog.ErrNotFound
		}
		return catalog.DatasetTable{}, fmt.Errorf("scan dataset table: %w", err)
	}
	return table, nil
}
