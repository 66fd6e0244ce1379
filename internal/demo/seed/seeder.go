// Package seed generates a small retail dataset and uploads it through the
// table API so a fresh deployment has something to ask questions about.
package seed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	TableCustomers = "customers"
	TableSales     = "sales"
)

type Service struct {
	cfg       Config
	log       *slog.Logger
	http      *http.Client
	generator *Generator
	retries   uint64
}

type tableSummary struct {
	TableName   string `json:"table_name"`
	RecordCount int64  `json:"record_count"`
}

type upload struct {
	table string
	data  []byte
	rows  int
}

func NewService(cfg Config, logger *slog.Logger, client *http.Client) (*Service, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, fmt.Errorf("api base url is required")
	}
	if strings.TrimSpace(cfg.DatasetID) == "" {
		return nil, fmt.Errorf("dataset id is required")
	}
	if cfg.OrderCount <= 0 || cfg.Customers <= 0 || cfg.Days <= 0 {
		return nil, fmt.Errorf("order count, customers and days must be > 0")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	return &Service{
		cfg:       cfg,
		log:       logger,
		http:      client,
		generator: NewGenerator(cfg.Seed, cfg.StartDate, cfg.Days),
		retries:   5,
	}, nil
}

// Run uploads the customers and sales tables. Existing tables are kept unless
// ReplaceTable is set.
func (s *Service) Run(ctx context.Context) error {
	existing := map[string]bool{}
	if !s.cfg.ReplaceTable {
		tables, err := s.listTables(ctx)
		if err != nil {
			return err
		}
		for _, table := range tables {
			existing[table.TableName] = true
		}
	}

	uploads, err := s.build()
	if err != nil {
		return err
	}
	for _, u := range uploads {
		if existing[u.table] {
			s.log.Info("demo table already present", slog.String("dataset_id", s.cfg.DatasetID), slog.String("table", u.table))
			continue
		}
		if err := s.putTable(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) build() ([]upload, error) {
	customers := s.generator.Customers(s.cfg.Customers)
	sales := s.generator.Sales(s.cfg.OrderCount, customers)

	customerData, err := EncodeParquet(customers)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TableCustomers, err)
	}
	salesData, err := EncodeParquet(sales)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TableSales, err)
	}
	return []upload{
		{table: TableCustomers, data: customerData, rows: len(customers)},
		{table: TableSales, data: salesData, rows: len(sales)},
	}, nil
}

func (s *Service) listTables(ctx context.Context) ([]tableSummary, error) {
	status, body, err := s.do(ctx, http.MethodGet, s.datasetPath()+"/tables", "", nil)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list tables failed with status %d: %s", status, strings.TrimSpace(string(body)))
	}
	var response struct {
		Tables []tableSummary `json:"tables"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode table list: %w", err)
	}
	return response.Tables, nil
}

func (s *Service) putTable(ctx context.Context, u upload) error {
	path := s.datasetPath() + "/tables/" + url.PathEscape(u.table)

	operation := func() error {
		status, body, err := s.do(ctx, http.MethodPut, path, "application/vnd.apache.parquet", u.data)
		if err != nil {
			return err
		}
		switch {
		case status == http.StatusCreated:
			return nil
		case status >= 500:
			return fmt.Errorf("upload %s failed with status %d: %s", u.table, status, strings.TrimSpace(string(body)))
		default:
			return backoff.Permanent(fmt.Errorf("upload %s failed with status %d: %s", u.table, status, strings.TrimSpace(string(body))))
		}
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("demo upload failed, retrying", slog.String("table", u.table), slog.Duration("wait", wait), slog.Any("error", err))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(policy, s.retries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return err
	}

	s.log.Info(
		"uploaded demo table",
		slog.String("dataset_id", s.cfg.DatasetID),
		slog.String("table", u.table),
		slog.Int("rows", u.rows),
		slog.Int("bytes", len(u.data)),
	)
	return nil
}

func (s *Service) datasetPath() string {
	return "/v1/datasets/" + url.PathEscape(s.cfg.DatasetID)
}

func (s *Service) do(ctx context.Context, method, path, contentType string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.APIBaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
