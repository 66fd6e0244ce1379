package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shubhpsd/data-viz/internal/config"
)

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), DBConfig{})
	if err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestDBConfigFrom(t *testing.T) {
	cfg := DBConfigFrom(config.CatalogConfig{DSN: "postgres://x", MaxOpenConns: 3, ConnMaxLifetime: time.Minute})
	if cfg.DSN != "postgres://x" || cfg.MaxOpenConns != 3 || cfg.ConnMaxLifetime != time.Minute {
		t.Fatalf("DBConfigFrom() = %+v", cfg)
	}
}
