package seed

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Config struct {
	APIBaseURL   string
	DatasetID    string
	OrderCount   int
	Customers    int
	StartDate    time.Time
	Days         int
	HTTPTimeout  time.Duration
	ReplaceTable bool
	Seed         int64
}

func DefaultConfig() Config {
	return Config{
		APIBaseURL:   "http://localhost:8080",
		DatasetID:    "retail-demo",
		OrderCount:   5000,
		Customers:    250,
		StartDate:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Days:         365,
		HTTPTimeout:  60 * time.Second,
		ReplaceTable: true,
		Seed:         42,
	}
}

func LoadConfigFromEnv(lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := DefaultConfig()
	applyString(lookup, "DATAVIZ_SEED_API_URL", &cfg.APIBaseURL)
	applyString(lookup, "DATAVIZ_SEED_DATASET", &cfg.DatasetID)
	if err := applyInt(lookup, "DATAVIZ_SEED_ORDERS", &cfg.OrderCount); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DATAVIZ_SEED_CUSTOMERS", &cfg.Customers); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "DATAVIZ_SEED_DAYS", &cfg.Days); err != nil {
		return Config{}, err
	}
	if raw, ok := lookup("DATAVIZ_SEED_START_DATE"); ok && strings.TrimSpace(raw) != "" {
		start, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid DATAVIZ_SEED_START_DATE: %w", err)
		}
		cfg.StartDate = start.UTC()
	}
	if raw, ok := lookup("DATAVIZ_SEED_HTTP_TIMEOUT"); ok {
		v, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid DATAVIZ_SEED_HTTP_TIMEOUT: %w", err)
		}
		cfg.HTTPTimeout = v
	}
	if raw, ok := lookup("DATAVIZ_SEED_REPLACE"); ok {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid DATAVIZ_SEED_REPLACE: %w", err)
		}
		cfg.ReplaceTable = v
	}
	if raw, ok := lookup("DATAVIZ_SEED_RANDOM_SEED"); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DATAVIZ_SEED_RANDOM_SEED: %w", err)
		}
		cfg.Seed = v
	}

	if cfg.APIBaseURL == "" {
		return Config{}, fmt.Errorf("DATAVIZ_SEED_API_URL is required")
	}
	if cfg.DatasetID == "" {
		return Config{}, fmt.Errorf("DATAVIZ_SEED_DATASET is required")
	}
	if cfg.OrderCount <= 0 {
		return Config{}, fmt.Errorf("DATAVIZ_SEED_ORDERS must be > 0")
	}
	if cfg.Customers <= 0 {
		return Config{}, fmt.Errorf("DATAVIZ_SEED_CUSTOMERS must be > 0")
	}
	if cfg.Days <= 0 {
		return Config{}, fmt.Errorf("DATAVIZ_SEED_DAYS must be > 0")
	}
	if cfg.HTTPTimeout <= 0 {
		return Config{}, fmt.Errorf("DATAVIZ_SEED_HTTP_TIMEOUT must be > 0")
	}

	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return cfg, nil
}

func applyString(lookup LookupFunc, key string, dst *string) {
	if raw, ok := lookup(key); ok {
		*dst = strings.TrimSpace(raw)
	}
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}
