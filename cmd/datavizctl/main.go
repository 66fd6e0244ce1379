package main

import (
	"context"
	"os"
	"time"

	"github.com/shubhpsd/data-viz/internal/cli/datavizctl"
)

func main() {
	timeout := 3 * time.Minute
	if raw := os.Getenv("DATAVIZ_CLI_TIMEOUT"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}

	code := datavizctl.Run(context.Background(), os.Args[1:], datavizctl.Options{
		BaseURL:   os.Getenv("DATAVIZ_API_URL"),
		DatasetID: os.Getenv("DATAVIZ_DATASET"),
		Timeout:   timeout,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	})
	os.Exit(code)
}
