package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shubhpsd/data-viz/internal/demo/seed"
)

func main() {
	cfg, err := seed.LoadConfigFromEnv(os.LookupEnv)
	if err != nil {
		slog.Error("failed to load demo seed config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	service, err := seed.NewService(cfg, logger, nil)
	if err != nil {
		logger.Error("failed to initialize demo seeder", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(
		"seeding demo dataset",
		slog.String("api_url", cfg.APIBaseURL),
		slog.String("dataset_id", cfg.DatasetID),
		slog.Int("orders", cfg.OrderCount),
		slog.Int("customers", cfg.Customers),
		slog.Bool("replace", cfg.ReplaceTable),
	)
	if err := service.Run(ctx); err != nil {
		logger.Error("demo seed failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("demo dataset ready", slog.String("dataset_id", cfg.DatasetID))
}
