package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	catalogpostgres "github.com/shubhpsd/data-viz/internal/catalog/postgres"
	"github.com/shubhpsd/data-viz/internal/config"
	conversationpostgres "github.com/shubhpsd/data-viz/internal/conversation/postgres"
	conversationsqlite "github.com/shubhpsd/data-viz/internal/conversation/sqlite"
	"github.com/shubhpsd/data-viz/internal/dataset"
	"github.com/shubhpsd/data-viz/internal/maintenance"
	"github.com/shubhpsd/data-viz/internal/observability"
	duckdbengine "github.com/shubhpsd/data-viz/internal/query/duckdb"
	s3store "github.com/shubhpsd/data-viz/internal/storage/s3"
)

func main() {
	once := flag.Bool("once", false, "run a single retention pass and exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv("dataviz-retention")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	catalogDB, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfigFrom(cfg.Catalog))
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = catalogDB.Close() }()

	var store maintenance.Purger
	switch cfg.Conversation.Driver {
	case config.ConversationDriverPostgres:
		store = conversationpostgres.NewStore(catalogDB)
	case config.ConversationDriverSQLite:
		sqliteStore, err := conversationsqlite.Open(cfg.Conversation.SQLitePath)
		if err != nil {
			logger.Error("failed to open conversation db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = sqliteStore.Close() }()
		store = sqliteStore
	default:
		logger.Error("retention needs a persistent conversation store", slog.String("driver", cfg.Conversation.Driver))
		os.Exit(1)
	}

	service := &maintenance.Service{
		Store: store,
		Config: maintenance.Config{
			Interval:    cfg.Retention.Interval,
			MaxAge:      cfg.Retention.MaxAge,
			OrphanGrace: cfg.Retention.OrphanGrace,
		},
		Logger: logger,
	}
	if cfg.Retention.OrphanGrace > 0 {
		objectStore, err := s3store.New(context.Background(), s3store.ConfigFrom(cfg.ObjectStore))
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		service.Objects = dataset.NewService(
			catalogpostgres.NewRepository(catalogDB),
			objectStore,
			duckdbengine.NewEngine(objectStore, cfg.Query.ScratchDir),
			dataset.Config{QueryTimeout: cfg.Query.Timeout},
			logger,
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		summary, err := service.RunRetentionOnce(ctx)
		if err != nil {
			logger.Error("retention pass failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("retention pass completed", slog.Any("summary", summary))
		return
	}

	logger.Info("retention worker started",
		slog.Duration("interval", cfg.Retention.Interval),
		slog.Duration("max_age", cfg.Retention.MaxAge),
		slog.Duration("orphan_grace", cfg.Retention.OrphanGrace),
	)
	if err := service.Run(ctx); err != nil {
		logger.Error("retention worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("retention worker stopped")
}
