package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shubhpsd/data-viz/internal/api"
	catalogpostgres "github.com/shubhpsd/data-viz/internal/catalog/postgres"
	"github.com/shubhpsd/data-viz/internal/config"
	"github.com/shubhpsd/data-viz/internal/conversation"
	conversationpostgres "github.com/shubhpsd/data-viz/internal/conversation/postgres"
	conversationsqlite "github.com/shubhpsd/data-viz/internal/conversation/sqlite"
	"github.com/shubhpsd/data-viz/internal/dataset"
	"github.com/shubhpsd/data-viz/internal/llm"
	"github.com/shubhpsd/data-viz/internal/maintenance"
	"github.com/shubhpsd/data-viz/internal/observability"
	"github.com/shubhpsd/data-viz/internal/pipeline"
	duckdbengine "github.com/shubhpsd/data-viz/internal/query/duckdb"
	s3store "github.com/shubhpsd/data-viz/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("dataviz-api")
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

	conversations, closeConversations, err := openConversationStore(cfg, catalogDB)
	if err != nil {
		logger.Error("failed to open conversation store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = closeConversations.Close() }()

	objectStore, err := s3store.New(context.Background(), s3store.ConfigFrom(cfg.ObjectStore))
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	datasets := dataset.NewService(
		catalogpostgres.NewRepository(catalogDB),
		objectStore,
		duckdbengine.NewEngine(objectStore, cfg.Query.ScratchDir),
		dataset.Config{QueryTimeout: cfg.Query.Timeout, SchemaSampleRows: cfg.Query.SchemaSampleRows},
		logger,
	)

	model, err := llm.New(cfg.AI, logger)
	if err != nil {
		logger.Error("failed to initialize model client", slog.Any("error", err))
		os.Exit(1)
	}

	questions, err := pipeline.New(pipeline.Dependencies{
		Schema:   datasets,
		Executor: datasets,
		Model:    model,
		Store:    conversations,
		Logger:   logger,
	}, pipeline.ConfigFrom(cfg.Pipeline, cfg.Query))
	if err != nil {
		logger.Error("failed to initialize pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	retention := &maintenance.Service{
		Store:   conversations,
		Objects: datasets,
		Config: maintenance.Config{
			Interval:    cfg.Retention.Interval,
			MaxAge:      cfg.Retention.MaxAge,
			OrphanGrace: cfg.Retention.OrphanGrace,
		},
		Logger: logger,
	}

	deps := api.Dependencies{
		Logger:        logger,
		Pipeline:      questions,
		Conversations: conversations,
		Datasets:      datasets,
		Readiness: api.CombineReadinessChecks(
			api.CheckHealth("datasets", datasets),
			api.CheckHealth("conversations", conversations),
		),
		DependencyTimeout: 2 * time.Second,
	}
	if cfg.Retention.MaxAge > 0 {
		deps.Retention = retention
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Retention.Enabled {
		go func() {
			if err := retention.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("retention loop stopped", slog.Any("error", err))
			}
		}()
	}

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("conversation_driver", cfg.Conversation.Driver),
			slog.String("ai_provider", cfg.AI.Provider),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openConversationStore returns the configured store and a closer for
// resources it owns. The postgres driver shares the catalog pool.
func openConversationStore(cfg config.Config, catalogDB *sql.DB) (conversation.Store, io.Closer, error) {
	switch cfg.Conversation.Driver {
	case config.ConversationDriverPostgres:
		return conversationpostgres.NewStore(catalogDB), nopCloser{}, nil
	case config.ConversationDriverSQLite:
		store, err := conversationsqlite.Open(cfg.Conversation.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.ConversationDriverMemory:
		return conversation.NewMemoryStore(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported conversation driver %q", cfg.Conversation.Driver)
	}
}
