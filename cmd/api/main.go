package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glycotree-labs/glycotree/internal/api"
	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/config"
	"github.com/glycotree-labs/glycotree/internal/manifest"
	"github.com/glycotree-labs/glycotree/internal/pipeline"
	"github.com/glycotree-labs/glycotree/internal/queue"
	"github.com/glycotree-labs/glycotree/internal/stages"
	"github.com/glycotree-labs/glycotree/internal/tool"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := api.RouterDeps{}

	// Manifests: Postgres when reachable, local files otherwise.
	var manifests manifest.Store
	pool, err := manifest.NewPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		logger.Warn("postgres connection failed, using file manifest store", slog.String("error", err.Error()))
		fsManifests, err := manifest.NewFSStore(cfg.Store.ManifestDir)
		if err != nil {
			logger.Error("failed to open manifest store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		manifests = fsManifests
	} else {
		defer pool.Close()
		pg := manifest.NewPGStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("failed to ensure manifest schema", slog.String("error", err.Error()))
			os.Exit(1)
		}
		manifests = pg
		deps.Pool = pool
		logger.Info("connected to database")
	}
	deps.Manifests = manifests

	// Artifacts: MinIO when reachable, local files otherwise.
	var artifacts artifact.Store
	objStore, err := artifact.NewObjectStore(cfg.MinIO, logger)
	if err == nil {
		err = objStore.EnsureBucket(ctx)
	}
	if err != nil {
		logger.Warn("minio connection failed, using file artifact store", slog.String("error", err.Error()))
		fsStore, err := artifact.NewFSStore(cfg.Store.ArtifactRoot, cfg.Store.RecordCache, logger)
		if err != nil {
			logger.Error("failed to open artifact store", slog.String("error", err.Error()))
			os.Exit(1)
		}
		artifacts = fsStore
	} else {
		artifacts = objStore
		logger.Info("connected to minio")
	}
	deps.Artifacts = artifacts

	// Valkey job queue.
	vkClient, err := queue.NewClient(cfg.Valkey)
	if err != nil {
		logger.Error("failed to connect to valkey", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer vkClient.Close()
	deps.Producer = queue.NewProducer(vkClient)
	logger.Info("connected to valkey")

	// The API only creates and inspects runs; stage execution happens in
	// the worker. The registry is still needed to validate submissions
	// against the real stage graph.
	runner := tool.NewRunner(cfg.Pipeline.MaxRetries, cfg.Pipeline.RetryBackoff, logger)
	registry, err := stages.BuildRegistry(stages.Deps{
		Runner:         runner,
		Provider:       stages.NewHTTPProvider(cfg.Pipeline.DatasetURL),
		DefaultTimeout: cfg.Pipeline.ToolTimeout,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to build stage registry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	deps.Orch = pipeline.NewOrchestrator(registry, artifacts, manifests,
		cfg.Pipeline.Workers, cfg.Store.WorkDir, logger)

	router := api.NewRouter(logger, deps)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("api listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("api stopped")
}
