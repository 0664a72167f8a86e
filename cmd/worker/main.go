package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

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
		logger.Info("connected to database")
	}

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

	// Valkey job queue.
	vkClient, err := queue.NewClient(cfg.Valkey)
	if err != nil {
		logger.Error("failed to connect to valkey", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer vkClient.Close()
	logger.Info("connected to valkey")

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

	orch := pipeline.NewOrchestrator(registry, artifacts, manifests,
		cfg.Pipeline.Workers, cfg.Store.WorkDir, logger)

	hostname, _ := os.Hostname()
	consumerID := fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())
	consumer := queue.NewConsumer(vkClient, consumerID, logger)
	if err := consumer.EnsureGroup(ctx); err != nil {
		logger.Error("failed to ensure consumer group", slog.String("error", err.Error()))
		os.Exit(1)
	}

	handle := func(ctx context.Context, msg queue.RunMessage) error {
		m, err := orch.Resume(ctx, msg.RunID)
		if err != nil {
			return fmt.Errorf("resume run %s: %w", msg.RunID, err)
		}
		final, err := orch.Run(ctx, m)
		if err != nil {
			return fmt.Errorf("run %s: %w", msg.RunID, err)
		}
		logger.Info("run finished",
			slog.String("run_id", msg.RunID.String()),
			slog.String("trigger", msg.Trigger),
			slog.String("state", string(final.State)))
		return nil
	}

	logger.Info("starting worker, consuming from stream",
		slog.String("stream", queue.StreamName), slog.String("consumer", consumerID))
	if err := consumer.Consume(ctx, handle); err != nil {
		if ctx.Err() == nil {
			logger.Error("consumer error", slog.String("error", err.Error()))
		}
	}
	logger.Info("worker stopped")
}
