// Pruner applies the artifact retention policy on a fixed interval:
// cache entries older than the retention window are removed unless their
// type is pinned. Eviction never runs inline with the pipeline.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glycotree-labs/glycotree/internal/artifact"
	"github.com/glycotree-labs/glycotree/internal/config"
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

	retention := durationEnv("PRUNE_RETENTION", 30*24*time.Hour)
	interval := durationEnv("PRUNE_INTERVAL", 6*time.Hour)
	keepTypes := typeList(os.Getenv("PRUNE_KEEP_TYPES"))

	store, err := artifact.NewFSStore(cfg.Store.ArtifactRoot, cfg.Store.RecordCache, logger)
	if err != nil {
		logger.Error("failed to open artifact store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting pruner",
		slog.Duration("retention", retention),
		slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		removed, err := store.Prune(ctx, time.Now().Add(-retention), keepTypes)
		if err != nil {
			logger.Error("prune failed", slog.String("error", err.Error()))
		} else {
			logger.Info("prune complete", slog.Int("removed", removed))
		}

		select {
		case <-ctx.Done():
			logger.Info("pruner stopped")
			return
		case <-ticker.C:
		}
	}
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func typeList(s string) []artifact.TypeTag {
	var out []artifact.TypeTag
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, artifact.TypeTag(part))
		}
	}
	return out
}
