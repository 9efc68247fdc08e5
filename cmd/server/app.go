package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bundle-ingest/backend/internal/clock"
	"github.com/bundle-ingest/backend/internal/config"
	"github.com/bundle-ingest/backend/internal/export"
	"github.com/bundle-ingest/backend/internal/ingest"
	"github.com/bundle-ingest/backend/internal/jobs"
	"github.com/bundle-ingest/backend/internal/queue"
	"github.com/bundle-ingest/backend/internal/storage"
	"github.com/bundle-ingest/backend/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	cfg     *config.AppConfig
	logger  *slog.Logger
	files   *storage.LocalStore
	store   *store.Store
	queue   queue.Queue
	tracker *jobs.Tracker
	ingest  *ingest.Service
	export  *export.Service

	closeLog func() error
}

func newApp(ctx context.Context, path string) (*app, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger, closeLog := config.SetupLogger(cfg.Logging)
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger, closeLog: closeLog}

	if a.files, err = storage.NewLocalStore(cfg.Storage.RootPath, logger); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if a.store, err = store.Open(ctx, cfg.Database, logger); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if a.queue, err = queue.Open(ctx, cfg.Queue, logger); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open task queue: %w", err)
	}

	clk := clock.Real{}
	a.tracker = jobs.NewTracker(a.store, clk, cfg.DownloadExpiry(), logger)
	a.ingest = ingest.NewService(a.files, a.store, a.tracker, a.queue, clk, ingest.Options{
		ManifestExt:         cfg.Storage.ManifestExtension,
		ArtifactExt:         cfg.Storage.ArtifactExtension,
		Background:          cfg.Processing.EnableBackgroundProcessing,
		AsyncThresholdBytes: cfg.AsyncThresholdBytes(),
		CleanupOnFailure:    cfg.Processing.CleanupWorkspaceOnFailure,
	}, logger)
	compressor := export.NewCompressor(a.files.DownloadsDir(), cfg.Storage.ArtifactFolder, clk, logger)
	a.export = export.NewService(a.store, a.tracker, a.queue, compressor, logger)
	return a, nil
}

func (a *app) close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.closeLog != nil {
		errs = append(errs, a.closeLog())
	}
	return errors.Join(errs...)
}

func retryPolicy(r config.RetryConfig) queue.Policy {
	return queue.Policy{
		Retry:       r.RetryOnFailure,
		MaxAttempts: r.MaxAttempts,
		Backoff:     r.Backoff(),
	}
}
