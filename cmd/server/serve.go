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

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bundle-ingest/backend/internal/api"
	"github.com/bundle-ingest/backend/internal/config"
	"github.com/bundle-ingest/backend/internal/jobs"
	"github.com/bundle-ingest/backend/internal/models"
	"github.com/bundle-ingest/backend/internal/queue"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background consumers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.close()
		return serve(ctx, a)
	},
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	disp := queue.NewDispatcher(a.queue, a.logger)
	disp.Register(models.TopicUploadProcess, a.ingest.HandleUploadTask,
		retryPolicy(cfg.Processing.UploadRetry), cfg.Processing.MaxConcurrentUploads)
	disp.Register(models.TopicDownloadCompress, a.export.HandleDownloadTask,
		retryPolicy(cfg.Processing.DownloadRetry), cfg.Processing.MaxConcurrentDownloads)

	e := echo.New()
	e.HideBanner = true
	api.SetupMiddleware(e, cfg.Server)
	handlers := api.NewHandlers(&api.Dependencies{
		Ingest:  a.ingest,
		Export:  a.export,
		Batches: a.store,
		Tracker: a.tracker,
		DB:      a.store,
		Logger:  a.logger,
		Version: Version,
	})
	api.RegisterRoutes(e, handlers)
	api.RegisterWebSocketRoutes(e, handlers)

	s := newHTTPServer(cfg.GetServerAddr(), cfg.Server)

	printBanner(a)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return disp.Run(gctx)
	})
	g.Go(func() error {
		runSweeper(gctx, a.tracker, time.Duration(cfg.Processing.SweepIntervalMinutes)*time.Minute, a.logger)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", s.Addr)
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.logger.Info("stopped")
	return err
}

// newHTTPServer applies the configured timeouts. The read timeout bounds
// headers on every request; api.SetupMiddleware lifts the body and write
// deadlines for uploads, archive streams and sockets.
func newHTTPServer(addr string, cfg config.ServerConfig) *http.Server {
	read := time.Duration(cfg.ReadTimeout) * time.Second
	return &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: read,
		ReadTimeout:       read,
		WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.IdleTimeout) * time.Second,
	}
}

// runSweeper expires overdue archives every interval until ctx ends.
func runSweeper(ctx context.Context, tracker *jobs.Tracker, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := tracker.SweepExpired(ctx); err != nil {
				logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

func printBanner(a *app) {
	cfg := a.cfg
	mode := "inline only"
	if cfg.Processing.EnableBackgroundProcessing {
		mode = fmt.Sprintf("background at %d MB", cfg.Processing.AsyncThresholdMB)
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Bundle Ingest Server                            ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("║  Ingestion:  %-45s║\n", mode)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Storage:   %-46s║\n", cfg.Storage.RootPath)
	fmt.Printf("║  Database:  %-46s║\n", cfg.Database.Driver)
	fmt.Printf("║  Queue:     %-46s║\n", cfg.Queue.Backend)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
