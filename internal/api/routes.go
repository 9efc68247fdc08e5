// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bundle-ingest/backend/internal/config"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Ingest  Submitter
	Export  Exporter
	Batches BatchReader
	Tracker JobTracker
	DB      Pinger
	Logger  *slog.Logger
	Version string
}

// Handlers holds all handler instances
type Handlers struct {
	Health    HealthHandler
	Upload    UploadHandler
	Batch     BatchHandler
	UploadJob UploadJobHandler
	Download  DownloadHandler
	JobFeed   JobFeedHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health:    NewHealthHandler(deps.Version, deps.DB),
		Upload:    NewUploadHandler(deps.Ingest, deps.Logger),
		Batch:     NewBatchHandler(deps.Batches),
		UploadJob: NewUploadJobHandler(deps.Tracker),
		Download:  NewDownloadHandler(deps.Export, deps.Tracker, deps.Logger),
		JobFeed:   NewJobFeedHandler(deps.Tracker, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/api/health", handlers.Health.HandleHealth)

	// Submission and batch queries
	uploadGroup := e.Group("/api/upload")
	uploadGroup.POST("", handlers.Upload.HandleUpload)
	uploadGroup.GET("/batches", handlers.Batch.HandleListBatches)
	uploadGroup.GET("/batches/:batchId", handlers.Batch.HandleGetBatch)
	uploadGroup.GET("/batches/:batchId/entries", handlers.Batch.HandleListEntries)
	uploadGroup.GET("/batches/:batchId/entries/msgpack", handlers.Batch.HandleListEntriesMsgpack)

	// Background upload jobs
	jobGroup := e.Group("/api/backgroundupload/jobs")
	jobGroup.GET("", handlers.UploadJob.HandleListUploadJobs)
	jobGroup.GET("/stats", handlers.UploadJob.HandleUploadJobStats)
	jobGroup.GET("/:jobId", handlers.UploadJob.HandleGetUploadJob)

	// Export jobs
	downloadGroup := e.Group("/api/download")
	downloadGroup.POST("/batches/:batchId", handlers.Download.HandleRequestDownload)
	downloadGroup.GET("/jobs/:jobId", handlers.Download.HandleGetDownloadJob)
	downloadGroup.GET("/jobs/:jobId/file", handlers.Download.HandleDownloadFile)
	downloadGroup.POST("/cleanup", handlers.Download.HandleCleanup)
}

// RegisterWebSocketRoutes registers WebSocket routes
func RegisterWebSocketRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/ws/jobs", handlers.JobFeed.HandleJobFeed)
}

// isPollingPath reports requests that clients repeat on a timer.
func isPollingPath(c echo.Context) bool {
	if c.Request().Method != "GET" {
		return false
	}
	path := c.Path()
	return path == "/api/health" ||
		path == "/api/ws/jobs" ||
		path == "/api/backgroundupload/jobs/:jobId" ||
		path == "/api/download/jobs/:jobId"
}

// isLongRunning reports requests that must not be cut off by the timeout
// middleware: uploads run the pipeline inline, archives stream, sockets stay open.
func isLongRunning(c echo.Context) bool {
	path := c.Request().URL.Path
	return path == "/api/upload" ||
		path == "/api/ws/jobs" ||
		strings.HasSuffix(path, "/file")
}

// releaseDeadlines lifts the server's read and write deadlines for
// long-running requests so slow uploads and large archives are not cut off.
func releaseDeadlines(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if isLongRunning(c) {
			rc := http.NewResponseController(c.Response().Writer)
			_ = rc.SetReadDeadline(time.Time{})
			_ = rc.SetWriteDeadline(time.Time{})
		}
		return next(c)
	}
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg config.ServerConfig) {
	e.HTTPErrorHandler = ErrorHandler

	if cfg.EnableRequestLogging {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Skipper: isPollingPath,
		}))
	}
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))
	e.Use(releaseDeadlines)

	if cfg.ReadTimeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
			Timeout:      time.Duration(cfg.ReadTimeout) * time.Second,
			Skipper:      isLongRunning,
			ErrorMessage: "Request timeout",
		}))
	}

	if cfg.EnableCORS {
		origins := []string{"*"}
		if cfg.AllowOrigins != "" {
			origins = strings.Split(cfg.AllowOrigins, ",")
			for i := range origins {
				origins[i] = strings.TrimSpace(origins[i])
			}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{echo.GET, echo.POST, echo.OPTIONS},
		}))
	}

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
}
