// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"
	"io"

	"github.com/labstack/echo/v4"

	"github.com/bundle-ingest/backend/internal/ingest"
	"github.com/bundle-ingest/backend/internal/jobs"
	"github.com/bundle-ingest/backend/internal/models"
	"github.com/bundle-ingest/backend/internal/store"
)

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// UploadHandler accepts bundle submissions
type UploadHandler interface {
	HandleUpload(c echo.Context) error
}

// BatchHandler serves persisted batches and their entries
type BatchHandler interface {
	HandleListBatches(c echo.Context) error
	HandleGetBatch(c echo.Context) error
	HandleListEntries(c echo.Context) error
	HandleListEntriesMsgpack(c echo.Context) error
}

// UploadJobHandler serves background upload job status
type UploadJobHandler interface {
	HandleGetUploadJob(c echo.Context) error
	HandleListUploadJobs(c echo.Context) error
	HandleUploadJobStats(c echo.Context) error
}

// DownloadHandler handles export requests and archive retrieval
type DownloadHandler interface {
	HandleRequestDownload(c echo.Context) error
	HandleGetDownloadJob(c echo.Context) error
	HandleDownloadFile(c echo.Context) error
	HandleCleanup(c echo.Context) error
}

// JobFeedHandler pushes job progress over a WebSocket
type JobFeedHandler interface {
	HandleJobFeed(c echo.Context) error
}

// Submitter runs a bundle submission.
// This allows mocking in tests
type Submitter interface {
	Submit(ctx context.Context, name string, r io.Reader) (*ingest.Submission, error)
}

// BatchReader is the read side of the batch store
type BatchReader interface {
	ListBatches(ctx context.Context, f store.BatchFilter) (*models.Page[models.Batch], error)
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	ListEntries(ctx context.Context, batchID int64, page, pageSize int) (*models.Page[models.Entry], error)
}

// Exporter queues export jobs
type Exporter interface {
	Request(ctx context.Context, batchID int64) (*models.DownloadJob, bool, error)
}

// JobTracker is the job surface the handlers read and drive
type JobTracker interface {
	GetUploadJob(ctx context.Context, jobID string) (*models.UploadJob, error)
	ListUploadJobs(ctx context.Context, limit int) ([]models.UploadJob, error)
	UploadStats(ctx context.Context) (*models.UploadJobStats, error)
	GetDownloadJob(ctx context.Context, jobID string) (*models.DownloadJob, error)
	OpenDownload(ctx context.Context, jobID string) (*jobs.Download, error)
	SweepExpired(ctx context.Context) (*models.SweepResult, error)
	Events() *jobs.Broadcaster
}

// Pinger reports backend health
type Pinger interface {
	Ping(ctx context.Context) error
}
