// handlers_download.go - Export request and archive retrieval handlers
package api

import (
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/bundle-ingest/backend/internal/models"
)

// DownloadHandlerImpl implements the DownloadHandler interface
type DownloadHandlerImpl struct {
	exports Exporter
	tracker JobTracker
	logger  *slog.Logger
}

// NewDownloadHandler creates a new download handler
func NewDownloadHandler(exports Exporter, tracker JobTracker, logger *slog.Logger) DownloadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DownloadHandlerImpl{
		exports: exports,
		tracker: tracker,
		logger:  logger.With("component", "api.download"),
	}
}

type downloadRequestResponse struct {
	JobID          string                `json:"jobId"`
	Status         models.DownloadStatus `json:"status"`
	Message        string                `json:"message"`
	StatusQueryURL string                `json:"statusQueryUrl"`
}

type downloadJobResponse struct {
	*models.DownloadJob
	DownloadURL string `json:"downloadUrl,omitempty"`
}

type cleanupResponse struct {
	*models.SweepResult
	Message string `json:"message"`
}

func downloadStatusURL(jobID string) string {
	return "/api/download/jobs/" + jobID
}

func downloadFileURL(jobID string) string {
	return "/api/download/jobs/" + jobID + "/file"
}

// HandleRequestDownload queues an export for a batch, or returns the active one
func (h *DownloadHandlerImpl) HandleRequestDownload(c echo.Context) error {
	id, err := parseBatchID(c)
	if err != nil {
		return err
	}

	job, created, err := h.exports.Request(c.Request().Context(), id)
	if err != nil {
		return notFoundOr(err, "batch", c.Param("batchId"))
	}

	resp := downloadRequestResponse{
		JobID:          job.JobID,
		Status:         job.Status,
		StatusQueryURL: downloadStatusURL(job.JobID),
	}
	switch {
	case created:
		resp.Message = "export queued"
		return c.JSON(http.StatusAccepted, resp)
	case job.Status == models.DownloadStatusReady:
		resp.Message = "archive is ready for download"
	default:
		resp.Message = "export is in progress"
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleGetDownloadJob returns a download job, with its file locator once Ready
func (h *DownloadHandlerImpl) HandleGetDownloadJob(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}
	job, err := h.tracker.GetDownloadJob(c.Request().Context(), id)
	if err != nil {
		return notFoundOr(err, "download job", id)
	}

	resp := downloadJobResponse{DownloadJob: job}
	if job.Status == models.DownloadStatusReady {
		resp.DownloadURL = downloadFileURL(job.JobID)
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleDownloadFile streams a Ready archive and marks the job Downloaded
func (h *DownloadHandlerImpl) HandleDownloadFile(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	dl, err := h.tracker.OpenDownload(c.Request().Context(), id)
	if err != nil {
		return notFoundOr(err, "download job", id)
	}
	defer dl.Close()

	name := dl.Job.ZipFileName
	if name == "" {
		name = fmt.Sprintf("%s.zip", dl.Job.BatchNo)
	}
	header := c.Response().Header()
	header.Set(echo.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	header.Set(echo.HeaderContentLength, strconv.FormatInt(dl.Size, 10))

	h.logger.Info("streaming archive", "job_id", id, "file", name, "size", dl.Size)
	return c.Stream(http.StatusOK, "application/zip", dl.File)
}

// HandleCleanup expires Ready archives past their expiry and removes their files
func (h *DownloadHandlerImpl) HandleCleanup(c echo.Context) error {
	res, err := h.tracker.SweepExpired(c.Request().Context())
	if err != nil {
		return NewInternalError("cleanup failed", err)
	}
	return c.JSON(http.StatusOK, cleanupResponse{
		SweepResult: res,
		Message:     fmt.Sprintf("cleaned up %d expired archives", res.Expired),
	})
}
