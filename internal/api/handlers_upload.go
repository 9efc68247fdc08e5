// handlers_upload.go - Bundle submission handler
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"

	"github.com/bundle-ingest/backend/internal/models"
)

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	ingest Submitter
	logger *slog.Logger
}

// NewUploadHandler creates a new upload handler instance
func NewUploadHandler(ingest Submitter, logger *slog.Logger) UploadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandlerImpl{
		ingest: ingest,
		logger: logger.With("component", "api.upload"),
	}
}

// asyncUploadResponse is returned when a bundle was queued
type asyncUploadResponse struct {
	JobID          string              `json:"jobId"`
	Status         models.UploadStatus `json:"status"`
	Message        string              `json:"message"`
	StatusQueryURL string              `json:"statusQueryUrl"`
}

func uploadStatusURL(jobID string) string {
	return "/api/backgroundupload/jobs/" + jobID
}

// HandleUpload accepts a zip bundle as multipart/form-data (field "file").
// Small bundles are processed inline and the parse summary is returned;
// large ones are queued and a job locator is returned with 202.
func (h *UploadHandlerImpl) HandleUpload(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return NewBadRequestError("no file provided", err)
	}
	if file.Size == 0 {
		return NewBadRequestError("uploaded file is empty", nil)
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".zip") {
		return NewValidationError("file")
	}

	src, err := file.Open()
	if err != nil {
		return NewInternalError("failed to open uploaded file", err)
	}
	defer src.Close()

	sub, err := h.ingest.Submit(c.Request().Context(), file.Filename, src)
	if err != nil {
		h.logger.Warn("upload failed", "file", file.Filename, "error", err)
		return translateError(err, "failed to process upload")
	}

	if sub.Async() {
		return c.JSON(http.StatusAccepted, asyncUploadResponse{
			JobID:          sub.Job.JobID,
			Status:         sub.Job.Status,
			Message:        fmt.Sprintf("bundle queued for background processing (size: %s)", humanize.IBytes(uint64(file.Size))),
			StatusQueryURL: uploadStatusURL(sub.Job.JobID),
		})
	}
	return c.JSON(http.StatusOK, sub.Result)
}
