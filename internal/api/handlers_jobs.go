// handlers_jobs.go - Background upload job handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bundle-ingest/backend/internal/models"
)

// recentUploadJobs caps the job listing
const recentUploadJobs = 100

// UploadJobHandlerImpl implements the UploadJobHandler interface
type UploadJobHandlerImpl struct {
	tracker JobTracker
}

// NewUploadJobHandler creates a new upload job handler
func NewUploadJobHandler(tracker JobTracker) UploadJobHandler {
	return &UploadJobHandlerImpl{tracker: tracker}
}

type uploadJobResponse struct {
	*models.UploadJob
	ProcessingTimeSeconds *float64 `json:"processingTimeSeconds,omitempty"`
}

func newUploadJobResponse(j *models.UploadJob) uploadJobResponse {
	resp := uploadJobResponse{UploadJob: j}
	if d, ok := j.ProcessingTime(); ok {
		secs := d.Seconds()
		resp.ProcessingTimeSeconds = &secs
	}
	return resp
}

// HandleGetUploadJob returns one upload job
func (h *UploadJobHandlerImpl) HandleGetUploadJob(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}
	job, err := h.tracker.GetUploadJob(c.Request().Context(), id)
	if err != nil {
		return notFoundOr(err, "upload job", id)
	}
	return c.JSON(http.StatusOK, newUploadJobResponse(job))
}

// HandleListUploadJobs returns the most recent upload jobs, newest first
func (h *UploadJobHandlerImpl) HandleListUploadJobs(c echo.Context) error {
	list, err := h.tracker.ListUploadJobs(c.Request().Context(), recentUploadJobs)
	if err != nil {
		return NewInternalError("failed to list upload jobs", err)
	}
	out := make([]uploadJobResponse, 0, len(list))
	for i := range list {
		out = append(out, newUploadJobResponse(&list[i]))
	}
	return c.JSON(http.StatusOK, out)
}

// HandleUploadJobStats returns per-status counts
func (h *UploadJobHandlerImpl) HandleUploadJobStats(c echo.Context) error {
	stats, err := h.tracker.UploadStats(c.Request().Context())
	if err != nil {
		return NewInternalError("failed to compute upload job stats", err)
	}
	return c.JSON(http.StatusOK, stats)
}
