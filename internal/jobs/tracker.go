// Package jobs tracks the lifecycle of ingestion and export jobs.
//
// Every mutation is a single conditional update: the row changes only when its
// current status may legally move to the target status, so terminal states are
// never revisited and redelivered work cannot resurrect a finished job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bundle-ingest/backend/internal/clock"
	"github.com/bundle-ingest/backend/internal/models"
	"github.com/bundle-ingest/backend/internal/store"
)

var (
	ErrInvalidTransition = errors.New("invalid job state transition")
	ErrNotReady          = errors.New("download is not ready")
	ErrExpired           = errors.New("download has expired")
	ErrFileMissing       = errors.New("download file is missing")
)

// Store is the persistence the tracker needs.
type Store interface {
	InsertUploadJob(ctx context.Context, j *models.UploadJob) error
	GetUploadJob(ctx context.Context, jobID string) (*models.UploadJob, error)
	ListUploadJobs(ctx context.Context, limit int) ([]models.UploadJob, error)
	UpdateUploadJob(ctx context.Context, jobID string, p store.UploadJobPatch, from ...models.UploadStatus) (bool, error)
	UploadJobStats(ctx context.Context) (*models.UploadJobStats, error)

	InsertDownloadJob(ctx context.Context, j *models.DownloadJob) error
	GetDownloadJob(ctx context.Context, jobID string) (*models.DownloadJob, error)
	FindActiveDownloadJob(ctx context.Context, batchID int64, now time.Time) (*models.DownloadJob, error)
	UpdateDownloadJob(ctx context.Context, jobID string, p store.DownloadJobPatch, guard store.DownloadGuard) (bool, error)
	ListDownloadJobsExpiring(ctx context.Context, status models.DownloadStatus, now time.Time) ([]models.DownloadJob, error)
}

// Tracker owns both job state machines.
type Tracker struct {
	store  Store
	clock  clock.Clock
	expiry time.Duration
	logger *slog.Logger

	dedupeMu sync.Mutex

	leaseMu sync.Mutex
	leases  map[string]int

	events *Broadcaster
}

// NewTracker creates a Tracker. Download jobs expire expiry after creation.
func NewTracker(st Store, clk clock.Clock, expiry time.Duration, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  st,
		clock:  clk,
		expiry: expiry,
		logger: logger.With("component", "jobs"),
		leases: make(map[string]int),
		events: NewBroadcaster(),
	}
}

// Events returns the broadcaster carrying job updates.
func (t *Tracker) Events() *Broadcaster { return t.events }

// Now reads the tracker's clock.
func (t *Tracker) Now() time.Time { return t.clock.Now() }

func newJobID() string { return uuid.New().String() }

func ptr[T any](v T) *T { return &v }

// ---------------------------------------------------------------------------
// Upload jobs
// ---------------------------------------------------------------------------

// CreateUploadJob records a queued ingestion.
func (t *Tracker) CreateUploadJob(ctx context.Context, originalName, zipPath, workspace string, size int64) (*models.UploadJob, error) {
	job := &models.UploadJob{
		JobID:            newJobID(),
		OriginalFileName: originalName,
		ZipFilePath:      zipPath,
		Workspace:        workspace,
		FileSizeBytes:    size,
		Status:           models.UploadStatusQueued,
		CreatedAt:        t.clock.Now(),
	}
	if err := t.store.InsertUploadJob(ctx, job); err != nil {
		return nil, err
	}
	t.logger.Info("upload job queued", "job_id", job.JobID, "file", originalName, "size", size)
	t.publishUpload(job)
	return job, nil
}

// GetUploadJob loads one upload job.
func (t *Tracker) GetUploadJob(ctx context.Context, jobID string) (*models.UploadJob, error) {
	return t.store.GetUploadJob(ctx, jobID)
}

// ListUploadJobs returns the most recent upload jobs.
func (t *Tracker) ListUploadJobs(ctx context.Context, limit int) ([]models.UploadJob, error) {
	return t.store.ListUploadJobs(ctx, limit)
}

// UploadStats aggregates upload jobs.
func (t *Tracker) UploadStats(ctx context.Context) (*models.UploadJobStats, error) {
	return t.store.UploadJobStats(ctx)
}

func (t *Tracker) moveUpload(ctx context.Context, jobID string, next models.UploadStatus, p store.UploadJobPatch) (*models.UploadJob, error) {
	p.Status = &next
	ok, err := t.store.UpdateUploadJob(ctx, jobID, p, models.UploadStatusesFrom(next)...)
	if err != nil {
		return nil, err
	}
	job, err := t.store.GetUploadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return job, fmt.Errorf("%w: upload job %s is %s, cannot move to %s", ErrInvalidTransition, jobID, job.Status, next)
	}
	t.publishUpload(job)
	return job, nil
}

// StartUpload moves a job to Processing for the given delivery attempt.
// A redelivered job already in Processing is accepted again.
func (t *Tracker) StartUpload(ctx context.Context, jobID string, attempt int) (*models.UploadJob, error) {
	now := t.clock.Now()
	job, err := t.moveUpload(ctx, jobID, models.UploadStatusProcessing, store.UploadJobPatch{
		Progress:  ptr(models.UploadProcessingProgress),
		StartedAt: &now,
		Attempts:  &attempt,
	})
	if err != nil {
		return job, err
	}
	t.logger.Info("upload job processing", "job_id", jobID, "attempt", attempt)
	return job, nil
}

// CompleteUpload marks the job Completed and links the produced batch.
func (t *Tracker) CompleteUpload(ctx context.Context, jobID string, batchID int64) (*models.UploadJob, error) {
	now := t.clock.Now()
	job, err := t.moveUpload(ctx, jobID, models.UploadStatusCompleted, store.UploadJobPatch{
		Progress:     ptr(100),
		BatchID:      &batchID,
		ErrorMessage: ptr(""),
		CompletedAt:  &now,
	})
	if err != nil {
		return job, err
	}
	t.logger.Info("upload job completed", "job_id", jobID, "batch_id", batchID)
	return job, nil
}

// FailUpload records cause on the job. Only a final failure moves it to Failed;
// otherwise the job stays Processing awaiting redelivery.
func (t *Tracker) FailUpload(ctx context.Context, jobID string, cause error, final bool) (*models.UploadJob, error) {
	msg := cause.Error()
	if !final {
		if _, err := t.store.UpdateUploadJob(ctx, jobID, store.UploadJobPatch{ErrorMessage: &msg},
			models.UploadStatusProcessing); err != nil {
			return nil, err
		}
		t.logger.Warn("upload attempt failed", "job_id", jobID, "error", msg)
		return t.store.GetUploadJob(ctx, jobID)
	}

	now := t.clock.Now()
	// A job that never started passes through Processing on its way to Failed.
	if _, err := t.store.UpdateUploadJob(ctx, jobID, store.UploadJobPatch{
		Status:    ptr(models.UploadStatusProcessing),
		StartedAt: &now,
	}, models.UploadStatusQueued); err != nil {
		return nil, err
	}
	job, err := t.moveUpload(ctx, jobID, models.UploadStatusFailed, store.UploadJobPatch{
		ErrorMessage: &msg,
		CompletedAt:  &now,
	})
	if err != nil {
		return job, err
	}
	t.logger.Error("upload job failed", "job_id", jobID, "error", msg)
	return job, nil
}

// ---------------------------------------------------------------------------
// Download jobs
// ---------------------------------------------------------------------------

// RequestDownload returns the batch's active export job, or queues a new one.
// created reports whether a new job was recorded.
func (t *Tracker) RequestDownload(ctx context.Context, batchID int64, batchNo string) (job *models.DownloadJob, created bool, err error) {
	t.dedupeMu.Lock()
	defer t.dedupeMu.Unlock()

	now := t.clock.Now()
	existing, err := t.store.FindActiveDownloadJob(ctx, batchID, now)
	if err == nil {
		t.logger.Info("download job reused", "job_id", existing.JobID, "batch_id", batchID, "status", existing.Status)
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	job = &models.DownloadJob{
		JobID:     newJobID(),
		BatchID:   batchID,
		BatchNo:   batchNo,
		Status:    models.DownloadStatusQueued,
		CreatedAt: now,
		ExpiresAt: now.Add(t.expiry),
	}
	if err := t.store.InsertDownloadJob(ctx, job); err != nil {
		return nil, false, err
	}
	t.logger.Info("download job queued", "job_id", job.JobID, "batch_id", batchID, "expires_at", job.ExpiresAt)
	t.publishDownload(job)
	return job, true, nil
}

// GetDownloadJob loads one download job.
func (t *Tracker) GetDownloadJob(ctx context.Context, jobID string) (*models.DownloadJob, error) {
	return t.store.GetDownloadJob(ctx, jobID)
}

func (t *Tracker) moveDownload(ctx context.Context, jobID string, next models.DownloadStatus, p store.DownloadJobPatch, guard store.DownloadGuard) (*models.DownloadJob, error) {
	p.Status = &next
	if guard.From == nil {
		guard.From = models.DownloadStatusesFrom(next)
	}
	ok, err := t.store.UpdateDownloadJob(ctx, jobID, p, guard)
	if err != nil {
		return nil, err
	}
	job, err := t.store.GetDownloadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return job, fmt.Errorf("%w: download job %s is %s, cannot move to %s", ErrInvalidTransition, jobID, job.Status, next)
	}
	t.publishDownload(job)
	return job, nil
}

// StartCompressing moves a job to Compressing for the given delivery attempt.
func (t *Tracker) StartCompressing(ctx context.Context, jobID string, attempt int) (*models.DownloadJob, error) {
	now := t.clock.Now()
	job, err := t.moveDownload(ctx, jobID, models.DownloadStatusCompressing, store.DownloadJobPatch{
		Progress:  ptr(models.CompressingStartProgress),
		StartedAt: &now,
		Attempts:  &attempt,
	}, store.DownloadGuard{})
	if err != nil {
		return job, err
	}
	t.logger.Info("download job compressing", "job_id", jobID, "attempt", attempt)
	return job, nil
}

// ReportProgress raises a compressing job's progress. Lower values are ignored
// and not published, so a redelivered attempt never moves observers backwards.
func (t *Tracker) ReportProgress(ctx context.Context, jobID string, progress int) error {
	ok, err := t.store.UpdateDownloadJob(ctx, jobID, store.DownloadJobPatch{Progress: &progress},
		store.DownloadGuard{From: []models.DownloadStatus{models.DownloadStatusCompressing}})
	if err != nil || !ok {
		return err
	}
	job, err := t.store.GetDownloadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Progress > progress {
		return nil
	}
	t.publishDownload(job)
	return nil
}

// MarkReady stores the produced archive and moves the job to Ready.
func (t *Tracker) MarkReady(ctx context.Context, jobID string, res *models.ExportResult) (*models.DownloadJob, error) {
	now := t.clock.Now()
	job, err := t.moveDownload(ctx, jobID, models.DownloadStatusReady, store.DownloadJobPatch{
		Progress:          ptr(100),
		ZipFilePath:       &res.ZipFilePath,
		ZipFileName:       &res.ZipFileName,
		ZipFileSizeBytes:  &res.ZipFileSizeBytes,
		TotalFiles:        &res.TotalFiles,
		MissingFilesCount: &res.MissingFilesCount,
		ErrorMessage:      ptr(""),
		CompletedAt:       &now,
	}, store.DownloadGuard{})
	if err != nil {
		return job, err
	}
	t.logger.Info("download job ready", "job_id", jobID, "file", res.ZipFileName,
		"files", res.TotalFiles, "missing", res.MissingFilesCount)
	return job, nil
}

// FailDownload records cause on the job. Only a final failure moves it to Failed.
func (t *Tracker) FailDownload(ctx context.Context, jobID string, cause error, final bool) (*models.DownloadJob, error) {
	msg := cause.Error()
	if !final {
		if _, err := t.store.UpdateDownloadJob(ctx, jobID, store.DownloadJobPatch{ErrorMessage: &msg},
			store.DownloadGuard{From: []models.DownloadStatus{models.DownloadStatusQueued, models.DownloadStatusCompressing}}); err != nil {
			return nil, err
		}
		t.logger.Warn("download attempt failed", "job_id", jobID, "error", msg)
		return t.store.GetDownloadJob(ctx, jobID)
	}

	now := t.clock.Now()
	job, err := t.moveDownload(ctx, jobID, models.DownloadStatusFailed, store.DownloadJobPatch{
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}, store.DownloadGuard{})
	if err != nil {
		return job, err
	}
	t.logger.Error("download job failed", "job_id", jobID, "error", msg)
	return job, nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (t *Tracker) publishUpload(j *models.UploadJob) {
	t.events.Publish(UploadEvent(j))
}

func (t *Tracker) publishDownload(j *models.DownloadJob) {
	t.events.Publish(DownloadEvent(j))
}
