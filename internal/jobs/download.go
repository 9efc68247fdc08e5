package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bundle-ingest/backend/internal/models"
	"github.com/bundle-ingest/backend/internal/store"
)

// Download is an open archive handed to a client. Close releases the lease.
type Download struct {
	Job  *models.DownloadJob
	File *os.File
	Size int64

	release func()
}

// Close closes the file and releases the job's lease.
func (d *Download) Close() error {
	err := d.File.Close()
	d.release()
	return err
}

func (t *Tracker) lease(jobID string) func() {
	t.leaseMu.Lock()
	t.leases[jobID]++
	t.leaseMu.Unlock()

	released := false
	return func() {
		t.leaseMu.Lock()
		defer t.leaseMu.Unlock()
		if released {
			return
		}
		released = true
		if t.leases[jobID]--; t.leases[jobID] <= 0 {
			delete(t.leases, jobID)
		}
	}
}

// Leased reports whether jobID's archive is being served.
func (t *Tracker) Leased(jobID string) bool {
	t.leaseMu.Lock()
	defer t.leaseMu.Unlock()
	return t.leases[jobID] > 0
}

func unavailable(job *models.DownloadJob) error {
	if job.Status == models.DownloadStatusExpired {
		return fmt.Errorf("%w: job %s", ErrExpired, job.JobID)
	}
	return fmt.Errorf("%w: job %s is %s", ErrNotReady, job.JobID, job.Status)
}

// OpenDownload opens a Ready job's archive and moves the job to Downloaded.
// It fails with ErrNotReady, ErrExpired or ErrFileMissing. The caller must
// Close the returned Download once the transfer ends.
func (t *Tracker) OpenDownload(ctx context.Context, jobID string) (*Download, error) {
	job, err := t.store.GetDownloadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.DownloadStatusReady {
		return nil, unavailable(job)
	}
	now := t.clock.Now()
	if job.Expired(now) {
		return nil, fmt.Errorf("%w: job %s expired at %s", ErrExpired, jobID, job.ExpiresAt.Format("2006-01-02 15:04:05"))
	}

	release := t.lease(jobID)
	f, err := os.Open(job.ZipFilePath)
	if err != nil {
		release()
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileMissing, job.ZipFileName)
		}
		return nil, fmt.Errorf("opening download: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		release()
		return nil, fmt.Errorf("opening download: %w", err)
	}

	updated, err := t.moveDownload(ctx, jobID, models.DownloadStatusDownloaded,
		store.DownloadJobPatch{DownloadedAt: &now},
		store.DownloadGuard{From: []models.DownloadStatus{models.DownloadStatusReady}, ExpiresAfter: &now})
	if err != nil {
		f.Close()
		release()
		if errors.Is(err, ErrInvalidTransition) && updated != nil {
			if updated.Status == models.DownloadStatusReady {
				return nil, fmt.Errorf("%w: job %s", ErrExpired, jobID)
			}
			return nil, unavailable(updated)
		}
		return nil, err
	}

	t.logger.Info("download started", "job_id", jobID, "file", updated.ZipFileName, "size", info.Size())
	return &Download{Job: updated, File: f, Size: info.Size(), release: release}, nil
}

// SweepExpired expires every Ready job past its expiry and deletes its archive.
// Archives of Downloaded jobs past expiry are reclaimed too unless a transfer
// still holds them. Deletion failures are logged and never block a transition.
// Running it again right away expires and removes nothing.
func (t *Tracker) SweepExpired(ctx context.Context) (*models.SweepResult, error) {
	now := t.clock.Now()
	res := &models.SweepResult{}

	ready, err := t.store.ListDownloadJobsExpiring(ctx, models.DownloadStatusReady, now)
	if err != nil {
		return nil, err
	}
	for i := range ready {
		job := &ready[i]
		if t.Leased(job.JobID) {
			res.Skipped++
			continue
		}
		if _, err := t.moveDownload(ctx, job.JobID, models.DownloadStatusExpired, store.DownloadJobPatch{},
			store.DownloadGuard{From: []models.DownloadStatus{models.DownloadStatusReady}, ExpiresAtOrBefore: &now}); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				res.Skipped++
				continue
			}
			return res, err
		}
		res.Expired++
		if t.removeArchive(job) {
			res.FilesRemoved++
		}
	}

	downloaded, err := t.store.ListDownloadJobsExpiring(ctx, models.DownloadStatusDownloaded, now)
	if err != nil {
		return res, err
	}
	for i := range downloaded {
		job := &downloaded[i]
		if t.reclaimDownloaded(job) {
			res.FilesRemoved++
		}
	}

	if res.Expired > 0 || res.FilesRemoved > 0 || res.Skipped > 0 {
		t.logger.Info("expiry sweep finished", "expired", res.Expired, "files_removed", res.FilesRemoved, "skipped", res.Skipped)
	}
	return res, nil
}

func (t *Tracker) reclaimDownloaded(job *models.DownloadJob) bool {
	t.leaseMu.Lock()
	defer t.leaseMu.Unlock()
	if t.leases[job.JobID] > 0 {
		return false
	}
	return t.removeArchive(job)
}

// removeArchive deletes the job's file and reports whether something was removed.
func (t *Tracker) removeArchive(job *models.DownloadJob) bool {
	if job.ZipFilePath == "" {
		return false
	}
	err := os.Remove(job.ZipFilePath)
	switch {
	case err == nil:
		t.logger.Info("expired archive removed", "job_id", job.JobID, "file", job.ZipFileName)
		return true
	case errors.Is(err, os.ErrNotExist):
		return false
	default:
		t.logger.Warn("failed to remove expired archive", "job_id", job.JobID, "path", job.ZipFilePath, "error", err)
		return false
	}
}
