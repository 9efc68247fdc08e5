package jobs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundle-ingest/backend/internal/clock"
	"github.com/bundle-ingest/backend/internal/config"
	"github.com/bundle-ingest/backend/internal/models"
	"github.com/bundle-ingest/backend/internal/store"
)

var start = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

func newTestTracker(t *testing.T) (*Tracker, *clock.Fake) {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{
		Driver: config.DriverDuckDB,
		DSN:    filepath.Join(t.TempDir(), "jobs.duckdb"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(start)
	return NewTracker(st, clk, 24*time.Hour, nil), clk
}

func TestUploadLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("queued to completed", func(t *testing.T) {
		tr, clk := newTestTracker(t)

		job, err := tr.CreateUploadJob(ctx, "bundle.zip", "/ws/bundle.zip", "/ws", 42<<20)
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusQueued, job.Status)
		assert.Equal(t, 0, job.Progress)

		clk.Advance(time.Second)
		job, err = tr.StartUpload(ctx, job.JobID, 1)
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusProcessing, job.Status)
		assert.Equal(t, models.UploadProcessingProgress, job.Progress)
		require.NotNil(t, job.StartedAt)

		clk.Advance(3 * time.Second)
		job, err = tr.CompleteUpload(ctx, job.JobID, 17)
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusCompleted, job.Status)
		assert.Equal(t, 100, job.Progress)
		require.NotNil(t, job.BatchID)
		assert.Equal(t, int64(17), *job.BatchID)
		d, ok := job.ProcessingTime()
		require.True(t, ok)
		assert.Equal(t, 3*time.Second, d)

		// terminal jobs stay terminal
		_, err = tr.StartUpload(ctx, job.JobID, 2)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = tr.FailUpload(ctx, job.JobID, errors.New("late"), true)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("non-final failure keeps processing", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		job, err := tr.CreateUploadJob(ctx, "b.zip", "/ws/b.zip", "/ws", 1)
		require.NoError(t, err)
		_, err = tr.StartUpload(ctx, job.JobID, 1)
		require.NoError(t, err)

		job, err = tr.FailUpload(ctx, job.JobID, errors.New("db down"), false)
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusProcessing, job.Status)
		assert.Equal(t, "db down", job.ErrorMessage)
		assert.Nil(t, job.CompletedAt)

		// redelivery re-enters processing
		job, err = tr.StartUpload(ctx, job.JobID, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, job.Attempts)

		job, err = tr.FailUpload(ctx, job.JobID, errors.New("still down"), true)
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusFailed, job.Status)
		assert.Equal(t, "still down", job.ErrorMessage)
		assert.NotNil(t, job.CompletedAt)
	})

	t.Run("final failure of a job that never started", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		job, err := tr.CreateUploadJob(ctx, "b.zip", "/ws/b.zip", "/ws", 1)
		require.NoError(t, err)

		job, err = tr.FailUpload(ctx, job.JobID, errors.New("could not start"), true)
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusFailed, job.Status)
		assert.Equal(t, "could not start", job.ErrorMessage)
		assert.NotNil(t, job.StartedAt)
		assert.NotNil(t, job.CompletedAt)
	})

	t.Run("completion clears a retried error", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		job, _ := tr.CreateUploadJob(ctx, "b.zip", "/ws/b.zip", "/ws", 1)
		_, err := tr.StartUpload(ctx, job.JobID, 1)
		require.NoError(t, err)
		_, err = tr.FailUpload(ctx, job.JobID, errors.New("transient"), false)
		require.NoError(t, err)

		job, err = tr.CompleteUpload(ctx, job.JobID, 3)
		require.NoError(t, err)
		assert.Empty(t, job.ErrorMessage)
	})

	t.Run("stats", func(t *testing.T) {
		tr, clk := newTestTracker(t)
		a, _ := tr.CreateUploadJob(ctx, "a.zip", "", "", 1)
		_, _ = tr.CreateUploadJob(ctx, "b.zip", "", "", 1)
		_, err := tr.StartUpload(ctx, a.JobID, 1)
		require.NoError(t, err)
		clk.Advance(10 * time.Second)
		_, err = tr.CompleteUpload(ctx, a.JobID, 1)
		require.NoError(t, err)

		stats, err := tr.UploadStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 1, stats.Queued)
		assert.Equal(t, 1, stats.Completed)
		assert.InDelta(t, 10.0, stats.AverageProcessingTimeSeconds, 0.001)
	})
}

func TestRequestDownload_Dedupe(t *testing.T) {
	ctx := context.Background()

	t.Run("back to back requests share a job", func(t *testing.T) {
		tr, _ := newTestTracker(t)

		first, created, err := tr.RequestDownload(ctx, 5, "ABC")
		require.NoError(t, err)
		assert.True(t, created)
		_, err = tr.StartCompressing(ctx, first.JobID, 1)
		require.NoError(t, err)

		second, created, err := tr.RequestDownload(ctx, 5, "ABC")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.JobID, second.JobID)
	})

	t.Run("concurrent requests create one job", func(t *testing.T) {
		tr, _ := newTestTracker(t)

		var wg sync.WaitGroup
		ids := make([]string, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				job, _, err := tr.RequestDownload(ctx, 9, "X")
				if assert.NoError(t, err) {
					ids[i] = job.JobID
				}
			}(i)
		}
		wg.Wait()
		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
	})

	t.Run("finished jobs do not block a new one", func(t *testing.T) {
		tr, clk := newTestTracker(t)
		first, _, err := tr.RequestDownload(ctx, 5, "ABC")
		require.NoError(t, err)
		_, err = tr.FailDownload(ctx, first.JobID, errors.New("disk"), true)
		require.NoError(t, err)

		second, created, err := tr.RequestDownload(ctx, 5, "ABC")
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, first.JobID, second.JobID)

		// a ready job past expiry is not active either
		readyJob(t, tr, second.JobID, writeArchive(t))
		clk.Advance(25 * time.Hour)
		third, created, err := tr.RequestDownload(ctx, 5, "ABC")
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, second.JobID, third.JobID)
	})
}

func writeArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ABC_20260504093000.zip")
	require.NoError(t, os.WriteFile(path, []byte("PK-archive"), 0644))
	return path
}

func readyJob(t *testing.T, tr *Tracker, jobID, path string) *models.DownloadJob {
	t.Helper()
	ctx := context.Background()
	_, err := tr.StartCompressing(ctx, jobID, 1)
	require.NoError(t, err)
	require.NoError(t, tr.ReportProgress(ctx, jobID, 50))
	job, err := tr.MarkReady(ctx, jobID, &models.ExportResult{
		ZipFilePath:      path,
		ZipFileName:      filepath.Base(path),
		ZipFileSizeBytes: 10,
		TotalFiles:       2,
	})
	require.NoError(t, err)
	return job
}

func TestDownloadLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("progress is monotonic and ends at 100", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		job, _, err := tr.RequestDownload(ctx, 1, "ABC")
		require.NoError(t, err)

		job, err = tr.StartCompressing(ctx, job.JobID, 1)
		require.NoError(t, err)
		assert.Equal(t, models.CompressingStartProgress, job.Progress)

		require.NoError(t, tr.ReportProgress(ctx, job.JobID, 60))
		require.NoError(t, tr.ReportProgress(ctx, job.JobID, 30))
		job, err = tr.GetDownloadJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, 60, job.Progress)

		job = readyJob(t, tr, job.JobID, writeArchive(t))
		assert.Equal(t, models.DownloadStatusReady, job.Status)
		assert.Equal(t, 100, job.Progress)
		assert.NotNil(t, job.CompletedAt)
	})

	t.Run("download streams and marks downloaded", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		job, _, _ := tr.RequestDownload(ctx, 1, "ABC")
		readyJob(t, tr, job.JobID, writeArchive(t))

		dl, err := tr.OpenDownload(ctx, job.JobID)
		require.NoError(t, err)
		assert.True(t, tr.Leased(job.JobID))
		data, err := io.ReadAll(dl.File)
		require.NoError(t, err)
		assert.Equal(t, "PK-archive", string(data))
		assert.Equal(t, models.DownloadStatusDownloaded, dl.Job.Status)
		assert.NotNil(t, dl.Job.DownloadedAt)
		require.NoError(t, dl.Close())
		assert.False(t, tr.Leased(job.JobID))

		_, err = tr.OpenDownload(ctx, job.JobID)
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("not ready", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		job, _, _ := tr.RequestDownload(ctx, 1, "ABC")
		_, err := tr.OpenDownload(ctx, job.JobID)
		assert.ErrorIs(t, err, ErrNotReady)
	})

	t.Run("missing file", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		job, _, _ := tr.RequestDownload(ctx, 1, "ABC")
		path := writeArchive(t)
		readyJob(t, tr, job.JobID, path)
		require.NoError(t, os.Remove(path))

		_, err := tr.OpenDownload(ctx, job.JobID)
		assert.ErrorIs(t, err, ErrFileMissing)
		assert.False(t, tr.Leased(job.JobID))

		got, _ := tr.GetDownloadJob(ctx, job.JobID)
		assert.Equal(t, models.DownloadStatusReady, got.Status)
	})

	t.Run("past expiry before sweep", func(t *testing.T) {
		tr, clk := newTestTracker(t)
		job, _, _ := tr.RequestDownload(ctx, 1, "ABC")
		readyJob(t, tr, job.JobID, writeArchive(t))
		clk.Advance(24 * time.Hour)

		_, err := tr.OpenDownload(ctx, job.JobID)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("unknown job", func(t *testing.T) {
		tr, _ := newTestTracker(t)
		_, err := tr.OpenDownload(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()

	t.Run("expires stale ready jobs and is idempotent", func(t *testing.T) {
		tr, clk := newTestTracker(t)
		job, _, _ := tr.RequestDownload(ctx, 1, "ABC")
		path := writeArchive(t)
		readyJob(t, tr, job.JobID, path)

		_, _, err := tr.RequestDownload(ctx, 2, "DEF")
		require.NoError(t, err)
		clk.Advance(24 * time.Hour)

		res, err := tr.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Expired)
		assert.Equal(t, 1, res.FilesRemoved)
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))

		got, err := tr.GetDownloadJob(ctx, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, models.DownloadStatusExpired, got.Status)

		_, err = tr.OpenDownload(ctx, job.JobID)
		assert.ErrorIs(t, err, ErrExpired)

		again, err := tr.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.SweepResult{}, *again)
	})

	t.Run("leased job is skipped", func(t *testing.T) {
		tr, clk := newTestTracker(t)
		job, _, _ := tr.RequestDownload(ctx, 1, "ABC")
		path := writeArchive(t)
		readyJob(t, tr, job.JobID, path)
		clk.Advance(25 * time.Hour)

		release := tr.lease(job.JobID)
		res, err := tr.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Expired)
		assert.Equal(t, 1, res.Skipped)
		_, err = os.Stat(path)
		assert.NoError(t, err)

		release()
		res, err = tr.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Expired)
	})

	t.Run("reclaims downloaded archives after expiry", func(t *testing.T) {
		tr, clk := newTestTracker(t)
		job, _, _ := tr.RequestDownload(ctx, 1, "ABC")
		path := writeArchive(t)
		readyJob(t, tr, job.JobID, path)

		dl, err := tr.OpenDownload(ctx, job.JobID)
		require.NoError(t, err)
		clk.Advance(25 * time.Hour)

		res, err := tr.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.FilesRemoved, "transfer in progress")

		require.NoError(t, dl.Close())
		res, err = tr.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Expired)
		assert.Equal(t, 1, res.FilesRemoved)

		got, _ := tr.GetDownloadJob(ctx, job.JobID)
		assert.Equal(t, models.DownloadStatusDownloaded, got.Status)
	})

	t.Run("missing file still expires", func(t *testing.T) {
		tr, clk := newTestTracker(t)
		job, _, _ := tr.RequestDownload(ctx, 1, "ABC")
		path := writeArchive(t)
		readyJob(t, tr, job.JobID, path)
		require.NoError(t, os.Remove(path))
		clk.Advance(24 * time.Hour)

		res, err := tr.SweepExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Expired)
		assert.Equal(t, 0, res.FilesRemoved)
	})
}

func TestEvents(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	job, _, err := tr.RequestDownload(ctx, 1, "ABC")
	require.NoError(t, err)

	events, cancel := tr.Events().Subscribe(job.JobID)
	defer cancel()

	readyJob(t, tr, job.JobID, writeArchive(t))

	var got []Event
	for ev := range events {
		got = append(got, ev)
		if ev.Terminal {
			break
		}
	}
	require.Len(t, got, 3)
	assert.Equal(t, "compressing", got[0].Status)
	assert.Equal(t, 50, got[1].Progress)
	assert.Equal(t, "ready", got[2].Status)
	assert.Equal(t, 100, got[2].Progress)
}

func TestEvents_RedeliveredExportStaysMonotonic(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	job, _, err := tr.RequestDownload(ctx, 1, "ABC")
	require.NoError(t, err)
	events, cancel := tr.Events().Subscribe(job.JobID)
	defer cancel()

	_, err = tr.StartCompressing(ctx, job.JobID, 1)
	require.NoError(t, err)
	require.NoError(t, tr.ReportProgress(ctx, job.JobID, 80))
	_, err = tr.FailDownload(ctx, job.JobID, errors.New("disk full"), false)
	require.NoError(t, err)

	// second delivery starts over from the beginning
	_, err = tr.StartCompressing(ctx, job.JobID, 2)
	require.NoError(t, err)
	require.NoError(t, tr.ReportProgress(ctx, job.JobID, 20))
	require.NoError(t, tr.ReportProgress(ctx, job.JobID, 90))
	_, err = tr.MarkReady(ctx, job.JobID, &models.ExportResult{
		ZipFilePath: writeArchive(t),
		ZipFileName: "ABC_20260504093000.zip",
		TotalFiles:  1,
	})
	require.NoError(t, err)

	var seen []int
	for ev := range events {
		seen = append(seen, ev.Progress)
		if ev.Terminal {
			break
		}
	}
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1], "progress went backwards: %v", seen)
	}
	assert.NotContains(t, seen, 20)
	assert.Equal(t, 100, seen[len(seen)-1])

	got, err := tr.GetDownloadJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
}

func TestBroadcaster_Cancel(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe("j")
	assert.Equal(t, 1, b.Subscribers("j"))
	cancel()
	cancel()
	assert.Equal(t, 0, b.Subscribers("j"))
	_, open := <-ch
	assert.False(t, open)

	// publishing with no listeners is a no-op
	b.Publish(Event{JobID: "j"})
}
