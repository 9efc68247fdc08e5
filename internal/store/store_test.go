// store_test.go - Tests for batch and job persistence
package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bundle-ingest/backend/internal/config"
	"github.com/bundle-ingest/backend/internal/models"
)

// createTestStore opens a DuckDB store in a temp dir. When
// BUNDLE_TEST_POSTGRES_DSN is set, openPostgresStore can be used instead.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.DatabaseConfig{
		Driver: config.DriverDuckDB,
		DSN:    filepath.Join(t.TempDir(), "test.duckdb"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openPostgresStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BUNDLE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BUNDLE_TEST_POSTGRES_DSN not set")
	}
	s, err := Open(context.Background(), config.DatabaseConfig{Driver: config.DriverPostgres, DSN: dsn}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func intp(v int) *int { return &v }

func sampleBatch(no string) (*models.Batch, []models.Entry) {
	b := &models.Batch{
		BatchNo:          no,
		ExcelFileName:    "manifest.xlsx",
		ExcelStoragePath: "/tmp/ws/extracted/manifest.xlsx",
		TotalRows:        3,
		TotalPdfs:        1,
		CreatedAt:        t0,
	}
	entries := []models.Entry{
		{RowIndex: 1, RowType: models.RowTypeHeader, ParseStatus: models.ParseStatusUnparsed, RawText: "Shipping list"},
		{
			RowIndex: 3, RowType: models.RowTypeData, SeqNo: intp(12), ProductName: "Widget",
			Model: "W-1", Quantity: intp(5), SerialNo: "S-9", PdfFileName: "ABC123012.pdf",
			PdfPath: "/tmp/ws/extracted/pdfs/ABC123012.pdf", ParseStatus: models.ParseStatusParsed,
			RawText: "12  Widget  W-1  5  S-9",
		},
		{
			RowIndex: 4, RowType: models.RowTypeData, SeqNo: intp(13), ProductName: "Gadget",
			Model: "G-1", Quantity: intp(1), SerialNo: "S-10", PdfFileName: "ABC123013.pdf",
			ParseStatus: models.ParseStatusMissingPdf, ErrorMessage: "pdf file not found: ABC123013.pdf",
			RawText: "13  Gadget  G-1  1  S-10",
		},
	}
	return b, entries
}

func TestOpen(t *testing.T) {
	t.Run("creates database file and schema", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bundles.duckdb")
		s, err := Open(context.Background(), config.DatabaseConfig{Driver: config.DriverDuckDB, DSN: path}, nil)
		require.NoError(t, err)
		defer s.Close()

		_, err = os.Stat(path)
		assert.NoError(t, err)
		assert.NoError(t, s.Ping(context.Background()))
	})

	t.Run("rejects unknown driver", func(t *testing.T) {
		_, err := Open(context.Background(), config.DatabaseConfig{Driver: "sqlite"}, nil)
		assert.Error(t, err)
	})
}

func TestStore_SaveBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("persists header and entries", func(t *testing.T) {
		s := createTestStore(t)
		b, entries := sampleBatch("ABC1234567890")

		id, err := s.SaveBatch(ctx, b, entries)
		require.NoError(t, err)
		assert.Equal(t, id, b.ID)
		assert.Equal(t, models.BatchStatusParsed, b.Status)
		for _, e := range entries {
			assert.Equal(t, id, e.BatchID)
		}

		got, err := s.GetBatch(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "ABC1234567890", got.BatchNo)
		assert.Equal(t, models.BatchStatusParsed, got.Status)
		assert.Equal(t, 3, got.TotalRows)
		assert.True(t, got.CreatedAt.Equal(t0))
		require.NotNil(t, got.UpdatedAt)

		page, err := s.ListEntries(ctx, id, 1, 10)
		require.NoError(t, err)
		require.Len(t, page.Items, 3)
		assert.Equal(t, 3, page.Total)
		assert.Equal(t, []int{1, 3, 4}, []int{page.Items[0].RowIndex, page.Items[1].RowIndex, page.Items[2].RowIndex})

		data := page.Items[1]
		require.NotNil(t, data.SeqNo)
		assert.Equal(t, 12, *data.SeqNo)
		assert.Equal(t, 5, *data.Quantity)
		assert.Equal(t, "ABC123012.pdf", data.PdfFileName)
		assert.Equal(t, "/tmp/ws/extracted/pdfs/ABC123012.pdf", data.PdfPath)

		header := page.Items[0]
		assert.Nil(t, header.SeqNo)
		assert.Empty(t, header.ProductName)
	})

	t.Run("ids are increasing", func(t *testing.T) {
		s := createTestStore(t)
		b1, e1 := sampleBatch("A")
		b2, e2 := sampleBatch("B")
		id1, err := s.SaveBatch(ctx, b1, e1)
		require.NoError(t, err)
		id2, err := s.SaveBatch(ctx, b2, e2)
		require.NoError(t, err)
		assert.Greater(t, id2, id1)
	})

	t.Run("failure after header insert rolls back", func(t *testing.T) {
		s := createTestStore(t)
		boom := errors.New("disk full")
		s.afterHeaderInsert = func() error { return boom }

		b, entries := sampleBatch("ROLLBACK")
		_, err := s.SaveBatch(ctx, b, entries)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		var pe *PersistError
		assert.ErrorAs(t, err, &pe)

		page, err := s.ListBatches(ctx, BatchFilter{Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, 0, page.Total)

		var n int
		require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM entries`).Scan(&n))
		assert.Equal(t, 0, n)

		// the store stays usable
		s.afterHeaderInsert = nil
		_, err = s.SaveBatch(ctx, b, entries)
		assert.NoError(t, err)
	})

	t.Run("empty entry list", func(t *testing.T) {
		s := createTestStore(t)
		b, _ := sampleBatch("EMPTY")
		id, err := s.SaveBatch(ctx, b, nil)
		require.NoError(t, err)

		page, err := s.ListEntries(ctx, id, 1, 10)
		require.NoError(t, err)
		assert.Empty(t, page.Items)
	})
}

func TestStore_Batches(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for i, no := range []string{"XA-100", "XB-200", "XA-300"} {
		b, entries := sampleBatch(no)
		b.CreatedAt = t0.Add(time.Duration(i) * time.Minute)
		_, err := s.SaveBatch(ctx, b, entries)
		require.NoError(t, err)
	}

	t.Run("lists newest first", func(t *testing.T) {
		page, err := s.ListBatches(ctx, BatchFilter{Page: 1, PageSize: 2})
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Equal(t, 2, page.TotalPages)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "XA-300", page.Items[0].BatchNo)
		assert.Equal(t, "XB-200", page.Items[1].BatchNo)
	})

	t.Run("filters by substring", func(t *testing.T) {
		page, err := s.ListBatches(ctx, BatchFilter{BatchNo: "XA", Page: 1, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)
	})

	t.Run("page past the end is empty", func(t *testing.T) {
		page, err := s.ListBatches(ctx, BatchFilter{Page: 5, PageSize: 10})
		require.NoError(t, err)
		assert.NotNil(t, page.Items)
		assert.Empty(t, page.Items)
	})

	t.Run("missing batch", func(t *testing.T) {
		_, err := s.GetBatch(ctx, 9999)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.SetBatchStatus(ctx, 9999, models.BatchStatusFailed, t0), ErrNotFound)
	})

	t.Run("data entries only", func(t *testing.T) {
		data, err := s.DataEntries(ctx, 1)
		require.NoError(t, err)
		require.Len(t, data, 2)
		assert.Equal(t, 3, data[0].RowIndex)
		assert.Equal(t, 4, data[1].RowIndex)
	})

	t.Run("set status", func(t *testing.T) {
		require.NoError(t, s.SetBatchStatus(ctx, 1, models.BatchStatusCompleted, t0.Add(time.Hour)))
		b, err := s.GetBatch(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.BatchStatusCompleted, b.Status)
	})
}

func newUploadJob(id string, created time.Time) *models.UploadJob {
	return &models.UploadJob{
		JobID:            id,
		OriginalFileName: "bundle.zip",
		ZipFilePath:      "/tmp/ws/bundle.zip",
		Workspace:        "/tmp/ws",
		FileSizeBytes:    2048,
		Status:           models.UploadStatusQueued,
		CreatedAt:        created,
	}
}

func TestStore_UploadJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		s := createTestStore(t)
		require.NoError(t, s.InsertUploadJob(ctx, newUploadJob("u1", t0)))

		j, err := s.GetUploadJob(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, models.UploadStatusQueued, j.Status)
		assert.Equal(t, int64(2048), j.FileSizeBytes)
		assert.Equal(t, "/tmp/ws", j.Workspace)
		assert.Nil(t, j.BatchID)
		assert.Nil(t, j.StartedAt)

		_, err = s.GetUploadJob(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("guarded update", func(t *testing.T) {
		s := createTestStore(t)
		require.NoError(t, s.InsertUploadJob(ctx, newUploadJob("u1", t0)))

		processing := models.UploadStatusProcessing
		started := t0.Add(time.Second)
		ok, err := s.UpdateUploadJob(ctx, "u1", UploadJobPatch{
			Status: &processing, Progress: intp(50), StartedAt: &started, Attempts: intp(1),
		}, models.UploadStatusesFrom(processing)...)
		require.NoError(t, err)
		assert.True(t, ok)

		// started_at keeps its first value
		later := t0.Add(time.Minute)
		ok, err = s.UpdateUploadJob(ctx, "u1", UploadJobPatch{StartedAt: &later, Progress: intp(10)})
		require.NoError(t, err)
		assert.True(t, ok)

		j, err := s.GetUploadJob(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, 50, j.Progress)
		require.NotNil(t, j.StartedAt)
		assert.True(t, j.StartedAt.Equal(started))
		assert.Equal(t, 1, j.Attempts)

		completed := models.UploadStatusCompleted
		ok, err = s.UpdateUploadJob(ctx, "u1", UploadJobPatch{Status: &completed}, models.UploadStatusesFrom(completed)...)
		require.NoError(t, err)
		assert.True(t, ok)

		// terminal job refuses further moves
		failed := models.UploadStatusFailed
		ok, err = s.UpdateUploadJob(ctx, "u1", UploadJobPatch{Status: &failed}, models.UploadStatusesFrom(failed)...)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("list and stats", func(t *testing.T) {
		s := createTestStore(t)
		for i, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, s.InsertUploadJob(ctx, newUploadJob(id, t0.Add(time.Duration(i)*time.Minute))))
		}
		processing := models.UploadStatusProcessing
		completed := models.UploadStatusCompleted
		failed := models.UploadStatusFailed

		for id, secs := range map[string]int{"a": 4, "b": 8} {
			start := t0
			end := t0.Add(time.Duration(secs) * time.Second)
			_, err := s.UpdateUploadJob(ctx, id, UploadJobPatch{Status: &processing, StartedAt: &start})
			require.NoError(t, err)
			_, err = s.UpdateUploadJob(ctx, id, UploadJobPatch{Status: &completed, CompletedAt: &end})
			require.NoError(t, err)
		}
		_, err := s.UpdateUploadJob(ctx, "c", UploadJobPatch{Status: &failed})
		require.NoError(t, err)

		jobs, err := s.ListUploadJobs(ctx, 2)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "d", jobs[0].JobID)

		stats, err := s.UploadJobStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Total)
		assert.Equal(t, 1, stats.Queued)
		assert.Equal(t, 2, stats.Completed)
		assert.Equal(t, 1, stats.Failed)
		assert.InDelta(t, 6.0, stats.AverageProcessingTimeSeconds, 0.001)
	})

	t.Run("empty stats", func(t *testing.T) {
		s := createTestStore(t)
		stats, err := s.UploadJobStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Total)
		assert.Zero(t, stats.AverageProcessingTimeSeconds)
	})
}

func newDownloadJob(id string, batchID int64, created time.Time) *models.DownloadJob {
	return &models.DownloadJob{
		JobID:     id,
		BatchID:   batchID,
		BatchNo:   "ABC1234567890",
		Status:    models.DownloadStatusQueued,
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
	}
}

func TestStore_DownloadJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		s := createTestStore(t)
		require.NoError(t, s.InsertDownloadJob(ctx, newDownloadJob("d1", 7, t0)))

		j, err := s.GetDownloadJob(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, int64(7), j.BatchID)
		assert.Equal(t, models.DownloadStatusQueued, j.Status)
		assert.True(t, j.ExpiresAt.Equal(t0.Add(24*time.Hour)))
		assert.Empty(t, j.ZipFilePath)
	})

	t.Run("find active", func(t *testing.T) {
		s := createTestStore(t)
		_, err := s.FindActiveDownloadJob(ctx, 7, t0)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.InsertDownloadJob(ctx, newDownloadJob("d1", 7, t0)))
		j, err := s.FindActiveDownloadJob(ctx, 7, t0)
		require.NoError(t, err)
		assert.Equal(t, "d1", j.JobID)

		ready := models.DownloadStatusReady
		_, err = s.UpdateDownloadJob(ctx, "d1", DownloadJobPatch{Status: &ready}, DownloadGuard{})
		require.NoError(t, err)

		_, err = s.FindActiveDownloadJob(ctx, 7, t0.Add(time.Hour))
		assert.NoError(t, err)
		_, err = s.FindActiveDownloadJob(ctx, 7, t0.Add(24*time.Hour))
		assert.ErrorIs(t, err, ErrNotFound, "ready job at its expiry is not active")
	})

	t.Run("expiry guard", func(t *testing.T) {
		s := createTestStore(t)
		j := newDownloadJob("d1", 7, t0)
		j.Status = models.DownloadStatusReady
		require.NoError(t, s.InsertDownloadJob(ctx, j))

		downloaded := models.DownloadStatusDownloaded
		late := t0.Add(25 * time.Hour)
		ok, err := s.UpdateDownloadJob(ctx, "d1",
			DownloadJobPatch{Status: &downloaded, DownloadedAt: &late},
			DownloadGuard{From: []models.DownloadStatus{models.DownloadStatusReady}, ExpiresAfter: &late})
		require.NoError(t, err)
		assert.False(t, ok)

		expired := models.DownloadStatusExpired
		ok, err = s.UpdateDownloadJob(ctx, "d1",
			DownloadJobPatch{Status: &expired},
			DownloadGuard{From: []models.DownloadStatus{models.DownloadStatusReady}, ExpiresAtOrBefore: &late})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetDownloadJob(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, models.DownloadStatusExpired, got.Status)
		assert.Nil(t, got.DownloadedAt)
	})

	t.Run("completion fields and listing", func(t *testing.T) {
		s := createTestStore(t)
		require.NoError(t, s.InsertDownloadJob(ctx, newDownloadJob("d1", 7, t0)))
		require.NoError(t, s.InsertDownloadJob(ctx, newDownloadJob("d2", 8, t0)))

		ready := models.DownloadStatusReady
		path, name := "/srv/downloads/ABC_20260301080000.zip", "ABC_20260301080000.zip"
		size := int64(4096)
		done := t0.Add(time.Minute)
		ok, err := s.UpdateDownloadJob(ctx, "d1", DownloadJobPatch{
			Status: &ready, Progress: intp(100), ZipFilePath: &path, ZipFileName: &name,
			ZipFileSizeBytes: &size, TotalFiles: intp(3), MissingFilesCount: intp(1), CompletedAt: &done,
		}, DownloadGuard{})
		require.NoError(t, err)
		assert.True(t, ok)

		j, err := s.GetDownloadJob(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, 100, j.Progress)
		assert.Equal(t, path, j.ZipFilePath)
		assert.Equal(t, size, j.ZipFileSizeBytes)
		assert.Equal(t, 3, j.TotalFiles)
		assert.Equal(t, 1, j.MissingFilesCount)

		expiring, err := s.ListDownloadJobsExpiring(ctx, models.DownloadStatusReady, t0.Add(48*time.Hour))
		require.NoError(t, err)
		require.Len(t, expiring, 1)
		assert.Equal(t, "d1", expiring[0].JobID)

		byBatch, err := s.ListDownloadJobs(ctx, 8)
		require.NoError(t, err)
		require.Len(t, byBatch, 1)
		assert.Equal(t, "d2", byBatch[0].JobID)
	})
}

func TestStore_Postgres(t *testing.T) {
	s := openPostgresStore(t)
	ctx := context.Background()

	b, entries := sampleBatch("PG-" + time.Now().Format("150405.000000"))
	id, err := s.SaveBatch(ctx, b, entries)
	require.NoError(t, err)

	data, err := s.DataEntries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, data, 2)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$3, $4, $5", placeholders(3, 3))
	assert.Equal(t, "", placeholders(1, 0))
}
