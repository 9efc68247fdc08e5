package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bundle-ingest/backend/internal/models"
)

// updateBuilder accumulates SET clauses and WHERE conditions with numbered placeholders.
type updateBuilder struct {
	sets  []string
	conds []string
	args  []any
}

func (b *updateBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *updateBuilder) set(column string, v any) {
	b.sets = append(b.sets, column+" = "+b.arg(v))
}

func (b *updateBuilder) setExpr(column, expr string) {
	b.sets = append(b.sets, column+" = "+expr)
}

func (b *updateBuilder) where(cond string) {
	b.conds = append(b.conds, cond)
}

func (b *updateBuilder) whereIn(column string, values []string) {
	if len(values) == 0 {
		return
	}
	start := len(b.args) + 1
	for _, v := range values {
		b.args = append(b.args, v)
	}
	b.conds = append(b.conds, fmt.Sprintf("%s IN (%s)", column, placeholders(start, len(values))))
}

func (b *updateBuilder) sql(table string) string {
	q := "UPDATE " + table + " SET " + strings.Join(b.sets, ", ")
	if len(b.conds) > 0 {
		q += " WHERE " + strings.Join(b.conds, " AND ")
	}
	return q
}

func (s *Store) execUpdate(ctx context.Context, b *updateBuilder, table string) (bool, error) {
	if len(b.sets) == 0 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, b.sql(table), b.args...)
	if err != nil {
		return false, fmt.Errorf("updating %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- upload jobs ---

// UploadJobPatch lists the fields to change on an upload job. Nil fields are untouched.
type UploadJobPatch struct {
	Status       *models.UploadStatus
	Progress     *int // never lowers the stored value
	BatchID      *int64
	ErrorMessage *string
	Attempts     *int
	StartedAt    *time.Time // only written when not yet set
	CompletedAt  *time.Time
}

const uploadJobColumns = `job_id, original_file_name, zip_file_path, workspace, file_size_bytes, status,
	progress, batch_id, error_message, attempts, created_at, started_at, completed_at`

func scanUploadJob(row rowScanner) (*models.UploadJob, error) {
	var (
		j                  models.UploadJob
		status             string
		batchID            sql.NullInt64
		errMsg             sql.NullString
		started, completed sql.NullTime
	)
	if err := row.Scan(&j.JobID, &j.OriginalFileName, &j.ZipFilePath, &j.Workspace, &j.FileSizeBytes,
		&status, &j.Progress, &batchID, &errMsg, &j.Attempts, &j.CreatedAt, &started, &completed); err != nil {
		return nil, err
	}
	j.Status = models.UploadStatus(status)
	j.BatchID = int64Ptr(batchID)
	j.ErrorMessage = errMsg.String
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return &j, nil
}

// InsertUploadJob records a new upload job.
func (s *Store) InsertUploadJob(ctx context.Context, j *models.UploadJob) error {
	var batchID any
	if j.BatchID != nil {
		batchID = *j.BatchID
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO upload_jobs (`+uploadJobColumns+`)
		VALUES (`+placeholders(1, 13)+`)`,
		j.JobID, j.OriginalFileName, j.ZipFilePath, j.Workspace, j.FileSizeBytes, string(j.Status),
		j.Progress, batchID, nullString(j.ErrorMessage), j.Attempts, j.CreatedAt.UTC(),
		nullTime(j.StartedAt), nullTime(j.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting upload job: %w", err)
	}
	return nil
}

// GetUploadJob loads one upload job.
func (s *Store) GetUploadJob(ctx context.Context, jobID string) (*models.UploadJob, error) {
	j, err := scanUploadJob(s.db.QueryRowContext(ctx,
		`SELECT `+uploadJobColumns+` FROM upload_jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading upload job %s: %w", jobID, err)
	}
	return j, nil
}

// ListUploadJobs returns up to limit upload jobs, newest first. A limit of zero returns all.
func (s *Store) ListUploadJobs(ctx context.Context, limit int) ([]models.UploadJob, error) {
	q := `SELECT ` + uploadJobColumns + ` FROM upload_jobs ORDER BY created_at DESC, job_id`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing upload jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.UploadJob
	for rows.Next() {
		j, err := scanUploadJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning upload job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// UpdateUploadJob applies patch when the job's current status is one of from
// (any status when from is empty). It reports whether a row changed.
func (s *Store) UpdateUploadJob(ctx context.Context, jobID string, p UploadJobPatch, from ...models.UploadStatus) (bool, error) {
	b := &updateBuilder{}
	if p.Status != nil {
		b.set("status", string(*p.Status))
	}
	if p.Progress != nil {
		b.setExpr("progress", "GREATEST(progress, CAST("+b.arg(*p.Progress)+" AS INTEGER))")
	}
	if p.BatchID != nil {
		b.set("batch_id", *p.BatchID)
	}
	if p.ErrorMessage != nil {
		b.set("error_message", nullString(*p.ErrorMessage))
	}
	if p.Attempts != nil {
		b.set("attempts", *p.Attempts)
	}
	if p.StartedAt != nil {
		b.setExpr("started_at", "COALESCE(started_at, "+b.arg(p.StartedAt.UTC())+")")
	}
	if p.CompletedAt != nil {
		b.set("completed_at", p.CompletedAt.UTC())
	}
	b.where("job_id = " + b.arg(jobID))
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	b.whereIn("status", statuses)
	return s.execUpdate(ctx, b, "upload_jobs")
}

// UploadJobStats aggregates every upload job. The average covers completed
// jobs that have both timestamps and is zero when there are none.
func (s *Store) UploadJobStats(ctx context.Context) (*models.UploadJobStats, error) {
	jobs, err := s.ListUploadJobs(ctx, 0)
	if err != nil {
		return nil, err
	}
	stats := &models.UploadJobStats{Total: len(jobs)}
	var (
		sum   time.Duration
		timed int
	)
	for i := range jobs {
		switch jobs[i].Status {
		case models.UploadStatusQueued:
			stats.Queued++
		case models.UploadStatusProcessing:
			stats.Processing++
		case models.UploadStatusCompleted:
			stats.Completed++
			if d, ok := jobs[i].ProcessingTime(); ok {
				sum += d
				timed++
			}
		case models.UploadStatusFailed:
			stats.Failed++
		}
	}
	if timed > 0 {
		stats.AverageProcessingTimeSeconds = sum.Seconds() / float64(timed)
	}
	return stats, nil
}

// --- download jobs ---

// DownloadJobPatch lists the fields to change on a download job. Nil fields are untouched.
type DownloadJobPatch struct {
	Status            *models.DownloadStatus
	Progress          *int // never lowers the stored value
	ZipFilePath       *string
	ZipFileName       *string
	ZipFileSizeBytes  *int64
	TotalFiles        *int
	MissingFilesCount *int
	ErrorMessage      *string
	Attempts          *int
	StartedAt         *time.Time // only written when not yet set
	CompletedAt       *time.Time
	DownloadedAt      *time.Time
}

// DownloadGuard restricts which rows an update may touch.
type DownloadGuard struct {
	From              []models.DownloadStatus
	ExpiresAfter      *time.Time
	ExpiresAtOrBefore *time.Time
}

const downloadJobColumns = `job_id, batch_id, batch_no, status, progress, zip_file_path, zip_file_name,
	zip_file_size_bytes, total_files, missing_files_count, error_message, attempts, created_at,
	started_at, completed_at, downloaded_at, expires_at`

func scanDownloadJob(row rowScanner) (*models.DownloadJob, error) {
	var (
		j                              models.DownloadJob
		status                         string
		zipPath, zipName, errMsg       sql.NullString
		zipSize                        sql.NullInt64
		started, completed, downloaded sql.NullTime
	)
	if err := row.Scan(&j.JobID, &j.BatchID, &j.BatchNo, &status, &j.Progress, &zipPath, &zipName,
		&zipSize, &j.TotalFiles, &j.MissingFilesCount, &errMsg, &j.Attempts, &j.CreatedAt,
		&started, &completed, &downloaded, &j.ExpiresAt); err != nil {
		return nil, err
	}
	j.Status = models.DownloadStatus(status)
	j.ZipFilePath = zipPath.String
	j.ZipFileName = zipName.String
	j.ZipFileSizeBytes = zipSize.Int64
	j.ErrorMessage = errMsg.String
	j.CreatedAt = j.CreatedAt.UTC()
	j.ExpiresAt = j.ExpiresAt.UTC()
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	j.DownloadedAt = timePtr(downloaded)
	return &j, nil
}

// InsertDownloadJob records a new download job.
func (s *Store) InsertDownloadJob(ctx context.Context, j *models.DownloadJob) error {
	var zipSize any
	if j.ZipFileSizeBytes > 0 {
		zipSize = j.ZipFileSizeBytes
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO download_jobs (`+downloadJobColumns+`)
		VALUES (`+placeholders(1, 17)+`)`,
		j.JobID, j.BatchID, j.BatchNo, string(j.Status), j.Progress, nullString(j.ZipFilePath),
		nullString(j.ZipFileName), zipSize, j.TotalFiles, j.MissingFilesCount, nullString(j.ErrorMessage),
		j.Attempts, j.CreatedAt.UTC(), nullTime(j.StartedAt), nullTime(j.CompletedAt),
		nullTime(j.DownloadedAt), j.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting download job: %w", err)
	}
	return nil
}

// GetDownloadJob loads one download job.
func (s *Store) GetDownloadJob(ctx context.Context, jobID string) (*models.DownloadJob, error) {
	j, err := scanDownloadJob(s.db.QueryRowContext(ctx,
		`SELECT `+downloadJobColumns+` FROM download_jobs WHERE job_id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading download job %s: %w", jobID, err)
	}
	return j, nil
}

func (s *Store) queryDownloadJobs(ctx context.Context, query string, args ...any) ([]models.DownloadJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing download jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.DownloadJob
	for rows.Next() {
		j, err := scanDownloadJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning download job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// FindActiveDownloadJob returns the newest job for batchID that still occupies
// it: queued or compressing, or ready and not yet expired at now.
func (s *Store) FindActiveDownloadJob(ctx context.Context, batchID int64, now time.Time) (*models.DownloadJob, error) {
	jobs, err := s.queryDownloadJobs(ctx, `SELECT `+downloadJobColumns+` FROM download_jobs
		WHERE batch_id = $1
		  AND (status IN ($2, $3) OR (status = $4 AND expires_at > $5))
		ORDER BY created_at DESC
		LIMIT 1`,
		batchID, string(models.DownloadStatusQueued), string(models.DownloadStatusCompressing),
		string(models.DownloadStatusReady), now.UTC())
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	return &jobs[0], nil
}

// ListDownloadJobsExpiring returns jobs in status whose expiry is at or before now.
func (s *Store) ListDownloadJobsExpiring(ctx context.Context, status models.DownloadStatus, now time.Time) ([]models.DownloadJob, error) {
	return s.queryDownloadJobs(ctx, `SELECT `+downloadJobColumns+` FROM download_jobs
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at`,
		string(status), now.UTC())
}

// ListDownloadJobs returns the jobs of one batch, newest first.
func (s *Store) ListDownloadJobs(ctx context.Context, batchID int64) ([]models.DownloadJob, error) {
	return s.queryDownloadJobs(ctx, `SELECT `+downloadJobColumns+` FROM download_jobs
		WHERE batch_id = $1 ORDER BY created_at DESC`, batchID)
}

// UpdateDownloadJob applies patch to the job when guard holds and reports whether a row changed.
func (s *Store) UpdateDownloadJob(ctx context.Context, jobID string, p DownloadJobPatch, guard DownloadGuard) (bool, error) {
	b := &updateBuilder{}
	if p.Status != nil {
		b.set("status", string(*p.Status))
	}
	if p.Progress != nil {
		b.setExpr("progress", "GREATEST(progress, CAST("+b.arg(*p.Progress)+" AS INTEGER))")
	}
	if p.ZipFilePath != nil {
		b.set("zip_file_path", nullString(*p.ZipFilePath))
	}
	if p.ZipFileName != nil {
		b.set("zip_file_name", nullString(*p.ZipFileName))
	}
	if p.ZipFileSizeBytes != nil {
		b.set("zip_file_size_bytes", *p.ZipFileSizeBytes)
	}
	if p.TotalFiles != nil {
		b.set("total_files", *p.TotalFiles)
	}
	if p.MissingFilesCount != nil {
		b.set("missing_files_count", *p.MissingFilesCount)
	}
	if p.ErrorMessage != nil {
		b.set("error_message", nullString(*p.ErrorMessage))
	}
	if p.Attempts != nil {
		b.set("attempts", *p.Attempts)
	}
	if p.StartedAt != nil {
		b.setExpr("started_at", "COALESCE(started_at, "+b.arg(p.StartedAt.UTC())+")")
	}
	if p.CompletedAt != nil {
		b.set("completed_at", p.CompletedAt.UTC())
	}
	if p.DownloadedAt != nil {
		b.set("downloaded_at", p.DownloadedAt.UTC())
	}

	b.where("job_id = " + b.arg(jobID))
	statuses := make([]string, len(guard.From))
	for i, st := range guard.From {
		statuses[i] = string(st)
	}
	b.whereIn("status", statuses)
	if guard.ExpiresAfter != nil {
		b.where("expires_at > " + b.arg(guard.ExpiresAfter.UTC()))
	}
	if guard.ExpiresAtOrBefore != nil {
		b.where("expires_at <= " + b.arg(guard.ExpiresAtOrBefore.UTC()))
	}
	return s.execUpdate(ctx, b, "download_jobs")
}
