// Package ingest turns uploaded bundles into persisted batches.
//
// Small bundles run the pipeline inside the request. Bundles at or above the
// async threshold get an upload job and a queued task; a background consumer
// then runs the same pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bundle-ingest/backend/internal/archive"
	"github.com/bundle-ingest/backend/internal/clock"
	"github.com/bundle-ingest/backend/internal/jobs"
	"github.com/bundle-ingest/backend/internal/manifest"
	"github.com/bundle-ingest/backend/internal/models"
	"github.com/bundle-ingest/backend/internal/queue"
	"github.com/bundle-ingest/backend/internal/storage"
)

var (
	ErrEmptyBundle      = errors.New("bundle is empty")
	ErrManifestNotFound = errors.New("manifest file not found in bundle")
)

// BatchStore persists ingested batches.
type BatchStore interface {
	SaveBatch(ctx context.Context, batch *models.Batch, entries []models.Entry) (int64, error)
	SetBatchStatus(ctx context.Context, id int64, status models.BatchStatus, at time.Time) error
}

// Options tune the pipeline.
type Options struct {
	ManifestExt         string
	ArtifactExt         string
	Background          bool
	AsyncThresholdBytes int64
	CleanupOnFailure    bool
}

// Service runs submissions and the ingestion pipeline.
type Service struct {
	files     storage.Store
	extractor *archive.Extractor
	batches   BatchStore
	tracker   *jobs.Tracker
	queue     queue.Queue
	clock     clock.Clock
	opts      Options
	logger    *slog.Logger
}

// NewService wires a Service.
func NewService(files storage.Store, batches BatchStore, tracker *jobs.Tracker, q queue.Queue,
	clk clock.Clock, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	logger = logger.With("component", "ingest")
	return &Service{
		files:     files,
		extractor: archive.NewExtractor(logger),
		batches:   batches,
		tracker:   tracker,
		queue:     q,
		clock:     clk,
		opts:      opts,
		logger:    logger,
	}
}

// Submission is the outcome of Submit: exactly one of Result or Job is set.
type Submission struct {
	Result *models.UploadResult
	Job    *models.UploadJob
}

// Async reports whether the bundle was handed to the background.
func (s *Submission) Async() bool { return s.Job != nil }

// Submit saves an uploaded bundle into a fresh workspace and either processes
// it inline or queues it. ctx only bounds the save; once the bundle is on disk
// the work runs to completion.
func (s *Service) Submit(ctx context.Context, name string, r io.Reader) (*Submission, error) {
	if r == nil || strings.TrimSpace(name) == "" {
		return nil, ErrEmptyBundle
	}

	ws, err := s.files.CreateWorkspace()
	if err != nil {
		return nil, err
	}
	bundlePath, size, err := s.files.SaveBundle(ctx, ws, name, r)
	if err == nil && size == 0 {
		err = ErrEmptyBundle
	}
	if err != nil {
		s.removeWorkspace(ws.Path)
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	log := s.logger.With("workspace", ws.Path, "file", name, "size", humanize.IBytes(uint64(size)))

	if s.opts.Background && size >= s.opts.AsyncThresholdBytes {
		job, err := s.enqueue(ctx, ws.Path, bundlePath, name, size)
		if err != nil {
			s.removeWorkspace(ws.Path)
			return nil, err
		}
		log.Info("bundle queued for background processing", "job_id", job.JobID)
		return &Submission{Job: job}, nil
	}

	log.Info("processing bundle inline")
	result, err := s.Process(ctx, ws.Path, bundlePath, name)
	if err != nil {
		if s.opts.CleanupOnFailure {
			s.removeWorkspace(ws.Path)
		}
		return nil, err
	}
	return &Submission{Result: result}, nil
}

func (s *Service) enqueue(ctx context.Context, workspace, bundlePath, name string, size int64) (*models.UploadJob, error) {
	job, err := s.tracker.CreateUploadJob(ctx, name, bundlePath, workspace, size)
	if err != nil {
		return nil, err
	}
	task := models.UploadTask{
		JobID:            job.JobID,
		Workspace:        workspace,
		ZipFilePath:      bundlePath,
		OriginalFileName: name,
	}
	if err := queue.Publish(ctx, s.queue, models.TopicUploadProcess, task); err != nil {
		if _, ferr := s.tracker.FailUpload(ctx, job.JobID, fmt.Errorf("enqueue failed: %w", err), true); ferr != nil {
			s.logger.Warn("failed to mark unqueued job", "job_id", job.JobID, "error", ferr)
		}
		return nil, err
	}
	return job, nil
}

// Process runs extraction, parsing, linking and persistence for one bundle.
// When the bundle is already gone but a previous attempt left an extracted
// tree in the workspace, that tree is reused.
func (s *Service) Process(ctx context.Context, workspace, bundlePath, originalName string) (*models.UploadResult, error) {
	log := s.logger.With("workspace", workspace)

	extracted, err := s.extract(workspace, bundlePath)
	if err != nil {
		return nil, err
	}

	layout, err := discover(ctx, extracted, s.opts.ManifestExt, s.opts.ArtifactExt)
	if err != nil {
		return nil, fmt.Errorf("scanning bundle: %w", err)
	}
	if layout.ManifestPath == "" {
		return nil, ErrManifestNotFound
	}

	rows, err := manifest.ReadAll(layout.ManifestPath)
	if err != nil {
		return nil, err
	}

	prefix := manifest.DetectPrefix(rows, layout.Artifacts)
	entries := manifest.Link(rows, prefix, manifest.NewArtifactIndex(layout.Artifacts), s.opts.ArtifactExt)

	batchNo := prefix
	if batchNo == "" {
		base := filepath.Base(originalName)
		batchNo = strings.TrimSuffix(base, filepath.Ext(base))
	}

	batch := &models.Batch{
		BatchNo:          batchNo,
		ExcelFileName:    filepath.Base(layout.ManifestPath),
		ExcelStoragePath: layout.ManifestPath,
		TotalRows:        len(entries),
		TotalPdfs:        len(layout.Artifacts),
		CreatedAt:        s.clock.Now(),
	}
	if _, err := s.batches.SaveBatch(ctx, batch, entries); err != nil {
		return nil, err
	}

	result := summarize(batch, entries)
	log.Info("bundle ingested", "batch_id", batch.ID, "batch_no", batch.BatchNo, "rows", result.TotalRows,
		"parsed", result.ParsedRows, "missing_pdf", result.MissingPdfRows, "invalid", result.InvalidRows)
	return result, nil
}

func (s *Service) extract(workspace, bundlePath string) (string, error) {
	if _, err := os.Stat(bundlePath); err != nil {
		extracted := filepath.Join(workspace, archive.ExtractedDirName)
		if info, statErr := os.Stat(extracted); statErr == nil && info.IsDir() {
			s.logger.Info("bundle already extracted, reusing", "workspace", workspace)
			return extracted, nil
		}
		return "", &archive.ExtractionError{Path: bundlePath, Err: err}
	}
	return s.extractor.Extract(bundlePath, workspace)
}

func summarize(batch *models.Batch, entries []models.Entry) *models.UploadResult {
	res := &models.UploadResult{
		BatchID:   batch.ID,
		BatchNo:   batch.BatchNo,
		TotalRows: len(entries),
		TotalPdfs: batch.TotalPdfs,
		Errors:    []models.RowError{},
	}
	for _, e := range entries {
		switch e.RowType {
		case models.RowTypeData:
			res.DataRows++
		case models.RowTypeHeader:
			res.HeaderRows++
			continue
		case models.RowTypeBlank:
			res.BlankRows++
			continue
		}

		switch e.ParseStatus {
		case models.ParseStatusParsed:
			res.ParsedRows++
		case models.ParseStatusMissingPdf:
			res.MissingPdfRows++
		case models.ParseStatusInvalidRow:
			res.InvalidRows++
		case models.ParseStatusUnparsed:
		}
		if e.ParseStatus.IsError() {
			res.Errors = append(res.Errors, models.RowError{
				RowIndex: e.RowIndex,
				RawText:  e.RawText,
				Status:   e.ParseStatus,
				Message:  e.ErrorMessage,
			})
		}
	}
	return res
}

func (s *Service) removeWorkspace(path string) {
	if err := s.files.RemoveWorkspace(path); err != nil {
		s.logger.Warn("failed to remove workspace", "workspace", path, "error", err)
	}
}
