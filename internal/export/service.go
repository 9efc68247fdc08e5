package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/bundle-ingest/backend/internal/jobs"
	"github.com/bundle-ingest/backend/internal/models"
	"github.com/bundle-ingest/backend/internal/queue"
)

// BatchReader loads what an export needs.
type BatchReader interface {
	GetBatch(ctx context.Context, id int64) (*models.Batch, error)
	DataEntries(ctx context.Context, batchID int64) ([]models.Entry, error)
}

// Service accepts export requests and runs the download.compress consumer.
type Service struct {
	batches    BatchReader
	tracker    *jobs.Tracker
	queue      queue.Queue
	compressor *Compressor
	logger     *slog.Logger
}

// NewService wires a Service.
func NewService(batches BatchReader, tracker *jobs.Tracker, q queue.Queue, c *Compressor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		batches:    batches,
		tracker:    tracker,
		queue:      q,
		compressor: c,
		logger:     logger.With("component", "export"),
	}
}

// Request returns the batch's active export job or queues a new one.
// created reports whether a job was queued by this call.
func (s *Service) Request(ctx context.Context, batchID int64) (*models.DownloadJob, bool, error) {
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, false, err
	}

	job, created, err := s.tracker.RequestDownload(ctx, batch.ID, batch.BatchNo)
	if err != nil || !created {
		return job, false, err
	}

	task := models.DownloadTask{JobID: job.JobID, BatchID: batch.ID, BatchNo: batch.BatchNo}
	if err := queue.Publish(ctx, s.queue, models.TopicDownloadCompress, task); err != nil {
		if _, ferr := s.tracker.FailDownload(context.WithoutCancel(ctx), job.JobID, fmt.Errorf("enqueue failed: %w", err), true); ferr != nil {
			s.logger.Warn("failed to mark unqueued job", "job_id", job.JobID, "error", ferr)
		}
		return nil, false, err
	}
	return job, true, nil
}

// HandleDownloadTask is the download.compress consumer. Any failure,
// including a panic or an error starting the job, is recorded on the job;
// only a non-final one is returned for redelivery.
func (s *Service) HandleDownloadTask(ctx context.Context, msg *queue.Message) error {
	var task models.DownloadTask
	if err := msg.Decode(&task); err != nil {
		s.logger.Error("dropping undecodable download task", "message_id", msg.ID, "error", err)
		return nil
	}
	log := s.logger.With("job_id", task.JobID, "batch_id", task.BatchID, "attempt", msg.Attempt)

	err := s.runDownloadTask(ctx, task, msg.Attempt, log)
	if err == nil || errors.Is(err, errAlreadyFinished) {
		return nil
	}

	if _, ferr := s.tracker.FailDownload(ctx, task.JobID, err, msg.LastAttempt); ferr != nil {
		log.Error("failed to record download failure", "error", ferr)
	}
	if msg.LastAttempt {
		return nil
	}
	return err
}

var errAlreadyFinished = errors.New("job already finished")

func (s *Service) runDownloadTask(ctx context.Context, task models.DownloadTask, attempt int, log *slog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("download task panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("download task panic: %v", rec)
		}
	}()

	if _, err := s.tracker.StartCompressing(ctx, task.JobID, attempt); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			log.Info("download job already finished, skipping redelivery")
			return errAlreadyFinished
		}
		return err
	}

	res, err := s.compress(ctx, task)
	if err != nil {
		return err
	}
	_, err = s.tracker.MarkReady(ctx, task.JobID, res)
	return err
}

func (s *Service) compress(ctx context.Context, task models.DownloadTask) (*models.ExportResult, error) {
	batch, err := s.batches.GetBatch(ctx, task.BatchID)
	if err != nil {
		return nil, fmt.Errorf("loading batch %d: %w", task.BatchID, err)
	}
	entries, err := s.batches.DataEntries(ctx, task.BatchID)
	if err != nil {
		return nil, err
	}

	return s.compressor.Compress(ctx, batch, entries, func(p int) {
		if err := s.tracker.ReportProgress(ctx, task.JobID, p); err != nil {
			s.logger.Warn("failed to report progress", "job_id", task.JobID, "progress", p, "error", err)
		}
	})
}
