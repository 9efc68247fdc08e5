package ingest

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

var errAlreadyFinished = errors.New("job already finished")

// HandleUploadTask is the upload.process consumer.
//
// A failure on a non-final attempt is recorded on the job and returned so the
// dispatcher redelivers. On the final attempt the job is marked Failed, the
// workspace is removed when configured, and the message is acknowledged.
// Panics and errors starting the job take the same path.
func (s *Service) HandleUploadTask(ctx context.Context, msg *queue.Message) error {
	var task models.UploadTask
	if err := msg.Decode(&task); err != nil {
		s.logger.Error("dropping undecodable upload task", "message_id", msg.ID, "error", err)
		return nil
	}
	log := s.logger.With("job_id", task.JobID, "workspace", task.Workspace, "attempt", msg.Attempt)

	persisted, err := s.runUploadTask(ctx, task, msg.Attempt, log)
	if err == nil || errors.Is(err, errAlreadyFinished) {
		return nil
	}

	if _, ferr := s.tracker.FailUpload(ctx, task.JobID, err, msg.LastAttempt); ferr != nil {
		log.Error("failed to record upload failure", "error", ferr)
	}
	if !msg.LastAttempt {
		return err
	}
	// A persisted batch still reads its artifacts from the workspace.
	if s.opts.CleanupOnFailure && !persisted {
		s.removeWorkspace(task.Workspace)
	}
	return nil
}

// runUploadTask runs one delivery and reports whether the batch was persisted.
func (s *Service) runUploadTask(ctx context.Context, task models.UploadTask, attempt int, log *slog.Logger) (persisted bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("upload task panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("upload task panic: %v", rec)
		}
	}()

	if _, err := s.tracker.StartUpload(ctx, task.JobID, attempt); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			log.Info("upload job already finished, skipping redelivery")
			return false, errAlreadyFinished
		}
		return false, err
	}

	result, err := s.Process(ctx, task.Workspace, task.ZipFilePath, task.OriginalFileName)
	if err != nil {
		return false, err
	}

	if err := s.batches.SetBatchStatus(ctx, result.BatchID, models.BatchStatusCompleted, s.clock.Now()); err != nil {
		log.Warn("failed to mark batch completed", "batch_id", result.BatchID, "error", err)
	}
	if _, err := s.tracker.CompleteUpload(ctx, task.JobID, result.BatchID); err != nil {
		return true, fmt.Errorf("completing upload job: %w", err)
	}
	return true, nil
}
