package models

import "time"

// UploadStatus represents the lifecycle of a background ingestion.
type UploadStatus string

const (
	UploadStatusQueued     UploadStatus = "queued"
	UploadStatusProcessing UploadStatus = "processing"
	UploadStatusCompleted  UploadStatus = "completed"
	UploadStatusFailed     UploadStatus = "failed"
)

// UploadProcessingProgress is the progress reported when a consumer picks up an ingestion.
const UploadProcessingProgress = 50

func (s UploadStatus) Valid() bool {
	switch s {
	case UploadStatusQueued, UploadStatusProcessing, UploadStatusCompleted, UploadStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s UploadStatus) Terminal() bool {
	switch s {
	case UploadStatusCompleted, UploadStatusFailed:
		return true
	case UploadStatusQueued, UploadStatusProcessing:
		return false
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal move. Processing may be
// re-entered when an at-least-once delivery hands the same job out again.
func (s UploadStatus) CanTransitionTo(next UploadStatus) bool {
	switch s {
	case UploadStatusQueued:
		return next == UploadStatusProcessing
	case UploadStatusProcessing:
		return next == UploadStatusProcessing || next == UploadStatusCompleted || next == UploadStatusFailed
	case UploadStatusCompleted, UploadStatusFailed:
		return false
	}
	return false
}

// UploadJob tracks one background ingestion.
type UploadJob struct {
	JobID            string       `json:"jobId"`
	OriginalFileName string       `json:"originalFileName"`
	ZipFilePath      string       `json:"-"`
	Workspace        string       `json:"-"`
	FileSizeBytes    int64        `json:"fileSizeBytes"`
	Status           UploadStatus `json:"status"`
	Progress         int          `json:"progress"`
	BatchID          *int64       `json:"batchId,omitempty"`
	ErrorMessage     string       `json:"errorMessage,omitempty"`
	Attempts         int          `json:"attempts"`
	CreatedAt        time.Time    `json:"createdAt"`
	StartedAt        *time.Time   `json:"startedAt,omitempty"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
}

// ProcessingTime is the wall time between start and completion, when both are known.
func (j *UploadJob) ProcessingTime() (time.Duration, bool) {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(*j.StartedAt), true
}

// DownloadStatus represents the lifecycle of an export.
type DownloadStatus string

const (
	DownloadStatusQueued      DownloadStatus = "queued"
	DownloadStatusCompressing DownloadStatus = "compressing"
	DownloadStatusReady       DownloadStatus = "ready"
	DownloadStatusDownloaded  DownloadStatus = "downloaded"
	DownloadStatusExpired     DownloadStatus = "expired"
	DownloadStatusFailed      DownloadStatus = "failed"
)

// CompressingStartProgress is the progress reported when compression begins.
const CompressingStartProgress = 10

func (s DownloadStatus) Valid() bool {
	switch s {
	case DownloadStatusQueued, DownloadStatusCompressing, DownloadStatusReady,
		DownloadStatusDownloaded, DownloadStatusExpired, DownloadStatusFailed:
		return true
	}
	return false
}

// Active reports whether a job still occupies its batch for dedupe purposes.
func (s DownloadStatus) Active() bool {
	switch s {
	case DownloadStatusQueued, DownloadStatusCompressing, DownloadStatusReady:
		return true
	case DownloadStatusDownloaded, DownloadStatusExpired, DownloadStatusFailed:
		return false
	}
	return false
}

func (s DownloadStatus) Terminal() bool {
	switch s {
	case DownloadStatusDownloaded, DownloadStatusExpired, DownloadStatusFailed:
		return true
	case DownloadStatusQueued, DownloadStatusCompressing, DownloadStatusReady:
		return false
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal move.
func (s DownloadStatus) CanTransitionTo(next DownloadStatus) bool {
	switch s {
	case DownloadStatusQueued:
		return next == DownloadStatusCompressing || next == DownloadStatusFailed
	case DownloadStatusCompressing:
		return next == DownloadStatusCompressing || next == DownloadStatusReady || next == DownloadStatusFailed
	case DownloadStatusReady:
		return next == DownloadStatusDownloaded || next == DownloadStatusExpired
	case DownloadStatusDownloaded, DownloadStatusExpired, DownloadStatusFailed:
		return false
	}
	return false
}

// DownloadStatusesFrom returns every status that may legally move to next.
func DownloadStatusesFrom(next DownloadStatus) []DownloadStatus {
	all := []DownloadStatus{
		DownloadStatusQueued, DownloadStatusCompressing, DownloadStatusReady,
		DownloadStatusDownloaded, DownloadStatusExpired, DownloadStatusFailed,
	}
	var from []DownloadStatus
	for _, s := range all {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// UploadStatusesFrom returns every status that may legally move to next.
func UploadStatusesFrom(next UploadStatus) []UploadStatus {
	all := []UploadStatus{
		UploadStatusQueued, UploadStatusProcessing, UploadStatusCompleted, UploadStatusFailed,
	}
	var from []UploadStatus
	for _, s := range all {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// DownloadJob tracks one export.
type DownloadJob struct {
	JobID             string         `json:"jobId"`
	BatchID           int64          `json:"batchId"`
	BatchNo           string         `json:"batchNo"`
	Status            DownloadStatus `json:"status"`
	Progress          int            `json:"progress"`
	ZipFilePath       string         `json:"-"`
	ZipFileName       string         `json:"zipFileName,omitempty"`
	ZipFileSizeBytes  int64          `json:"zipFileSizeBytes,omitempty"`
	TotalFiles        int            `json:"totalFiles"`
	MissingFilesCount int            `json:"missingFilesCount"`
	ErrorMessage      string         `json:"errorMessage,omitempty"`
	Attempts          int            `json:"attempts"`
	CreatedAt         time.Time      `json:"createdAt"`
	StartedAt         *time.Time     `json:"startedAt,omitempty"`
	CompletedAt       *time.Time     `json:"completedAt,omitempty"`
	DownloadedAt      *time.Time     `json:"downloadedAt,omitempty"`
	ExpiresAt         time.Time      `json:"expiresAt"`
}

// Expired reports whether the job's availability window has passed at now.
func (j *DownloadJob) Expired(now time.Time) bool {
	return !now.Before(j.ExpiresAt)
}
