package models

// Queue topics carrying background work.
const (
	TopicUploadProcess    = "upload.process"
	TopicDownloadCompress = "download.compress"
)

// UploadTask is the work item for one background ingestion.
type UploadTask struct {
	JobID            string `msgpack:"job_id"`
	Workspace        string `msgpack:"workspace"`
	ZipFilePath      string `msgpack:"zip_file_path"`
	OriginalFileName string `msgpack:"original_file_name"`
}

// DownloadTask is the work item for one export.
type DownloadTask struct {
	JobID   string `msgpack:"job_id"`
	BatchID int64  `msgpack:"batch_id"`
	BatchNo string `msgpack:"batch_no"`
}
