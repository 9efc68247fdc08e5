package models

// RowError describes one row-level soft failure in an ingestion summary.
type RowError struct {
	RowIndex int         `json:"rowIndex"`
	RawText  string      `json:"rawText"`
	Status   ParseStatus `json:"status"`
	Message  string      `json:"message"`
}

// UploadResult is the parse summary of one ingestion.
type UploadResult struct {
	BatchID        int64      `json:"batchId"`
	BatchNo        string     `json:"batchNo"`
	TotalRows      int        `json:"totalRows"`
	DataRows       int        `json:"dataRows"`
	HeaderRows     int        `json:"headerRows"`
	BlankRows      int        `json:"blankRows"`
	ParsedRows     int        `json:"parsedRows"`
	MissingPdfRows int        `json:"missingPdfRows"`
	InvalidRows    int        `json:"invalidRows"`
	TotalPdfs      int        `json:"totalPdfs"`
	Errors         []RowError `json:"errors"`
}

// Page is one page of a listing.
type Page[T any] struct {
	Items      []T `json:"items" msgpack:"items"`
	Page       int `json:"page" msgpack:"page"`
	PageSize   int `json:"pageSize" msgpack:"pageSize"`
	Total      int `json:"total" msgpack:"total"`
	TotalPages int `json:"totalPages" msgpack:"totalPages"`
}

// NewPage fills in the derived page count.
func NewPage[T any](items []T, page, pageSize, total int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	totalPages := 0
	if pageSize > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}
	return &Page[T]{Items: items, Page: page, PageSize: pageSize, Total: total, TotalPages: totalPages}
}

// UploadJobStats aggregates upload job records.
type UploadJobStats struct {
	Total                        int     `json:"total"`
	Queued                       int     `json:"queued"`
	Processing                   int     `json:"processing"`
	Completed                    int     `json:"completed"`
	Failed                       int     `json:"failed"`
	AverageProcessingTimeSeconds float64 `json:"averageProcessingTimeSeconds"`
}

// ExportResult is what the compressor produced for one export.
type ExportResult struct {
	ZipFilePath       string
	ZipFileName       string
	ZipFileSizeBytes  int64
	TotalFiles        int
	MissingFilesCount int
}

// SweepResult reports one expiry sweep.
type SweepResult struct {
	Expired      int `json:"expired"`
	FilesRemoved int `json:"filesRemoved"`
	Skipped      int `json:"skipped"`
}
