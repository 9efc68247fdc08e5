package models

import (
	"fmt"
	"time"
)

// BatchStatus is the coarse lifecycle of an ingested manifest.
type BatchStatus string

const (
	BatchStatusUploaded  BatchStatus = "uploaded"
	BatchStatusParsed    BatchStatus = "parsed"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusFailed    BatchStatus = "failed"
)

// Valid reports whether s is a known batch status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchStatusUploaded, BatchStatusParsed, BatchStatusCompleted, BatchStatusFailed:
		return true
	}
	return false
}

// RowType classifies a manifest row.
type RowType string

const (
	RowTypeData   RowType = "data"
	RowTypeHeader RowType = "header"
	RowTypeBlank  RowType = "blank"
)

func (t RowType) Valid() bool {
	switch t {
	case RowTypeData, RowTypeHeader, RowTypeBlank:
		return true
	}
	return false
}

// ParseStatus is the per-row outcome of linking.
type ParseStatus string

const (
	ParseStatusUnparsed   ParseStatus = "unparsed"
	ParseStatusParsed     ParseStatus = "parsed"
	ParseStatusMissingPdf ParseStatus = "missing_pdf"
	ParseStatusInvalidRow ParseStatus = "invalid_row"
)

func (s ParseStatus) Valid() bool {
	switch s {
	case ParseStatusUnparsed, ParseStatusParsed, ParseStatusMissingPdf, ParseStatusInvalidRow:
		return true
	}
	return false
}

// IsError reports whether the row outcome counts as a row-level soft failure.
func (s ParseStatus) IsError() bool {
	switch s {
	case ParseStatusMissingPdf, ParseStatusInvalidRow:
		return true
	case ParseStatusUnparsed, ParseStatusParsed:
		return false
	}
	panic(fmt.Sprintf("unknown parse status %q", string(s)))
}

// Batch is one ingested manifest unit.
type Batch struct {
	ID               int64       `json:"id"`
	BatchNo          string      `json:"batchNo"`
	ExcelFileName    string      `json:"excelFileName"`
	ExcelStoragePath string      `json:"-"`
	TotalRows        int         `json:"totalRows"`
	TotalPdfs        int         `json:"totalPdfs"`
	Status           BatchStatus `json:"status"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        *time.Time  `json:"updatedAt,omitempty"`
}

// Entry is one persisted manifest row. Business fields are set only on data rows.
type Entry struct {
	BatchID      int64       `json:"batchId" msgpack:"batchId"`
	RowIndex     int         `json:"rowIndex" msgpack:"rowIndex"`
	RowType      RowType     `json:"rowType" msgpack:"rowType"`
	SeqNo        *int        `json:"seqNo,omitempty" msgpack:"seqNo,omitempty"`
	ProductName  string      `json:"productName,omitempty" msgpack:"productName,omitempty"`
	Model        string      `json:"model,omitempty" msgpack:"model,omitempty"`
	Quantity     *int        `json:"quantity,omitempty" msgpack:"quantity,omitempty"`
	SerialNo     string      `json:"serialNo,omitempty" msgpack:"serialNo,omitempty"`
	PdfFileName  string      `json:"pdfFileName,omitempty" msgpack:"pdfFileName,omitempty"`
	PdfPath      string      `json:"-" msgpack:"-"`
	ParseStatus  ParseStatus `json:"parseStatus" msgpack:"parseStatus"`
	ErrorMessage string      `json:"errorMessage,omitempty" msgpack:"errorMessage,omitempty"`
	RawText      string      `json:"rawText" msgpack:"rawText"`
}
