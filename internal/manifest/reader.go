package manifest

import (
	"errors"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/bundle-ingest/backend/internal/models"
)

// ManifestError reports a manifest that could not be read.
type ManifestError struct {
	Path string
	Err  error
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("reading manifest %s: %v", e.Path, e.Err)
}

func (e *ManifestError) Unwrap() error { return e.Err }

var errNoSheets = errors.New("workbook has no sheets")

// Row is one emitted manifest row. Fields is set only for data rows.
type Row struct {
	Index  int
	Raw    string
	Type   models.RowType
	Fields *Fields
}

// Classify turns the raw first-cell text of a sheet row into a Row. ok is false
// for rows that are not emitted at all (blank rows and the caption row).
func Classify(index int, raw string) (Row, bool) {
	if IsBlank(raw) || IsHeader(raw) {
		return Row{}, false
	}
	if fields, ok := ParseLine(raw); ok {
		return Row{Index: index, Raw: raw, Type: models.RowTypeData, Fields: &fields}, true
	}
	return Row{Index: index, Raw: raw, Type: models.RowTypeHeader}, true
}

// Read streams the first sheet of the workbook at path and calls fn for each
// emitted row in sheet order. Row indices are sheet row numbers, starting at 1.
func Read(path string, fn func(Row) error) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return &ManifestError{Path: path, Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return &ManifestError{Path: path, Err: errNoSheets}
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		return &ManifestError{Path: path, Err: err}
	}
	defer rows.Close()

	index := 0
	for rows.Next() {
		index++
		cols, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return &ManifestError{Path: path, Err: fmt.Errorf("row %d: %w", index, err)}
		}
		if len(cols) == 0 {
			continue
		}
		row, ok := Classify(index, cols[0])
		if !ok {
			continue
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rows.Error(); err != nil {
		return &ManifestError{Path: path, Err: err}
	}
	return nil
}

// ReadAll collects every emitted row of the manifest at path.
func ReadAll(path string) ([]Row, error) {
	var out []Row
	err := Read(path, func(r Row) error {
		out = append(out, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
