package manifest

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bundle-ingest/backend/internal/models"
)

// ArtifactIndex maps lower-cased artifact base names to their paths.
type ArtifactIndex map[string]string

// NewArtifactIndex indexes artifacts by base name. When two paths share a
// name, the first one in the given order wins.
func NewArtifactIndex(artifacts []string) ArtifactIndex {
	idx := make(ArtifactIndex, len(artifacts))
	for _, p := range artifacts {
		key := strings.ToLower(filepath.Base(p))
		if _, dup := idx[key]; dup {
			continue
		}
		idx[key] = p
	}
	return idx
}

// Lookup resolves name case-insensitively.
func (idx ArtifactIndex) Lookup(name string) (string, bool) {
	p, ok := idx[strings.ToLower(name)]
	return p, ok
}

// ExpectedName is the artifact filename for a sequence number, e.g. ABC123012.pdf.
func ExpectedName(prefix string, seq int, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s%03d%s", prefix, seq, ext)
}

// Link converts manifest rows into entries, resolving each data row's artifact.
// Entries keep the row order.
func Link(rows []Row, prefix string, idx ArtifactIndex, ext string) []models.Entry {
	entries := make([]models.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, linkRow(row, prefix, idx, ext))
	}
	return entries
}

func linkRow(row Row, prefix string, idx ArtifactIndex, ext string) models.Entry {
	entry := models.Entry{
		RowIndex: row.Index,
		RowType:  row.Type,
		RawText:  row.Raw,
	}

	switch row.Type {
	case models.RowTypeHeader, models.RowTypeBlank:
		entry.ParseStatus = models.ParseStatusParsed
		return entry
	case models.RowTypeData:
	default:
		panic(fmt.Sprintf("unknown row type %q", string(row.Type)))
	}

	if row.Fields == nil {
		entry.ParseStatus = models.ParseStatusInvalidRow
		entry.ErrorMessage = "row has no sequence number"
		return entry
	}

	f := row.Fields
	seq, qty := f.Seq, f.Quantity
	entry.SeqNo = &seq
	entry.ProductName = f.ProductName
	entry.Model = f.Model
	entry.Quantity = &qty
	entry.SerialNo = f.SerialNo

	if prefix == "" {
		entry.ParseStatus = models.ParseStatusInvalidRow
		entry.ErrorMessage = "cannot determine pdf name: no file prefix detected"
		return entry
	}

	expected := ExpectedName(prefix, seq, ext)
	path, ok := idx.Lookup(expected)
	if !ok {
		entry.ParseStatus = models.ParseStatusMissingPdf
		entry.ErrorMessage = fmt.Sprintf("pdf file not found: %s", expected)
		return entry
	}

	entry.ParseStatus = models.ParseStatusParsed
	entry.PdfFileName = filepath.Base(path)
	entry.PdfPath = path
	return entry
}
