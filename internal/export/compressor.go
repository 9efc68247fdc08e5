// Package export repackages a persisted batch into a downloadable archive.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bundle-ingest/backend/internal/archive"
	"github.com/bundle-ingest/backend/internal/clock"
	"github.com/bundle-ingest/backend/internal/models"
)

// MissingFilesName is the archive-root listing of items that could not be included.
const MissingFilesName = "missing_files.txt"

// Progress band reported while artifacts are added.
const (
	progressStart = models.CompressingStartProgress
	progressSpan  = 80
)

// ProgressFunc receives progress percentages as files are added.
type ProgressFunc func(progress int)

// Compressor writes export archives into the downloads directory.
type Compressor struct {
	downloadsDir   string
	artifactFolder string
	clock          clock.Clock
	logger         *slog.Logger
}

// NewCompressor creates a Compressor. Artifacts go under artifactFolder inside the archive.
func NewCompressor(downloadsDir, artifactFolder string, clk clock.Clock, logger *slog.Logger) *Compressor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		downloadsDir:   downloadsDir,
		artifactFolder: artifactFolder,
		clock:          clk,
		logger:         logger.With("component", "compressor"),
	}
}

type pendingFile struct {
	src     string
	name    string
	missing string // listing line used if the file cannot be added
}

// ArchiveName is the output file name for a batch generated at t.
func ArchiveName(batchNo string, t time.Time) string {
	return fmt.Sprintf("%s_%s.zip", safeName(batchNo), t.Format("20060102150405"))
}

func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(s))
	if s == "" {
		return "batch"
	}
	return s
}

// Compress builds the archive for batch from its data entries. Files absent
// on disk, or that fail to copy, are listed in missing_files.txt instead of
// failing the export.
func (c *Compressor) Compress(ctx context.Context, batch *models.Batch, entries []models.Entry, progress ProgressFunc) (*models.ExportResult, error) {
	now := c.clock.Now()
	name := ArchiveName(batch.BatchNo, now)
	outPath := filepath.Join(c.downloadsDir, name)
	log := c.logger.With("batch_id", batch.ID, "file", name)

	var (
		files   []pendingFile
		missing []string
		seen    = make(map[string]bool)
	)

	if exists(batch.ExcelStoragePath) {
		files = append(files, pendingFile{
			src:     batch.ExcelStoragePath,
			name:    batch.ExcelFileName,
			missing: "Excel: " + batch.ExcelFileName,
		})
	} else {
		missing = append(missing, "Excel: "+batch.ExcelFileName)
	}

	for _, e := range entries {
		if e.RowType != models.RowTypeData || e.ParseStatus != models.ParseStatusParsed || e.PdfPath == "" {
			continue
		}
		line := fmt.Sprintf("PDF: %s (row %d)", e.PdfFileName, e.RowIndex)
		if !exists(e.PdfPath) {
			missing = append(missing, line)
			continue
		}
		archived := path.Join(c.artifactFolder, filepath.Base(e.PdfPath))
		if seen[archived] {
			continue
		}
		seen[archived] = true
		files = append(files, pendingFile{src: e.PdfPath, name: archived, missing: line})
	}

	w, err := archive.NewWriter(outPath, now)
	if err != nil {
		return nil, err
	}

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return nil, err
		}
		if err := w.AddFile(f.name, f.src); err != nil {
			if errors.Is(err, archive.ErrWriteFailed) {
				w.Abort()
				return nil, err
			}
			log.Warn("failed to add file to archive", "path", f.src, "error", err)
			missing = append(missing, f.missing+" (add failed)")
			continue
		}
		if progress != nil {
			progress(progressStart + (i+1)*progressSpan/len(files))
		}
	}

	if len(missing) > 0 {
		if err := w.AddBytes(MissingFilesName, missingListing(batch, now, missing)); err != nil {
			w.Abort()
			return nil, err
		}
	}

	size, err := w.Close()
	if err != nil {
		return nil, err
	}

	log.Info("archive written", "files", len(files), "missing", len(missing), "size", size)
	return &models.ExportResult{
		ZipFilePath:       outPath,
		ZipFileName:       name,
		ZipFileSizeBytes:  size,
		TotalFiles:        len(files),
		MissingFilesCount: len(missing),
	}, nil
}

func missingListing(batch *models.Batch, at time.Time, missing []string) []byte {
	var b strings.Builder
	b.WriteString("=== Missing files ===\n")
	fmt.Fprintf(&b, "Batch: %s (id %d)\n", batch.BatchNo, batch.ID)
	fmt.Fprintf(&b, "Generated: %s UTC\n", at.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Missing: %d\n\n", len(missing))
	for i, m := range missing {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m)
	}
	return []byte(b.String())
}

func exists(p string) bool {
	if p == "" {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
