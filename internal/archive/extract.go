// Package archive unpacks uploaded bundles and writes export archives.
package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/zip"
	"golang.org/x/text/encoding/simplifiedchinese"
)

// ExtractedDirName is the subdirectory of a workspace that receives bundle contents.
const ExtractedDirName = "extracted"

// zip general purpose flag bit 11: names are UTF-8.
const flagUTF8 = 0x800

// ExtractionError reports a bundle that could not be unpacked.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

var errUnsafePath = errors.New("entry escapes destination")

// Extractor unpacks bundles into job workspaces.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger.With("component", "extractor")}
}

// Extract unpacks bundlePath into a fresh directory under workspace and returns
// that directory. The bundle is deleted after a successful unpack; a failed
// delete is only logged.
func (x *Extractor) Extract(bundlePath, workspace string) (string, error) {
	dest := filepath.Join(workspace, ExtractedDirName)
	// a previous attempt may have left a partial tree behind
	if err := os.RemoveAll(dest); err != nil {
		return "", &ExtractionError{Path: bundlePath, Err: fmt.Errorf("clearing destination: %w", err)}
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return "", &ExtractionError{Path: bundlePath, Err: fmt.Errorf("creating destination: %w", err)}
	}

	files, err := unzip(bundlePath, dest)
	if err != nil {
		return "", &ExtractionError{Path: bundlePath, Err: err}
	}

	if err := os.Remove(bundlePath); err != nil {
		x.logger.Warn("failed to delete bundle after extraction", "path", bundlePath, "error", err)
	}
	x.logger.Info("bundle extracted", "dest", dest, "files", files)
	return dest, nil
}

func unzip(bundlePath, dest string) (int, error) {
	r, err := zip.OpenReader(bundlePath)
	if err != nil {
		return 0, fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	files := 0
	for _, f := range r.File {
		name := entryName(f)
		if skipEntry(name) {
			continue
		}
		target, err := safeJoin(dest, name)
		if err != nil {
			return files, fmt.Errorf("%s: %w", name, err)
		}

		if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, fmt.Errorf("creating directory %s: %w", name, err)
			}
			continue
		}

		if err := writeEntry(f, target); err != nil {
			return files, fmt.Errorf("writing %s: %w", name, err)
		}
		files++
	}
	return files, nil
}

func writeEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// entryName returns the entry's path, decoding legacy GBK names written by
// tools that do not set the UTF-8 flag.
func entryName(f *zip.File) string {
	name := f.Name
	if f.Flags&flagUTF8 == 0 && !utf8.ValidString(name) {
		if decoded, err := simplifiedchinese.GB18030.NewDecoder().String(name); err == nil {
			name = decoded
		}
	}
	return strings.ReplaceAll(name, "\\", "/")
}

// skipEntry drops macOS resource fork metadata.
func skipEntry(name string) bool {
	return name == "__MACOSX/" || strings.HasPrefix(name, "__MACOSX/") || strings.Contains(name, "/__MACOSX/")
}

func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", errUnsafePath
	}
	target := filepath.Join(dest, filepath.FromSlash(name))
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errUnsafePath
	}
	return target, nil
}
