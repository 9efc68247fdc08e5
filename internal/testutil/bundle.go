// bundle.go - Fixture builders for manifests and zip bundles
package testutil

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/xuri/excelize/v2"
)

// BundleFile is one entry written into a test zip.
type BundleFile struct {
	Name string
	Data []byte
}

// ManifestBytes renders an xlsx workbook whose first column holds lines, one per row.
// Empty lines leave the row without cells.
func ManifestBytes(t testing.TB, lines []string) []byte {
	t.Helper()

	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, line := range lines {
		if line == "" {
			continue
		}
		if err := f.SetCellStr(sheet, fmt.Sprintf("A%d", i+1), line); err != nil {
			t.Fatalf("setting manifest cell: %v", err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("rendering manifest: %v", err)
	}
	return buf.Bytes()
}

// WriteManifest writes an xlsx manifest to path.
func WriteManifest(t testing.TB, path string, lines []string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating manifest dir: %v", err)
	}
	if err := os.WriteFile(path, ManifestBytes(t, lines), 0644); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}
}

// ZipBytes builds an in-memory zip with files in the given order.
func ZipBytes(t testing.TB, files []BundleFile) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, file := range files {
		w, err := zw.Create(file.Name)
		if err != nil {
			t.Fatalf("creating zip entry %s: %v", file.Name, err)
		}
		if _, err := w.Write(file.Data); err != nil {
			t.Fatalf("writing zip entry %s: %v", file.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing zip: %v", err)
	}
	return buf.Bytes()
}

// WriteZip writes a zip bundle to path.
func WriteZip(t testing.TB, path string, files []BundleFile) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("creating bundle dir: %v", err)
	}
	if err := os.WriteFile(path, ZipBytes(t, files), 0644); err != nil {
		t.Fatalf("writing bundle: %v", err)
	}
}

// BundleBytes returns a zip holding manifest.xlsx built from lines plus one small
// pdf per artifact name under pdfs/.
func BundleBytes(t testing.TB, lines []string, artifacts ...string) []byte {
	t.Helper()
	files := []BundleFile{{Name: "manifest.xlsx", Data: ManifestBytes(t, lines)}}
	for _, name := range artifacts {
		files = append(files, BundleFile{Name: "pdfs/" + name, Data: []byte("%PDF-1.4 " + name)})
	}
	return ZipBytes(t, files)
}

// WriteBundle writes BundleBytes to dir/name and returns the path.
func WriteBundle(t testing.TB, dir, name string, lines []string, artifacts ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("creating bundle dir: %v", err)
	}
	if err := os.WriteFile(path, BundleBytes(t, lines, artifacts...), 0644); err != nil {
		t.Fatalf("writing bundle: %v", err)
	}
	return path
}
