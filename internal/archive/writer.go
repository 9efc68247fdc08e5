package archive

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// ErrWriteFailed marks errors that left the archive itself unusable.
var ErrWriteFailed = errors.New("archive write failed")

// Writer builds a zip archive in a temporary file and moves it into place on Close.
type Writer struct {
	path    string
	tmpPath string
	file    *os.File
	zw      *zip.Writer
	modTime time.Time
	entries int
	err     error
}

// NewWriter starts an archive that will be published at path. Entries are
// stamped with modTime so output does not depend on source file times.
func NewWriter(path string, modTime time.Time) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	tmpPath := path + ".part"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	return &Writer{
		path:    path,
		tmpPath: tmpPath,
		file:    f,
		zw:      zip.NewWriter(f),
		modTime: modTime,
	}, nil
}

// AddFile copies the file at srcPath into the archive as name. The source is
// compressed into a spool file first, so a source that cannot be read in full
// leaves no entry behind. Errors wrapping ErrWriteFailed mean the archive
// must be aborted.
func (w *Writer) AddFile(name, srcPath string) error {
	if w.err != nil {
		return w.err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	spool, err := os.CreateTemp(filepath.Dir(w.tmpPath), ".spool-*")
	if err != nil {
		return fmt.Errorf("spooling %s: %w", name, err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	fw, err := flate.NewWriter(spool, flate.DefaultCompression)
	if err != nil {
		return err
	}
	crc := crc32.NewIEEE()
	n, err := io.Copy(io.MultiWriter(fw, crc), src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", srcPath, err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("spooling %s: %w", name, err)
	}
	compressed, err := spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("spooling %s: %w", name, err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("spooling %s: %w", name, err)
	}

	hdr := w.header(name)
	hdr.CRC32 = crc.Sum32()
	hdr.UncompressedSize64 = uint64(n)
	hdr.CompressedSize64 = uint64(compressed)
	dst, err := w.zw.CreateRaw(hdr)
	if err != nil {
		return w.fail(fmt.Errorf("adding %s: %w", name, err))
	}
	if _, err := io.Copy(dst, spool); err != nil {
		return w.fail(fmt.Errorf("copying %s: %w", name, err))
	}
	w.entries++
	return nil
}

// AddBytes writes data into the archive as name.
func (w *Writer) AddBytes(name string, data []byte) error {
	if w.err != nil {
		return w.err
	}
	dst, err := w.zw.CreateHeader(w.header(name))
	if err != nil {
		return w.fail(fmt.Errorf("adding %s: %w", name, err))
	}
	if _, err := dst.Write(data); err != nil {
		return w.fail(fmt.Errorf("writing %s: %w", name, err))
	}
	w.entries++
	return nil
}

// Entries is the number of files written so far.
func (w *Writer) Entries() int { return w.entries }

func (w *Writer) header(name string) *zip.FileHeader {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	hdr.SetModTime(w.modTime)
	if !isASCII(name) && utf8.ValidString(name) {
		hdr.Flags |= 0x800
	}
	return hdr
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func (w *Writer) fail(err error) error {
	w.err = fmt.Errorf("%w: %w", ErrWriteFailed, err)
	return w.err
}

// Close finishes the archive, publishes it and returns its size in bytes.
func (w *Writer) Close() (int64, error) {
	if w.err != nil {
		w.Abort()
		return 0, w.err
	}
	if err := w.zw.Close(); err != nil {
		w.Abort()
		return 0, fmt.Errorf("finishing archive: %w", err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return 0, fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		os.Remove(w.tmpPath)
		return 0, fmt.Errorf("publishing archive: %w", err)
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Abort discards the partial archive.
func (w *Writer) Abort() {
	w.file.Close()
	os.Remove(w.tmpPath)
}
