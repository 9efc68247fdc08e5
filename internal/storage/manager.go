package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrOutsideRoot is returned for paths that are not workspaces of this store.
var ErrOutsideRoot = errors.New("path is outside the storage root")

// Workspace is a scratch directory owned by exactly one ingestion.
type Workspace struct {
	ID   string
	Path string
}

// Store defines the interface for bundle file storage.
type Store interface {
	CreateWorkspace() (*Workspace, error)
	SaveBundle(ctx context.Context, ws *Workspace, name string, r io.Reader) (string, int64, error)
	RemoveWorkspace(path string) error
	DownloadsDir() string
}

// LocalStore implements Store using the local filesystem.
type LocalStore struct {
	mu           sync.Mutex
	root         string
	downloadsDir string
	logger       *slog.Logger
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a LocalStore rooted at root.
func NewLocalStore(root string, logger *slog.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving storage root: %w", err)
	}
	downloads := filepath.Join(abs, "downloads")
	for _, dir := range []string{abs, downloads} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}

	return &LocalStore{
		root:         abs,
		downloadsDir: downloads,
		logger:       logger.With("component", "storage"),
	}, nil
}

// Root returns the absolute storage root.
func (s *LocalStore) Root() string { return s.root }

// DownloadsDir returns where export archives are written.
func (s *LocalStore) DownloadsDir() string { return s.downloadsDir }

// CreateWorkspace makes a fresh, uniquely named workspace directory.
func (s *LocalStore) CreateWorkspace() (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	path := filepath.Join(s.root, id)
	if err := os.Mkdir(path, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	return &Workspace{ID: id, Path: path}, nil
}

// SaveBundle streams r into the workspace under the bundle's base name and
// returns the written path and size. Cancelling ctx aborts the copy and removes
// the partial file.
func (s *LocalStore) SaveBundle(ctx context.Context, ws *Workspace, name string, r io.Reader) (string, int64, error) {
	path := filepath.Join(ws.Path, bundleFileName(name))

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("creating file: %w", err)
	}

	size, err := io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("writing file: %w", err)
	}
	return path, size, nil
}

// RemoveWorkspace deletes a workspace tree. Paths outside the root are refused.
func (s *LocalStore) RemoveWorkspace(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("deleting workspace: %w", err)
	}
	s.logger.Debug("workspace removed", "workspace", path)
	return nil
}

func bundleFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		return "bundle.zip"
	}
	return base
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
