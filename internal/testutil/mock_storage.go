// mock_storage.go - Mock storage implementation for testing
package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bundle-ingest/backend/internal/storage"
)

// ErrMockSave is returned by MockStorage.SaveBundle when FailSave is set.
var ErrMockSave = errors.New("mock storage: save failed")

// MockStorage implements storage.Store on a temp dir and records calls.
type MockStorage struct {
	root string

	mu       sync.Mutex
	next     int
	FailSave bool
	saved    map[string]int64 // bundle path -> size
	removed  []string
}

var _ storage.Store = (*MockStorage)(nil)

// NewMockStorage creates a mock storage rooted at dir
func NewMockStorage(dir string) *MockStorage {
	return &MockStorage{
		root:  dir,
		saved: make(map[string]int64),
	}
}

func (m *MockStorage) CreateWorkspace() (*storage.Workspace, error) {
	m.mu.Lock()
	m.next++
	id := fmt.Sprintf("ws-%03d", m.next)
	m.mu.Unlock()

	path := filepath.Join(m.root, id)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &storage.Workspace{ID: id, Path: path}, nil
}

func (m *MockStorage) SaveBundle(ctx context.Context, ws *storage.Workspace, name string, r io.Reader) (string, int64, error) {
	m.mu.Lock()
	fail := m.FailSave
	m.mu.Unlock()
	if fail {
		return "", 0, ErrMockSave
	}

	path := filepath.Join(ws.Path, filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}

	m.mu.Lock()
	m.saved[path] = n
	m.mu.Unlock()
	return path, n, nil
}

func (m *MockStorage) RemoveWorkspace(path string) error {
	m.mu.Lock()
	m.removed = append(m.removed, path)
	m.mu.Unlock()
	return os.RemoveAll(path)
}

func (m *MockStorage) DownloadsDir() string {
	return filepath.Join(m.root, "downloads")
}

// SavedCount returns how many bundles were saved
func (m *MockStorage) SavedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

// Removed returns the workspaces passed to RemoveWorkspace
func (m *MockStorage) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}
