// manager_test.go - Tests for storage layer
package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func createTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := NewLocalStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return store
}

func TestNewLocalStore(t *testing.T) {
	t.Run("creates root and downloads directories", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "storage")

		store, err := NewLocalStore(root, nil)
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}

		for _, dir := range []string{store.Root(), store.DownloadsDir()} {
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				t.Errorf("Expected directory %s to exist", dir)
			}
		}
	})
}

func TestLocalStore_CreateWorkspace(t *testing.T) {
	store := createTestStore(t)

	a, err := store.CreateWorkspace()
	if err != nil {
		t.Fatalf("Failed to create workspace: %v", err)
	}
	b, err := store.CreateWorkspace()
	if err != nil {
		t.Fatalf("Failed to create workspace: %v", err)
	}

	if a.Path == b.Path {
		t.Error("Expected distinct workspaces")
	}
	if filepath.Dir(a.Path) != store.Root() {
		t.Errorf("Expected workspace under root, got %s", a.Path)
	}
	if strings.Contains(a.ID, "-") {
		t.Errorf("Expected compact id, got %s", a.ID)
	}
}

func TestLocalStore_SaveBundle(t *testing.T) {
	t.Run("saves reader contents", func(t *testing.T) {
		store := createTestStore(t)
		ws, _ := store.CreateWorkspace()

		path, size, err := store.SaveBundle(context.Background(), ws, `C:\fakepath\batch.zip`, strings.NewReader("zip-bytes"))
		if err != nil {
			t.Fatalf("Failed to save bundle: %v", err)
		}
		if filepath.Base(path) != "batch.zip" {
			t.Errorf("Expected base name batch.zip, got %s", filepath.Base(path))
		}
		if size != int64(len("zip-bytes")) {
			t.Errorf("Expected size %d, got %d", len("zip-bytes"), size)
		}
	})

	t.Run("cancelled context removes partial file", func(t *testing.T) {
		store := createTestStore(t)
		ws, _ := store.CreateWorkspace()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, _, err := store.SaveBundle(ctx, ws, "batch.zip", strings.NewReader("zip-bytes"))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
		if _, err := os.Stat(filepath.Join(ws.Path, "batch.zip")); !os.IsNotExist(err) {
			t.Error("Expected partial file to be removed")
		}
	})

	t.Run("reader error is reported", func(t *testing.T) {
		store := createTestStore(t)
		ws, _ := store.CreateWorkspace()

		_, _, err := store.SaveBundle(context.Background(), ws, "x.zip", &mockReader{err: io.ErrUnexpectedEOF})
		if !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Fatalf("Expected read error, got %v", err)
		}
	})
}

func TestLocalStore_RemoveWorkspace(t *testing.T) {
	store := createTestStore(t)
	ws, _ := store.CreateWorkspace()
	if err := os.WriteFile(filepath.Join(ws.Path, "f.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := store.RemoveWorkspace(ws.Path); err != nil {
		t.Fatalf("Failed to remove workspace: %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("Expected workspace to be gone")
	}

	if err := store.RemoveWorkspace(t.TempDir()); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("Expected ErrOutsideRoot, got %v", err)
	}
	if err := store.RemoveWorkspace(store.Root()); !errors.Is(err, ErrOutsideRoot) {
		t.Errorf("Expected root removal to be refused, got %v", err)
	}
}

// mockReader fails on first read.
type mockReader struct {
	err error
}

func (m *mockReader) Read(p []byte) (int, error) {
	return 0, m.err
}
