package factory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/storage/memory"
	"github.com/caspianwatch/caspianwatch/internal/storage/sqlite"
)

func TestNew_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := New(ctx, BackendSQLite, Options{Path: dbPath})
	if err != nil {
		t.Fatalf("New(sqlite) failed: %v", err)
	}
	defer store.Close()

	s, ok := store.(*sqlite.SQLiteStorage)
	if !ok {
		t.Fatalf("New(sqlite) returned %T", store)
	}
	if s.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", s.Path(), dbPath)
	}
}

func TestNew_EmptyBackendDefaultsToSQLite(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := New(ctx, "", Options{Path: dbPath})
	if err != nil {
		t.Fatalf("New('') failed: %v", err)
	}
	defer store.Close()

	if _, ok := store.(*sqlite.SQLiteStorage); !ok {
		t.Fatalf("New('') returned %T, want sqlite", store)
	}
}

func TestNew_SQLiteRequiresPath(t *testing.T) {
	if _, err := New(context.Background(), BackendSQLite, Options{}); err == nil {
		t.Fatal("New(sqlite) without a path should fail")
	}
}

func TestNew_MemoryBackend(t *testing.T) {
	store, err := New(context.Background(), " Memory ", Options{})
	if err != nil {
		t.Fatalf("New(memory) failed: %v", err)
	}
	defer store.Close()

	if _, ok := store.(*memory.MemoryStorage); !ok {
		t.Fatalf("New(memory) returned %T", store)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), "unknown-backend", Options{})
	if err == nil {
		t.Fatal("New(unknown) should return error")
	}
	if !strings.Contains(err.Error(), "unknown storage backend") {
		t.Errorf("error should mention unknown backend, got: %v", err)
	}
	if !strings.Contains(err.Error(), "dolt, memory, sqlite") {
		t.Errorf("error should list supported backends, got: %v", err)
	}
}

func TestRegisterBackend(t *testing.T) {
	called := false
	RegisterBackend("fake", func(ctx context.Context, opts Options) (storage.Storage, error) {
		called = true
		return memory.New(), nil
	})
	defer delete(backendRegistry, "fake")

	store, err := New(context.Background(), "fake", Options{})
	if err != nil {
		t.Fatalf("New(fake) failed: %v", err)
	}
	defer store.Close()
	if !called {
		t.Error("registered factory was not called")
	}
}
