// Package sqlite implements the storage interface using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	// Import SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/caspianwatch/caspianwatch/internal/storage/sqlbase"
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	*sqlbase.Store
	dbPath string
}

// setupWASMCache configures WASM compilation caching to reduce SQLite startup time.
// Falls back to an in-memory cache when the user cache dir is unavailable.
func setupWASMCache() string {
	cacheDir := ""
	if userCache, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(userCache, "caspianwatch", "wasm")
	}

	var cache wazero.CompilationCache
	if cacheDir != "" {
		if c, err := wazero.NewCompilationCacheWithDir(cacheDir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
		cacheDir = ""
	}

	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
	return cacheDir
}

func init() {
	_ = setupWASMCache()
}

// New opens (creating if needed) the SQLite database at path.
// Use ":memory:" for a private in-memory database.
func New(ctx context.Context, path string) (*SQLiteStorage, error) {
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))

	if !isInMemory && !strings.HasPrefix(path, "file:") {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", connString(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// In-memory databases are per connection; a second pooled connection
		// would see an empty database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL allows one writer plus readers; cap the pool so writers queue
		// on BEGIN IMMEDIATE instead of piling up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	base, err := sqlbase.New(ctx, db, dialect{})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStorage{Store: base, dbPath: path}, nil
}

// Path returns the database path the store was opened with.
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

// connString builds a SQLite connection string with standard pragmas.
// Honors CW_LOCK_TIMEOUT for the busy timeout (default 30s).
func connString(path string) string {
	busy := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("CW_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	pragmas := fmt.Sprintf("_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)", busy.Milliseconds())

	switch {
	case path == ":memory:":
		return "file::memory:?" + pragmas
	case strings.HasPrefix(path, "file:"):
		if strings.Contains(path, "_pragma=foreign_keys") {
			return path
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + pragmas
	default:
		return "file:" + path + "?" + pragmas
	}
}
