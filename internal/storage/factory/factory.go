// Package factory provides functions for creating storage backends based on configuration.
package factory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/storage/dolt"
	"github.com/caspianwatch/caspianwatch/internal/storage/memory"
	"github.com/caspianwatch/caspianwatch/internal/storage/sqlite"
)

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendDolt   = "dolt"
)

// BackendFactory is a function that creates a storage backend
type BackendFactory func(ctx context.Context, opts Options) (storage.Storage, error)

// backendRegistry holds registered backend factories
var backendRegistry = map[string]BackendFactory{
	BackendMemory: func(ctx context.Context, opts Options) (storage.Storage, error) {
		return memory.New(), nil
	},
	BackendSQLite: func(ctx context.Context, opts Options) (storage.Storage, error) {
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite backend requires a database path")
		}
		s, err := sqlite.New(ctx, opts.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
	BackendDolt: func(ctx context.Context, opts Options) (storage.Storage, error) {
		s, err := dolt.New(ctx, dolt.Config{
			Path:           opts.Path,
			Database:       opts.Database,
			AutoCommit:     opts.AutoCommit,
			ServerMode:     opts.ServerMode,
			DSN:            opts.DSN,
			ServerHost:     opts.ServerHost,
			ServerPort:     opts.ServerPort,
			ServerUser:     opts.ServerUser,
			ServerPassword: opts.ServerPassword,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	},
}

// RegisterBackend registers a storage backend factory
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistry[name] = factory
}

// Backends lists the registered backend names, sorted.
func Backends() []string {
	names := make([]string, 0, len(backendRegistry))
	for name := range backendRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options configures how the storage backend is opened
type Options struct {
	// Path is the sqlite file or the embedded Dolt directory.
	Path string

	// Dolt options
	Database       string
	AutoCommit     bool
	ServerMode     bool   // Connect to dolt sql-server instead of embedded
	DSN            string // Full MySQL DSN for server mode
	ServerHost     string
	ServerPort     int
	ServerUser     string
	ServerPassword string
}

// New creates a storage backend by name. An empty name selects sqlite.
func New(ctx context.Context, backend string, opts Options) (storage.Storage, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		backend = BackendSQLite
	}
	factory, ok := backendRegistry[backend]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend: %s (supported: %s)", backend, strings.Join(Backends(), ", "))
	}
	return factory(ctx, opts)
}
