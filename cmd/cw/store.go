package main

import (
	"context"
	"fmt"

	"github.com/caspianwatch/caspianwatch/internal/config"
	"github.com/caspianwatch/caspianwatch/internal/debug"
	"github.com/caspianwatch/caspianwatch/internal/diagnostics"
	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/storage/factory"
	"github.com/caspianwatch/caspianwatch/internal/telemetry"
)

// loadSettings returns the typed configuration snapshot.
func loadSettings() (*config.Settings, error) {
	s, err := config.Load()
	if err != nil {
		return nil, withHint(err, "check caspianwatch.yaml and CW_* environment variables")
	}
	return s, nil
}

// openStore opens the configured backend wrapped with telemetry.
func openStore(ctx context.Context, s *config.Settings) (storage.Storage, error) {
	debug.Logf("opening %s store at %q\n", s.Storage.Backend, s.Storage.Path)
	if s.Storage.Backend != factory.BackendMemory && !s.Storage.Dolt.Server {
		for _, w := range diagnostics.StorageWarnings(s.Storage.Path, s.Media.Root) {
			WarnError("%s", w)
		}
	}
	d := s.Storage.Dolt
	st, err := factory.New(ctx, s.Storage.Backend, factory.Options{
		Path:           s.Storage.Path,
		Database:       d.Database,
		AutoCommit:     d.AutoCommit,
		ServerMode:     d.Server,
		DSN:            d.DSN,
		ServerHost:     d.Host,
		ServerPort:     d.Port,
		ServerUser:     d.User,
		ServerPassword: d.Password,
	})
	if err != nil {
		return nil, withHint(fmt.Errorf("open %s store: %w", s.Storage.Backend, err),
			"set storage.backend to one of: "+fmt.Sprint(factory.Backends()))
	}
	return telemetry.WrapStorage(st), nil
}

// withStore opens the store, runs fn, and closes the store.
func withStore(fn func(ctx context.Context, s *config.Settings, st storage.Storage) error) error {
	ctx := getRootContext()
	s, err := loadSettings()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return fn(ctx, s, st)
}
