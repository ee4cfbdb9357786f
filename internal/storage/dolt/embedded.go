//go:build cgo

package dolt

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	embedded "github.com/dolthub/driver"
)

const embeddedOpenMaxElapsed = 30 * time.Second

func newEmbeddedOpenBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = embeddedOpenMaxElapsed
	return bo
}

// openEmbedded opens the embedded engine at cfg.Path, creating the
// directory and database on first use.
func openEmbedded(ctx context.Context, cfg *Config) (*sql.DB, io.Closer, error) {
	if cfg.Path == "" {
		return nil, nil, fmt.Errorf("dolt: embedded mode requires a database path")
	}
	if info, err := os.Stat(cfg.Path); err == nil && !info.IsDir() {
		return nil, nil, fmt.Errorf("database path %q is a file, not a directory", cfg.Path)
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// The driver stacks Config.Directory onto its working directory, so a
	// relative path would be applied twice.
	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	cfg.Path = absPath

	initDSN := embeddedDSN(absPath, cfg, "")
	if err := withEmbedded(ctx, initDSN, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS `"+cfg.Database+"`")
		return err
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to create dolt database: %w", err)
	}

	db, connector, err := openEmbeddedConnection(embeddedDSN(absPath, cfg, cfg.Database))
	if err != nil {
		return nil, nil, err
	}

	// Do not open the first connection with the caller's ctx: the driver
	// keeps the session context from Connect and a cancelled one poisons
	// the pool.
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		_ = connector.Close()
		return nil, nil, fmt.Errorf("failed to ping Dolt database: %w", err)
	}
	return db, connector, nil
}

func embeddedDSN(path string, cfg *Config, database string) string {
	q := url.Values{}
	q.Set("commitname", cfg.CommitterName)
	q.Set("commitemail", cfg.CommitterEmail)
	if database != "" {
		q.Set("database", database)
	}
	return "file://" + path + "?" + q.Encode()
}

// withEmbedded runs fn on a short-lived connector that is closed afterwards.
func withEmbedded(ctx context.Context, dsn string, fn func(db *sql.DB) error) error {
	db, connector, err := openEmbeddedConnection(dsn)
	if err != nil {
		return err
	}
	fnErr := fn(db)
	closeErr := closeWithTimeout("db", db.Close)
	connErr := closeWithTimeout("embedded connector", connector.Close)
	if fnErr != nil {
		return fnErr
	}
	if closeErr != nil {
		return closeErr
	}
	return connErr
}

// openEmbeddedConnection opens a connection using the embedded Dolt driver.
// The returned connector must be closed to release filesystem locks.
func openEmbeddedConnection(dsn string) (*sql.DB, *embedded.Connector, error) {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Dolt DSN: %w", err)
	}
	openCfg.BackOff = newEmbeddedOpenBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Dolt connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Embedded mode is single-writer like SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return db, connector, nil
}
