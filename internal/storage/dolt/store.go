// Package dolt implements the storage interface using Dolt, a versioned
// MySQL-compatible database.
//
// Connection modes:
//   - Embedded: no server required, database/sql interface via dolthub/driver
//     (requires CGO)
//   - Server: connect to a running dolt sql-server (or any MySQL server)
//     through go-sql-driver/mysql
//
// With AutoCommit enabled every committed write is also recorded as a Dolt
// commit, so the report history can be inspected with `dolt log`.
package dolt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"

	"github.com/caspianwatch/caspianwatch/internal/debug"
	"github.com/caspianwatch/caspianwatch/internal/storage/sqlbase"
)

// Config holds Dolt database configuration
type Config struct {
	Path           string // Embedded database directory
	Database       string // Database name within Dolt (default: "caspianwatch")
	CommitterName  string // Author of Dolt commits
	CommitterEmail string
	AutoCommit     bool // Record a Dolt commit after each write

	// Server mode options
	ServerMode     bool
	DSN            string // Full MySQL DSN; overrides the host/port/user fields
	ServerHost     string // default: 127.0.0.1
	ServerPort     int    // default: 3307
	ServerUser     string // default: root
	ServerPassword string
	ServerTLS      bool
}

const (
	defaultDatabase = "caspianwatch"
	defaultHost     = "127.0.0.1"
	defaultPort     = 3307
	defaultUser     = "root"
	closeTimeout    = 5 * time.Second
)

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.CommitterName == "" {
		c.CommitterName = "caspianwatch"
	}
	if c.CommitterEmail == "" {
		c.CommitterEmail = "caspianwatch@localhost"
	}
	if c.ServerHost == "" {
		c.ServerHost = defaultHost
	}
	if c.ServerPort == 0 {
		c.ServerPort = defaultPort
	}
	if c.ServerUser == "" {
		c.ServerUser = defaultUser
	}
}

// DoltStorage implements the Storage interface using Dolt
type DoltStorage struct {
	*sqlbase.Store
	db         *sql.DB
	path       string
	serverMode bool
	author     string

	// connector is non-nil only in embedded mode. It must be closed to
	// release filesystem locks held by the embedded engine.
	connector io.Closer
}

// New opens a Dolt store in the mode selected by cfg.
func New(ctx context.Context, cfg Config) (*DoltStorage, error) {
	cfg.applyDefaults()

	var (
		db        *sql.DB
		connector io.Closer
		err       error
	)
	if cfg.ServerMode {
		db, err = openServer(ctx, &cfg)
	} else {
		db, connector, err = openEmbedded(ctx, &cfg)
	}
	if err != nil {
		return nil, err
	}

	s := &DoltStorage{
		db:         db,
		path:       cfg.Path,
		serverMode: cfg.ServerMode,
		author:     fmt.Sprintf("%s <%s>", cfg.CommitterName, cfg.CommitterEmail),
		connector:  connector,
	}

	var opts []sqlbase.Option
	if cfg.AutoCommit {
		opts = append(opts, sqlbase.WithAfterCommit(s.autoCommit))
	}
	base, err := sqlbase.New(ctx, db, dialect{}, opts...)
	if err != nil {
		_ = s.closeHandles()
		return nil, err
	}
	s.Store = base
	return s, nil
}

// openServer connects to a dolt sql-server, creating the database if the
// server reports it unknown.
func openServer(ctx context.Context, cfg *Config) (*sql.DB, error) {
	mc, err := serverConfig(cfg)
	if err != nil {
		return nil, err
	}

	db, err := connectServer(ctx, mc)
	if err != nil && isUnknownDatabase(err) {
		bootstrap := mc.Clone()
		bootstrap.DBName = ""
		if cerr := createDatabase(ctx, bootstrap.FormatDSN(), mc.DBName); cerr != nil {
			return nil, cerr
		}
		db, err = connectServer(ctx, mc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Dolt server at %s: %w", mc.Addr, err)
	}
	return db, nil
}

func connectServer(ctx context.Context, mc *mysql.Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := pingWithRetry(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func isUnknownDatabase(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errBadDB
}

// serverConfig builds the driver config from cfg.DSN or the discrete fields.
func serverConfig(cfg *Config) (*mysql.Config, error) {
	var mc *mysql.Config
	if cfg.DSN != "" {
		parsed, err := mysql.ParseDSN(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("invalid Dolt DSN: %w", err)
		}
		mc = parsed
	} else {
		mc = mysql.NewConfig()
		mc.User = cfg.ServerUser
		mc.Passwd = cfg.ServerPassword
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort))
		mc.DBName = cfg.Database
		if cfg.ServerTLS {
			mc.TLSConfig = "true"
		}
	}
	mc.ParseTime = true
	if mc.Timeout == 0 {
		mc.Timeout = 10 * time.Second
	}
	return mc, nil
}

func createDatabase(ctx context.Context, dsn, name string) error {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open Dolt server connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := pingWithRetry(ctx, db); err != nil {
		return fmt.Errorf("failed to reach Dolt server: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS `"+name+"`"); err != nil {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return nil
}

// pingWithRetry retries transient connection failures for up to 30s; a
// freshly started server often refuses the first connections.
func pingWithRetry(ctx context.Context, db *sql.DB) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		err := db.PingContext(ctx)
		if err != nil && !isRetryableError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// isRetryableError returns true if the error is a transient connection error.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range []string{"driver: bad connection", "connection refused", "connection reset", "broken pipe", "eof"} {
		if strings.Contains(errStr, s) {
			return true
		}
	}
	return false
}

// autoCommit records a Dolt commit. Failures are traced and otherwise
// ignored; the SQL transaction has already committed.
func (s *DoltStorage) autoCommit(ctx context.Context, op string) {
	if err := s.Commit(ctx, op); err != nil && !isNothingToCommit(err) {
		debug.Logf("dolt: auto-commit after %s failed: %v\n", op, err)
	}
}

// Commit creates a Dolt commit of all working changes.
func (s *DoltStorage) Commit(ctx context.Context, message string) error {
	// Dolt defaults the author to the SQL user; pass one explicitly so
	// history is the same in embedded and server mode.
	if _, err := s.db.ExecContext(ctx, "CALL DOLT_COMMIT('-Am', ?, '--author', ?)", message, s.author); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func isNothingToCommit(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nothing to commit")
}

// Path returns the embedded database directory (empty in server mode).
func (s *DoltStorage) Path() string {
	return s.path
}

// ServerMode reports whether the store talks to a dolt sql-server.
func (s *DoltStorage) ServerMode() bool {
	return s.serverMode
}

// Close closes the database and, in embedded mode, the engine.
func (s *DoltStorage) Close() error {
	return s.closeHandles()
}

func (s *DoltStorage) closeHandles() error {
	var err error
	closeDB := s.db.Close
	if s.Store != nil {
		closeDB = s.Store.Close
	}
	if cerr := closeWithTimeout("db", closeDB); cerr != nil && !errors.Is(cerr, context.Canceled) {
		err = errors.Join(err, cerr)
	}
	if s.connector != nil {
		cerr := closeWithTimeout("embedded connector", s.connector.Close)
		if cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = errors.Join(err, cerr)
		}
		s.connector = nil
	}
	return err
}

// closeWithTimeout runs closeFn and gives up after closeTimeout. The
// embedded engine can hang on shutdown when a background goroutine is
// still flushing.
func closeWithTimeout(name string, closeFn func() error) error {
	done := make(chan error, 1)
	go func() { done <- closeFn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(closeTimeout):
		return fmt.Errorf("close %s: timed out after %s", name, closeTimeout)
	}
}
