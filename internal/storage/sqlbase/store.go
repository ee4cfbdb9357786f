// Package sqlbase holds the SQL shared by the sqlite and dolt backends.
//
// Both backends speak `?` placeholders and differ only in DDL, how a write
// transaction is started, and how the report row is locked. Those
// differences live behind Dialect; everything else is here.
package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	"github.com/caspianwatch/caspianwatch/internal/storage"
)

// querier is satisfied by *sql.DB, *sql.Conn, and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is a started write transaction.
type Tx interface {
	querier
	Commit() error
	Rollback() error
}

// Dialect captures what differs between SQL engines.
type Dialect interface {
	// Name identifies the engine in logs and errors ("sqlite", "dolt").
	Name() string
	// Schema returns idempotent DDL statements run at open.
	Schema() []string
	// Begin starts a write transaction that serializes with other writers.
	Begin(ctx context.Context, db *sql.DB) (Tx, error)
	// LockSuffix is appended to the SELECT that reads a report inside a transaction.
	LockSuffix() string
	// InsertIgnore is the statement prefix that skips duplicate-key rows.
	InsertIgnore() string
	// IsUniqueViolation reports whether err is a unique-constraint failure.
	IsUniqueViolation(err error) bool
}

// SerializationRetrier is implemented by dialects whose engine aborts one
// of two conflicting transactions at commit time instead of blocking.
type SerializationRetrier interface {
	IsSerializationFailure(err error) bool
}

// Verify Store implements storage.Storage at compile time
var _ storage.Storage = (*Store)(nil)

// Store implements storage.Storage on a database/sql handle.
type Store struct {
	db      *sql.DB
	dialect Dialect
	closed  atomic.Bool

	// afterCommit runs after every committed write transaction. The dolt
	// backend uses it to record a Dolt commit.
	afterCommit func(ctx context.Context, op string)
}

// Option customizes a Store.
type Option func(*Store)

// WithAfterCommit registers a hook run after each committed write.
func WithAfterCommit(fn func(ctx context.Context, op string)) Option {
	return func(s *Store) { s.afterCommit = fn }
}

// New wraps db, creating the schema if needed.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: failed to initialize schema: %w", s.dialect.Name(), err)
		}
	}
	return nil
}

// DB exposes the underlying handle for backend-specific maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("%s: store is closed", s.dialect.Name())
	}
	return s.db.PingContext(ctx)
}

// Close closes the database handle. Safe to call twice.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// write runs fn in a write transaction on behalf of a single-statement
// mutation outside RunInTransaction.
func (s *Store) write(ctx context.Context, op string, fn func(q querier) error) error {
	tx, err := s.dialect.Begin(ctx, s.db)
	if err != nil {
		return fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: failed to commit: %w", op, err)
	}
	committed = true
	if s.afterCommit != nil {
		s.afterCommit(ctx, op)
	}
	return nil
}
