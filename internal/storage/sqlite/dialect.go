package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite3 "github.com/ncruces/go-sqlite3"

	"github.com/caspianwatch/caspianwatch/internal/storage/sqlbase"
)

const schema = `
CREATE TABLE IF NOT EXISTS categories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE CHECK(length(name) <= 100)
);

CREATE TABLE IF NOT EXISTS identities (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    telegram_id INTEGER UNIQUE,
    role TEXT NOT NULL DEFAULT '',
    is_superuser INTEGER NOT NULL DEFAULT 0,
    is_staff INTEGER NOT NULL DEFAULT 0,
    completed_count INTEGER NOT NULL DEFAULT 0 CHECK(completed_count >= 0),
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    description TEXT NOT NULL,
    category_id INTEGER NOT NULL REFERENCES categories(id),
    created_at INTEGER NOT NULL,
    reported_by INTEGER REFERENCES identities(id) ON DELETE SET NULL,
    is_approved INTEGER NOT NULL DEFAULT 0,
    image TEXT NOT NULL,
    is_completed INTEGER NOT NULL DEFAULT 0,
    completion_image TEXT NOT NULL DEFAULT '',
    completed_by INTEGER REFERENCES identities(id) ON DELETE SET NULL,
    phone_number TEXT NOT NULL DEFAULT '',
    CHECK(is_completed = 1 OR completion_image = ''),
    CHECK(is_completed = 0 OR completion_image <> ''),
    CHECK(is_approved = 0 OR is_completed = 1)
);

CREATE INDEX IF NOT EXISTS idx_reports_feed ON reports(created_at DESC, id DESC);

CREATE TABLE IF NOT EXISTS report_assignees (
    report_id INTEGER NOT NULL REFERENCES reports(id) ON DELETE CASCADE,
    identity_id INTEGER NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
    PRIMARY KEY (report_id, identity_id)
);

CREATE INDEX IF NOT EXISTS idx_report_assignees_identity ON report_assignees(identity_id);
`

type dialect struct{}

func (dialect) Name() string { return "sqlite" }

func (dialect) Schema() []string { return []string{schema} }

func (dialect) LockSuffix() string { return "" }

func (dialect) InsertIgnore() string { return "INSERT OR IGNORE INTO" }

func (dialect) IsUniqueViolation(err error) bool {
	return errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}

// Begin acquires a dedicated connection and starts an IMMEDIATE transaction,
// taking the write lock up front so concurrent read-check-write sequences
// cannot interleave.
func (dialect) Begin(ctx context.Context, db *sql.DB) (sqlbase.Tx, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for transaction: %w", err)
	}
	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &connTx{Conn: conn}, nil
}

// beginImmediateWithRetry retries BEGIN IMMEDIATE on SQLITE_BUSY with
// exponential backoff. Other errors fail immediately.
func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, maxRetries uint64, initial time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = 500 * time.Millisecond

	op := func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)); err != nil {
		return fmt.Errorf("begin immediate: %w", err)
	}
	return nil
}

// connTx is a transaction driven by explicit statements on a dedicated
// connection. The connection is released when the transaction ends.
type connTx struct {
	*sql.Conn
	done bool
}

func (c *connTx) Commit() error {
	// Use background context so an expired request cannot strand the lock.
	if _, err := c.Conn.ExecContext(context.Background(), "COMMIT"); err != nil {
		return err
	}
	c.done = true
	return c.Conn.Close()
}

func (c *connTx) Rollback() error {
	if c.done {
		return nil
	}
	c.done = true
	_, err := c.Conn.ExecContext(context.Background(), "ROLLBACK")
	_ = c.Conn.Close()
	return err
}
