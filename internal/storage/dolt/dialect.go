package dolt

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"

	"github.com/caspianwatch/caspianwatch/internal/storage/sqlbase"
)

// MySQL error numbers.
const (
	errBadDB        = 1049
	errDupEntry     = 1062
	errLockDeadlock = 1213
)

// Dolt rejects multi-statement Exec, so every statement stands alone.
// Indexes are declared inline because CREATE INDEX has no IF NOT EXISTS.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    name VARCHAR(100) NOT NULL,
    UNIQUE KEY uq_categories_name (name)
)`,
	`CREATE TABLE IF NOT EXISTS identities (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    username VARCHAR(150) NOT NULL,
    password_hash VARCHAR(255) NOT NULL DEFAULT '',
    first_name VARCHAR(150) NOT NULL DEFAULT '',
    last_name VARCHAR(150) NOT NULL DEFAULT '',
    telegram_id BIGINT NULL,
    role VARCHAR(32) NOT NULL DEFAULT '',
    is_superuser TINYINT(1) NOT NULL DEFAULT 0,
    is_staff TINYINT(1) NOT NULL DEFAULT 0,
    completed_count INT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    UNIQUE KEY uq_identities_username (username),
    UNIQUE KEY uq_identities_telegram (telegram_id),
    CHECK (completed_count >= 0)
)`,
	`CREATE TABLE IF NOT EXISTS reports (
    id BIGINT PRIMARY KEY AUTO_INCREMENT,
    latitude DOUBLE NOT NULL,
    longitude DOUBLE NOT NULL,
    description TEXT NOT NULL,
    category_id BIGINT NOT NULL,
    created_at BIGINT NOT NULL,
    reported_by BIGINT NULL,
    is_approved TINYINT(1) NOT NULL DEFAULT 0,
    image VARCHAR(255) NOT NULL,
    is_completed TINYINT(1) NOT NULL DEFAULT 0,
    completion_image VARCHAR(255) NOT NULL DEFAULT '',
    completed_by BIGINT NULL,
    phone_number VARCHAR(32) NOT NULL DEFAULT '',
    KEY idx_reports_feed (created_at, id),
    CONSTRAINT fk_reports_category FOREIGN KEY (category_id) REFERENCES categories(id),
    CONSTRAINT fk_reports_reporter FOREIGN KEY (reported_by) REFERENCES identities(id) ON DELETE SET NULL,
    CONSTRAINT fk_reports_completer FOREIGN KEY (completed_by) REFERENCES identities(id) ON DELETE SET NULL,
    CHECK (is_completed = 1 OR completion_image = ''),
    CHECK (is_completed = 0 OR completion_image <> ''),
    CHECK (is_approved = 0 OR is_completed = 1)
)`,
	`CREATE TABLE IF NOT EXISTS report_assignees (
    report_id BIGINT NOT NULL,
    identity_id BIGINT NOT NULL,
    PRIMARY KEY (report_id, identity_id),
    KEY idx_report_assignees_identity (identity_id),
    CONSTRAINT fk_assignees_report FOREIGN KEY (report_id) REFERENCES reports(id) ON DELETE CASCADE,
    CONSTRAINT fk_assignees_identity FOREIGN KEY (identity_id) REFERENCES identities(id) ON DELETE CASCADE
)`,
}

type dialect struct{}

// Verify dialect retries conflicting transactions at compile time
var _ sqlbase.SerializationRetrier = dialect{}

func (dialect) Name() string { return "dolt" }

func (dialect) Schema() []string { return schema }

func (dialect) LockSuffix() string { return " FOR UPDATE" }

func (dialect) InsertIgnore() string { return "INSERT IGNORE INTO" }

func (dialect) IsUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == errDupEntry
}

// IsSerializationFailure matches Dolt's commit-time merge conflicts and
// InnoDB-style deadlocks from a MySQL server.
func (dialect) IsSerializationFailure(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == errLockDeadlock {
		return true
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "serialization failure")
}

func (dialect) Begin(ctx context.Context, db *sql.DB) (sqlbase.Tx, error) {
	return db.BeginTx(ctx, nil)
}
