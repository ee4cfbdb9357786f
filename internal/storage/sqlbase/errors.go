package sqlbase

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// wrapDBError wraps a database error with operation context.
// It converts sql.ErrNoRows to types.ErrNotFound and unique-key violations
// to types.ErrConflict so callers can use errors.Is consistently.
func (s *Store) wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}
	if s.dialect.IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, types.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// wrapDBErrorf wraps a database error with formatted operation context.
func (s *Store) wrapDBErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return s.wrapDBError(fmt.Sprintf(format, args...), err)
}
