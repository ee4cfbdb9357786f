package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

const identityColumns = `id, username, password_hash, first_name, last_name, telegram_id,
	role, is_superuser, is_staff, completed_count, created_at`

// CreateIdentity inserts a new identity and sets its ID.
func (s *Store) CreateIdentity(ctx context.Context, identity *types.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = storage.NowMicros()
	}

	var handle sql.NullInt64
	if identity.HasHandle() {
		handle = sql.NullInt64{Int64: *identity.TelegramID, Valid: true}
	}

	return s.write(ctx, "create identity", func(q querier) error {
		res, err := q.ExecContext(ctx, `
			INSERT INTO identities (username, password_hash, first_name, last_name, telegram_id,
				role, is_superuser, is_staff, completed_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			identity.Username, identity.PasswordHash, identity.FirstName, identity.LastName, handle,
			string(identity.Role), identity.IsSuperuser, identity.IsStaff, identity.CompletedCount,
			identity.CreatedAt.UnixMicro(),
		)
		if err != nil {
			return s.wrapDBErrorf(err, "create identity %q", identity.Username)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create identity: failed to read id: %w", err)
		}
		identity.ID = id
		return nil
	})
}

// GetIdentity fetches an identity by id.
func (s *Store) GetIdentity(ctx context.Context, id int64) (*types.Identity, error) {
	return getIdentity(ctx, s, s.db, id)
}

func getIdentity(ctx context.Context, s *Store, q querier, id int64) (*types.Identity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("identity", id)
	}
	if err != nil {
		return nil, s.wrapDBErrorf(err, "get identity %d", id)
	}
	return ident, nil
}

// GetIdentityByUsername fetches an identity by login name.
func (s *Store) GetIdentityByUsername(ctx context.Context, username string) (*types.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE username = ?`, username)
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("identity", username)
	}
	if err != nil {
		return nil, s.wrapDBErrorf(err, "get identity %q", username)
	}
	return ident, nil
}

// GetIdentityByHandle fetches the identity holding a messaging handle.
func (s *Store) GetIdentityByHandle(ctx context.Context, handle int64) (*types.Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE telegram_id = ?`, handle)
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("identity with telegram id", handle)
	}
	if err != nil {
		return nil, s.wrapDBErrorf(err, "get identity by handle %d", handle)
	}
	return ident, nil
}

// SetRole changes an identity's role.
func (s *Store) SetRole(ctx context.Context, id int64, role types.Role) error {
	if !role.IsValid() {
		return types.NewValidationError("role", "unknown role")
	}
	return s.write(ctx, "set role", func(q querier) error {
		if _, err := getIdentity(ctx, s, q, id); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, `UPDATE identities SET role = ? WHERE id = ?`, string(role), id)
		return s.wrapDBErrorf(err, "set role for identity %d", id)
	})
}

// BindHandle clears the handle from any other holder, then binds it to id,
// inside one transaction.
func (s *Store) BindHandle(ctx context.Context, id int64, handle int64) error {
	if handle == 0 {
		return types.NewValidationError("telegram_id", "this field is required")
	}
	return s.write(ctx, "bind handle", func(q querier) error {
		if _, err := getIdentity(ctx, s, q, id); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE identities SET telegram_id = NULL WHERE telegram_id = ? AND id <> ?`, handle, id); err != nil {
			return s.wrapDBErrorf(err, "clear handle %d", handle)
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE identities SET telegram_id = ? WHERE id = ?`, handle, id); err != nil {
			return s.wrapDBErrorf(err, "bind handle %d to identity %d", handle, id)
		}
		return nil
	})
}

// ListReviewers returns identities that receive completion notices.
func (s *Store) ListReviewers(ctx context.Context) ([]*types.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+identityColumns+` FROM identities
		WHERE telegram_id IS NOT NULL AND telegram_id <> 0
		  AND (is_superuser = ? OR is_staff = ? OR role IN (?, ?))
		ORDER BY id`,
		true, true, string(types.RoleManager), string(types.RoleAdmin))
	if err != nil {
		return nil, s.wrapDBError("list reviewers", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, s.wrapDBError("scan reviewer", err)
		}
		out = append(out, ident)
	}
	return out, s.wrapDBError("list reviewers", rows.Err())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIdentity(row rowScanner) (*types.Identity, error) {
	var (
		ident     types.Identity
		handle    sql.NullInt64
		role      string
		createdAt int64
	)
	err := row.Scan(&ident.ID, &ident.Username, &ident.PasswordHash, &ident.FirstName, &ident.LastName,
		&handle, &role, &ident.IsSuperuser, &ident.IsStaff, &ident.CompletedCount, &createdAt)
	if err != nil {
		return nil, err
	}
	if handle.Valid {
		h := handle.Int64
		ident.TelegramID = &h
	}
	ident.Role = types.Role(role)
	ident.CreatedAt = fromMicros(createdAt)
	return &ident, nil
}
