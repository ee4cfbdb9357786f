package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// CreateCategory inserts a pollution category.
func (s *Store) CreateCategory(ctx context.Context, name string) (*types.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.NewValidationError("name", "this field is required")
	}
	if len(name) > types.MaxCategoryName {
		return nil, types.NewValidationError("name", "name is too long")
	}

	cat := &types.Category{Name: name}
	err := s.write(ctx, "create category", func(q querier) error {
		res, err := q.ExecContext(ctx, `INSERT INTO categories (name) VALUES (?)`, name)
		if err != nil {
			return s.wrapDBErrorf(err, "create category %q", name)
		}
		cat.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return cat, nil
}

// GetCategory fetches a category by id.
func (s *Store) GetCategory(ctx context.Context, id int64) (*types.Category, error) {
	var cat types.Category
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM categories WHERE id = ?`, id).Scan(&cat.ID, &cat.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("pollution type", id)
	}
	if err != nil {
		return nil, s.wrapDBErrorf(err, "get category %d", id)
	}
	return &cat, nil
}

// GetCategoryByName fetches a category by its unique display name.
func (s *Store) GetCategoryByName(ctx context.Context, name string) (*types.Category, error) {
	var cat types.Category
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM categories WHERE name = ?`, name).Scan(&cat.ID, &cat.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("pollution type", name)
	}
	if err != nil {
		return nil, s.wrapDBErrorf(err, "get category %q", name)
	}
	return &cat, nil
}

// ListCategories returns all categories ordered by id.
func (s *Store) ListCategories(ctx context.Context) ([]*types.Category, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM categories ORDER BY id`)
	if err != nil {
		return nil, s.wrapDBError("list categories", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*types.Category{}
	for rows.Next() {
		var cat types.Category
		if err := rows.Scan(&cat.ID, &cat.Name); err != nil {
			return nil, s.wrapDBError("scan category", err)
		}
		out = append(out, &cat)
	}
	return out, s.wrapDBError("list categories", rows.Err())
}
