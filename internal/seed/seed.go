// Package seed loads reference data (pollution categories, optional
// identities, and the places used to generate demo reports) from TOML and
// applies it to a store idempotently.
package seed

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/caspianwatch/caspianwatch/internal/auth"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

//go:embed seed.toml
var defaultSeed string

// Data is the decoded seed file.
type Data struct {
	Categories   []string       `toml:"categories"`
	Identities   []IdentitySeed `toml:"identities"`
	Descriptions []string       `toml:"descriptions"`
	Locations    []Location     `toml:"locations"`
}

// IdentitySeed describes an identity to create when its username is free.
type IdentitySeed struct {
	Username   string `toml:"username"`
	Password   string `toml:"password"`
	FirstName  string `toml:"first_name"`
	LastName   string `toml:"last_name"`
	Role       string `toml:"role"`
	Superuser  bool   `toml:"superuser"`
	TelegramID int64  `toml:"telegram_id"`
}

// Location is a named coastal point used for generated reports.
type Location struct {
	Name      string  `toml:"name"`
	Latitude  float64 `toml:"latitude"`
	Longitude float64 `toml:"longitude"`
}

// Store is the subset of storage.Storage the seed step writes to.
type Store interface {
	CreateCategory(ctx context.Context, name string) (*types.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*types.Category, error)
	CreateIdentity(ctx context.Context, identity *types.Identity) error
	GetIdentityByUsername(ctx context.Context, username string) (*types.Identity, error)
}

// Result counts what Apply created and what already existed.
type Result struct {
	CategoriesCreated  int
	CategoriesExisting int
	IdentitiesCreated  int
	IdentitiesExisting int
}

// Default returns the built-in seed data.
func Default() (*Data, error) {
	return Parse(defaultSeed)
}

// Load reads seed data from path, or the built-in data when path is empty.
func Load(path string) (*Data, error) {
	if path == "" {
		return Default()
	}
	var d Data
	md, err := toml.DecodeFile(path, &d)
	if err != nil {
		return nil, fmt.Errorf("decode seed file %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("seed file %q: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("seed file %q: %w", path, err)
	}
	return &d, nil
}

// Parse decodes seed data from TOML text.
func Parse(text string) (*Data, error) {
	var d Data
	md, err := toml.Decode(text, &d)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	sort.Strings(keys)
	return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
}

// Validate checks names, roles, and coordinates.
func (d *Data) Validate() error {
	seen := make(map[string]bool, len(d.Categories))
	for i, name := range d.Categories {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("categories[%d]: name must not be empty", i)
		}
		if len(name) > types.MaxCategoryName {
			return fmt.Errorf("categories[%d]: name %q is too long", i, name)
		}
		if seen[name] {
			return fmt.Errorf("categories[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
	}
	for i, id := range d.Identities {
		if strings.TrimSpace(id.Username) == "" {
			return fmt.Errorf("identities[%d]: username must not be empty", i)
		}
		if id.Password == "" {
			return fmt.Errorf("identities[%d]: password must not be empty", i)
		}
		if _, err := types.ParseRole(id.Role); err != nil {
			return fmt.Errorf("identities[%d]: %w", i, err)
		}
	}
	for i, loc := range d.Locations {
		if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
			return fmt.Errorf("locations[%d] %q: coordinates out of range", i, loc.Name)
		}
	}
	return nil
}

// Apply creates missing categories and identities. Existing rows are not
// modified, so Apply can run on every deploy.
func Apply(ctx context.Context, store Store, d *Data) (*Result, error) {
	res := &Result{}
	for _, name := range d.Categories {
		name = strings.TrimSpace(name)
		if _, err := store.GetCategoryByName(ctx, name); err == nil {
			res.CategoriesExisting++
			continue
		} else if !errors.Is(err, types.ErrNotFound) {
			return res, fmt.Errorf("look up category %q: %w", name, err)
		}
		if _, err := store.CreateCategory(ctx, name); err != nil {
			if errors.Is(err, types.ErrConflict) {
				res.CategoriesExisting++
				continue
			}
			return res, fmt.Errorf("create category %q: %w", name, err)
		}
		res.CategoriesCreated++
	}

	for _, seed := range d.Identities {
		if _, err := store.GetIdentityByUsername(ctx, seed.Username); err == nil {
			res.IdentitiesExisting++
			continue
		} else if !errors.Is(err, types.ErrNotFound) {
			return res, fmt.Errorf("look up identity %q: %w", seed.Username, err)
		}
		identity, err := seed.identity()
		if err != nil {
			return res, err
		}
		if err := store.CreateIdentity(ctx, identity); err != nil {
			return res, fmt.Errorf("create identity %q: %w", seed.Username, err)
		}
		res.IdentitiesCreated++
	}
	return res, nil
}

func (s IdentitySeed) identity() (*types.Identity, error) {
	role, err := types.ParseRole(s.Role)
	if err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(s.Password)
	if err != nil {
		return nil, fmt.Errorf("identity %q: %w", s.Username, err)
	}
	identity := &types.Identity{
		Username:     strings.TrimSpace(s.Username),
		PasswordHash: hash,
		FirstName:    s.FirstName,
		LastName:     s.LastName,
		Role:         role,
		IsSuperuser:  s.Superuser,
		IsStaff:      s.Superuser,
	}
	if s.TelegramID != 0 {
		h := s.TelegramID
		identity.TelegramID = &h
	}
	return identity, nil
}
