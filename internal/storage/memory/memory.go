// Package memory implements the storage interface entirely in process memory.
// It backs unit tests and `cw serve --backend memory` demos; nothing survives
// a restart.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// Verify MemoryStorage implements storage.Storage at compile time
var _ storage.Storage = (*MemoryStorage)(nil)

var errClosed = errors.New("memory store is closed")

// MemoryStorage keeps every entity in maps guarded by one mutex. Writes made
// inside RunInTransaction go to a private copy that replaces the live data
// only when the callback succeeds.
type MemoryStorage struct {
	mu     sync.Mutex
	data   *dataset
	closed bool
}

type dataset struct {
	nextCategoryID int64
	nextIdentityID int64
	nextReportID   int64

	categories map[int64]*types.Category
	identities map[int64]*types.Identity
	reports    map[int64]*types.Report
}

// New creates an empty in-memory store.
func New() *MemoryStorage {
	return &MemoryStorage{data: newDataset()}
}

func newDataset() *dataset {
	return &dataset{
		categories: make(map[int64]*types.Category),
		identities: make(map[int64]*types.Identity),
		reports:    make(map[int64]*types.Report),
	}
}

func (d *dataset) clone() *dataset {
	c := &dataset{
		nextCategoryID: d.nextCategoryID,
		nextIdentityID: d.nextIdentityID,
		nextReportID:   d.nextReportID,
		categories:     make(map[int64]*types.Category, len(d.categories)),
		identities:     make(map[int64]*types.Identity, len(d.identities)),
		reports:        make(map[int64]*types.Report, len(d.reports)),
	}
	for id, cat := range d.categories {
		cc := *cat
		c.categories[id] = &cc
	}
	for id, ident := range d.identities {
		c.identities[id] = ident.Clone()
	}
	for id, r := range d.reports {
		c.reports[id] = r.Clone()
	}
	return c
}

// lock acquires the store mutex and fails if the store is closed.
func (s *MemoryStorage) lock() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	return nil
}

// ── Categories ──────────────────────────────────────────────────────────────

func (s *MemoryStorage) CreateCategory(ctx context.Context, name string) (*types.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, types.NewValidationError("name", "this field is required")
	}
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	for _, c := range s.data.categories {
		if c.Name == name {
			return nil, types.ErrConflict
		}
	}
	s.data.nextCategoryID++
	cat := &types.Category{ID: s.data.nextCategoryID, Name: name}
	s.data.categories[cat.ID] = cat
	out := *cat
	return &out, nil
}

func (s *MemoryStorage) GetCategory(ctx context.Context, id int64) (*types.Category, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	cat, ok := s.data.categories[id]
	if !ok {
		return nil, types.NotFound("pollution type", id)
	}
	out := *cat
	return &out, nil
}

func (s *MemoryStorage) GetCategoryByName(ctx context.Context, name string) (*types.Category, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	for _, cat := range s.data.categories {
		if cat.Name == name {
			out := *cat
			return &out, nil
		}
	}
	return nil, types.NotFound("pollution type", name)
}

func (s *MemoryStorage) ListCategories(ctx context.Context) ([]*types.Category, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	out := make([]*types.Category, 0, len(s.data.categories))
	for _, cat := range s.data.categories {
		c := *cat
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Identities ──────────────────────────────────────────────────────────────

func (s *MemoryStorage) CreateIdentity(ctx context.Context, identity *types.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, existing := range s.data.identities {
		if existing.Username == identity.Username {
			return types.ErrConflict
		}
		if identity.HasHandle() && existing.HasHandle() && *existing.TelegramID == *identity.TelegramID {
			return types.ErrConflict
		}
	}
	s.data.nextIdentityID++
	identity.ID = s.data.nextIdentityID
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = storage.NowMicros()
	}
	s.data.identities[identity.ID] = identity.Clone()
	return nil
}

func (s *MemoryStorage) GetIdentity(ctx context.Context, id int64) (*types.Identity, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.data.identity(id)
}

func (d *dataset) identity(id int64) (*types.Identity, error) {
	ident, ok := d.identities[id]
	if !ok {
		return nil, types.NotFound("identity", id)
	}
	return ident.Clone(), nil
}

func (s *MemoryStorage) GetIdentityByUsername(ctx context.Context, username string) (*types.Identity, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	for _, ident := range s.data.identities {
		if ident.Username == username {
			return ident.Clone(), nil
		}
	}
	return nil, types.NotFound("identity", username)
}

func (s *MemoryStorage) GetIdentityByHandle(ctx context.Context, handle int64) (*types.Identity, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	for _, ident := range s.data.identities {
		if ident.HasHandle() && *ident.TelegramID == handle {
			return ident.Clone(), nil
		}
	}
	return nil, types.NotFound("identity with telegram id", handle)
}

func (s *MemoryStorage) SetRole(ctx context.Context, id int64, role types.Role) error {
	if !role.IsValid() {
		return types.NewValidationError("role", "unknown role")
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	ident, ok := s.data.identities[id]
	if !ok {
		return types.NotFound("identity", id)
	}
	ident.Role = role
	return nil
}

func (s *MemoryStorage) BindHandle(ctx context.Context, id int64, handle int64) error {
	if handle == 0 {
		return types.NewValidationError("telegram_id", "this field is required")
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	target, ok := s.data.identities[id]
	if !ok {
		return types.NotFound("identity", id)
	}
	// The whole operation runs under the store mutex, so clearing and
	// binding are observed together.
	for _, ident := range s.data.identities {
		if ident.ID != id && ident.HasHandle() && *ident.TelegramID == handle {
			ident.TelegramID = nil
		}
	}
	h := handle
	target.TelegramID = &h
	return nil
}

func (s *MemoryStorage) ListReviewers(ctx context.Context) ([]*types.Identity, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	var out []*types.Identity
	for _, ident := range s.data.identities {
		if ident.IsReviewer() && ident.HasHandle() {
			out = append(out, ident.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ── Reports ─────────────────────────────────────────────────────────────────

func (s *MemoryStorage) CreateReport(ctx context.Context, report *types.Report) error {
	if err := report.Validate(); err != nil {
		return err
	}
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if _, ok := s.data.categories[report.CategoryID]; !ok {
		return types.NotFound("pollution type", report.CategoryID)
	}
	if report.ReportedBy != nil {
		if _, ok := s.data.identities[*report.ReportedBy]; !ok {
			return types.NotFound("identity", *report.ReportedBy)
		}
	}
	s.data.nextReportID++
	report.ID = s.data.nextReportID
	report.CreatedAt = storage.NowMicros()
	if report.AssignedTo == nil {
		report.AssignedTo = []int64{}
	}
	report.Category = s.data.category(report.CategoryID)
	s.data.reports[report.ID] = report.Clone()
	return nil
}

func (d *dataset) category(id int64) *types.Category {
	cat, ok := d.categories[id]
	if !ok {
		return nil
	}
	c := *cat
	return &c
}

func (d *dataset) report(id int64) (*types.Report, error) {
	r, ok := d.reports[id]
	if !ok {
		return nil, types.NotFound("pollution", id)
	}
	out := r.Clone()
	out.Category = d.category(r.CategoryID)
	return out, nil
}

func (s *MemoryStorage) GetReport(ctx context.Context, id int64) (*types.Report, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.data.report(id)
}

func (s *MemoryStorage) ListReports(ctx context.Context, filter types.ReportFilter) ([]*types.Report, error) {
	if err := s.lock(); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	matched := s.data.filter(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*types.Report{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*types.Report, 0, len(matched))
	for _, r := range matched {
		c := r.Clone()
		c.Category = s.data.category(r.CategoryID)
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStorage) CountReports(ctx context.Context, filter types.ReportFilter) (int, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()
	return len(s.data.filter(filter)), nil
}

// filter returns matching reports in feed order (newest first, id tie-break).
func (d *dataset) filter(f types.ReportFilter) []*types.Report {
	var matched []*types.Report
	for _, r := range d.reports {
		if f.AssignedTo != nil && !r.IsAssigned(*f.AssignedTo) {
			continue
		}
		if f.ExcludeCompleted && r.IsCompleted {
			continue
		}
		if f.CategoryID != nil && r.CategoryID != *f.CategoryID {
			continue
		}
		if f.CreatedAfter != nil && !r.CreatedAt.After(*f.CreatedAfter) {
			continue
		}
		if f.AsOf != nil && !f.AsOf.Includes(r) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	return matched
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *MemoryStorage) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
