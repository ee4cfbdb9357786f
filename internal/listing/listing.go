// Package listing serves paged, read-only projections of the report store:
// the public feed and an identity's open assignments. Ordering is always
// created_at DESC, id DESC. Each listing is pinned to the feed position of
// its first page, so reports created while a client pages do not shift
// later pages; they show up when the client starts over.
package listing

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// ErrInvalidPage is returned for a page number that is malformed or past
// the last page.
var ErrInvalidPage = fmt.Errorf("invalid page: %w", types.ErrNotFound)

// LastPage requests the final page.
const LastPage = -1

// Limits bounds a listing's page size.
type Limits struct {
	Default int
	Max     int
}

// Config holds the limits for both listings.
type Config struct {
	Feed     Limits
	Assigned Limits
}

// DefaultConfig returns the stock page sizes: 10 (max 100) for the feed and
// 3 (max 20) for assignments.
func DefaultConfig() Config {
	return Config{
		Feed:     Limits{Default: 10, Max: 100},
		Assigned: Limits{Default: 3, Max: 20},
	}
}

// Reader is the store subset the service needs.
type Reader interface {
	ListReports(ctx context.Context, filter types.ReportFilter) ([]*types.Report, error)
	CountReports(ctx context.Context, filter types.ReportFilter) (int, error)
}

// PageRequest selects one page. Page is 1-based (LastPage for the last);
// zero values select the first page at the default size. A nil AsOf pins
// the listing to the newest matching report.
type PageRequest struct {
	Page     int
	PageSize int
	AsOf     *types.FeedPosition

	CategoryID   *int64
	CreatedAfter *time.Time
}

// Page is one slice of an ordered listing.
type Page struct {
	Count        int
	Page         int
	PageSize     int
	NextPage     int // 0 when this is the last page
	PreviousPage int // 0 when this is the first page
	Results      []*types.Report

	// AsOf is the position the listing is pinned to; nil for an empty
	// listing. Pass it back to fetch neighbouring pages.
	AsOf *types.FeedPosition
}

// HasNext reports whether a later page exists.
func (p *Page) HasNext() bool { return p.NextPage != 0 }

// HasPrevious reports whether an earlier page exists.
func (p *Page) HasPrevious() bool { return p.PreviousPage != 0 }

// NumPages is the total page count; an empty listing has one empty page.
func (p *Page) NumPages() int {
	return numPages(p.Count, p.PageSize)
}

// Service runs listings against a store.
type Service struct {
	store Reader
	cfg   Config
}

// NewService returns a listing service. Zero limits fall back to DefaultConfig.
func NewService(store Reader, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Feed.Default <= 0 {
		cfg.Feed.Default = def.Feed.Default
	}
	if cfg.Feed.Max <= 0 {
		cfg.Feed.Max = def.Feed.Max
	}
	if cfg.Assigned.Default <= 0 {
		cfg.Assigned.Default = def.Assigned.Default
	}
	if cfg.Assigned.Max <= 0 {
		cfg.Assigned.Max = def.Assigned.Max
	}
	return &Service{store: store, cfg: cfg}
}

// Config returns the effective limits.
func (s *Service) Config() Config {
	return s.cfg
}

// Reports returns a page of the general feed, newest first.
func (s *Service) Reports(ctx context.Context, req PageRequest) (*Page, error) {
	filter := types.ReportFilter{
		CategoryID:   req.CategoryID,
		CreatedAfter: req.CreatedAfter,
	}
	return s.page(ctx, filter, req, s.cfg.Feed)
}

// Assigned returns a page of the open reports identityID is assigned to.
func (s *Service) Assigned(ctx context.Context, identityID int64, req PageRequest) (*Page, error) {
	id := identityID
	filter := types.ReportFilter{
		AssignedTo:       &id,
		ExcludeCompleted: true,
		CategoryID:       req.CategoryID,
		CreatedAfter:     req.CreatedAfter,
	}
	return s.page(ctx, filter, req, s.cfg.Assigned)
}

func (s *Service) page(ctx context.Context, filter types.ReportFilter, req PageRequest, lim Limits) (*Page, error) {
	size := clamp(req.PageSize, lim)

	filter.AsOf = req.AsOf
	if filter.AsOf == nil {
		head := filter
		head.Limit = 1
		top, err := s.store.ListReports(ctx, head)
		if err != nil {
			return nil, fmt.Errorf("list reports: %w", err)
		}
		if len(top) > 0 {
			filter.AsOf = &types.FeedPosition{CreatedAt: top[0].CreatedAt, ID: top[0].ID}
		}
	}

	count, err := s.store.CountReports(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count reports: %w", err)
	}
	last := numPages(count, size)

	number := req.Page
	switch {
	case number == LastPage:
		number = last
	case number == 0:
		number = 1
	case number < 0:
		return nil, ErrInvalidPage
	}
	if number > last {
		return nil, ErrInvalidPage
	}

	filter.Offset = (number - 1) * size
	filter.Limit = size
	results, err := s.store.ListReports(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}

	p := &Page{
		Count:    count,
		Page:     number,
		PageSize: size,
		Results:  results,
		AsOf:     filter.AsOf,
	}
	if number < last {
		p.NextPage = number + 1
	}
	if number > 1 {
		p.PreviousPage = number - 1
	}
	return p, nil
}

func clamp(size int, lim Limits) int {
	if size <= 0 {
		return lim.Default
	}
	return min(size, lim.Max)
}

func numPages(count, size int) int {
	if size <= 0 || count == 0 {
		return 1
	}
	return (count + size - 1) / size
}

// ParseRequest reads the page, page_size and as_of query values. A
// malformed page or as_of is ErrInvalidPage; a malformed page_size falls
// back to the default.
func ParseRequest(page, pageSize, asOf string) (PageRequest, error) {
	var req PageRequest
	switch p := strings.TrimSpace(page); p {
	case "":
	case "last":
		req.Page = LastPage
	default:
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			return req, ErrInvalidPage
		}
		req.Page = n
	}
	if n, err := strconv.Atoi(strings.TrimSpace(pageSize)); err == nil && n > 0 {
		req.PageSize = n
	}
	if a := strings.TrimSpace(asOf); a != "" {
		pos, err := types.ParseFeedPosition(a)
		if err != nil {
			return req, ErrInvalidPage
		}
		req.AsOf = &pos
	}
	return req, nil
}
