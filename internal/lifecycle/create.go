package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caspianwatch/caspianwatch/internal/eventbus"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// CreateInput is a new report as submitted by the bot or the API.
type CreateInput struct {
	Latitude    float64
	Longitude   float64
	Description string
	// Category is the pollution type name; CategoryID wins when both are set.
	Category    string
	CategoryID  int64
	Image       string // Blob handle of the uploaded photo
	PhoneNumber string
}

// Create stores a new open report. reporter may be nil for anonymous
// submissions.
func (e *Engine) Create(ctx context.Context, in CreateInput, reporter *types.Identity) (report *types.Report, err error) {
	ctx, span := e.start(ctx, "create", 0, reporter)
	defer func() { e.end(span, err) }()

	category, err := e.resolveCategory(ctx, in)
	if err != nil {
		return nil, err
	}

	report = &types.Report{
		Latitude:    in.Latitude,
		Longitude:   in.Longitude,
		Description: strings.TrimSpace(in.Description),
		CategoryID:  category.ID,
		Category:    category,
		Image:       in.Image,
		PhoneNumber: strings.TrimSpace(in.PhoneNumber),
		AssignedTo:  []int64{},
	}
	if reporter != nil && reporter.ID != 0 {
		id := reporter.ID
		report.ReportedBy = &id
	}
	if err := report.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("create report: %w", err)
	}
	span.SetAttributes(reportIDAttr(report.ID))

	ev := e.event(eventbus.EventReportCreated, report, reporter)
	ev.HasPhoto = report.Image != ""
	e.afterCommit(ctx, nil, ev)
	return report, nil
}

func (e *Engine) resolveCategory(ctx context.Context, in CreateInput) (*types.Category, error) {
	var (
		category *types.Category
		err      error
		label    string
	)
	switch name := strings.TrimSpace(in.Category); {
	case in.CategoryID != 0:
		category, err = e.store.GetCategory(ctx, in.CategoryID)
		label = fmt.Sprint(in.CategoryID)
	case name != "":
		category, err = e.store.GetCategoryByName(ctx, name)
		label = name
	default:
		return nil, types.NewValidationError("pollution_type", "this field is required")
	}
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.NewValidationError("pollution_type", fmt.Sprintf("unknown pollution type %q", label))
	}
	if err != nil {
		return nil, err
	}
	return category, nil
}
