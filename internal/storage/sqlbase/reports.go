package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

const reportColumns = `r.id, r.latitude, r.longitude, r.description, r.category_id, c.name,
	r.created_at, r.reported_by, r.is_approved, r.image, r.is_completed,
	r.completion_image, r.completed_by, r.phone_number`

const reportFrom = ` FROM reports r JOIN categories c ON c.id = r.category_id`

// CreateReport inserts a report and sets its ID and CreatedAt.
func (s *Store) CreateReport(ctx context.Context, report *types.Report) error {
	if err := report.Validate(); err != nil {
		return err
	}
	report.CreatedAt = storage.NowMicros()
	report.AssignedTo = []int64{}

	return s.write(ctx, "create report", func(q querier) error {
		var catName string
		err := q.QueryRowContext(ctx, `SELECT name FROM categories WHERE id = ?`, report.CategoryID).Scan(&catName)
		if errors.Is(err, sql.ErrNoRows) {
			return types.NotFound("pollution type", report.CategoryID)
		}
		if err != nil {
			return s.wrapDBError("create report: check category", err)
		}
		if report.ReportedBy != nil {
			if _, err := getIdentity(ctx, s, q, *report.ReportedBy); err != nil {
				return err
			}
		}

		res, err := q.ExecContext(ctx, `
			INSERT INTO reports (latitude, longitude, description, category_id, created_at, reported_by,
				is_approved, image, is_completed, completion_image, completed_by, phone_number)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			report.Latitude, report.Longitude, report.Description, report.CategoryID,
			report.CreatedAt.UnixMicro(), nullID(report.ReportedBy),
			report.IsApproved, report.Image, report.IsCompleted, report.CompletionImage,
			nullID(report.CompletedBy), report.PhoneNumber,
		)
		if err != nil {
			return s.wrapDBError("create report", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("create report: failed to read id: %w", err)
		}
		report.ID = id
		report.Category = &types.Category{ID: report.CategoryID, Name: catName}
		return nil
	})
}

// GetReport fetches a report with its category and assignees.
func (s *Store) GetReport(ctx context.Context, id int64) (*types.Report, error) {
	return s.getReport(ctx, s.db, id, "")
}

func (s *Store) getReport(ctx context.Context, q querier, id int64, lock string) (*types.Report, error) {
	row := q.QueryRowContext(ctx, `SELECT `+reportColumns+reportFrom+` WHERE r.id = ?`+lock, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFound("pollution", id)
	}
	if err != nil {
		return nil, s.wrapDBErrorf(err, "get report %d", id)
	}
	if err := s.loadAssignees(ctx, q, []*types.Report{r}); err != nil {
		return nil, err
	}
	return r, nil
}

// ListReports returns a page of reports, newest first.
func (s *Store) ListReports(ctx context.Context, filter types.ReportFilter) ([]*types.Report, error) {
	where, args := buildWhere(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+reportFrom+where+
			` ORDER BY r.created_at DESC, r.id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, s.wrapDBError("list reports", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*types.Report{}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, s.wrapDBError("scan report", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapDBError("list reports", err)
	}
	if err := s.loadAssignees(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

// CountReports counts the reports matching filter, ignoring Offset and Limit.
func (s *Store) CountReports(ctx context.Context, filter types.ReportFilter) (int, error) {
	where, args := buildWhere(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports r`+where, args...).Scan(&n)
	if err != nil {
		return 0, s.wrapDBError("count reports", err)
	}
	return n, nil
}

func buildWhere(f types.ReportFilter) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.AssignedTo != nil {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM report_assignees a WHERE a.report_id = r.id AND a.identity_id = ?)`)
		args = append(args, *f.AssignedTo)
	}
	if f.ExcludeCompleted {
		clauses = append(clauses, `r.is_completed = ?`)
		args = append(args, false)
	}
	if f.CategoryID != nil {
		clauses = append(clauses, `r.category_id = ?`)
		args = append(args, *f.CategoryID)
	}
	if f.CreatedAfter != nil {
		clauses = append(clauses, `r.created_at > ?`)
		args = append(args, f.CreatedAfter.UnixMicro())
	}
	if f.AsOf != nil {
		at := f.AsOf.CreatedAt.UnixMicro()
		clauses = append(clauses, `(r.created_at < ? OR (r.created_at = ? AND r.id <= ?))`)
		args = append(args, at, at, f.AsOf.ID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// loadAssignees fills AssignedTo for each report with one query.
func (s *Store) loadAssignees(ctx context.Context, q querier, reports []*types.Report) error {
	if len(reports) == 0 {
		return nil
	}
	byID := make(map[int64]*types.Report, len(reports))
	placeholders := make([]string, 0, len(reports))
	args := make([]interface{}, 0, len(reports))
	for _, r := range reports {
		r.AssignedTo = []int64{}
		byID[r.ID] = r
		placeholders = append(placeholders, "?")
		args = append(args, r.ID)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT report_id, identity_id FROM report_assignees WHERE report_id IN (`+
			strings.Join(placeholders, ", ")+`) ORDER BY report_id, identity_id`, args...)
	if err != nil {
		return s.wrapDBError("load assignees", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var reportID, identityID int64
		if err := rows.Scan(&reportID, &identityID); err != nil {
			return s.wrapDBError("scan assignee", err)
		}
		if r, ok := byID[reportID]; ok {
			r.AssignedTo = append(r.AssignedTo, identityID)
		}
	}
	return s.wrapDBError("load assignees", rows.Err())
}

func scanReport(row rowScanner) (*types.Report, error) {
	var (
		r           types.Report
		cat         types.Category
		createdAt   int64
		reportedBy  sql.NullInt64
		completedBy sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Latitude, &r.Longitude, &r.Description, &r.CategoryID, &cat.Name,
		&createdAt, &reportedBy, &r.IsApproved, &r.Image, &r.IsCompleted,
		&r.CompletionImage, &completedBy, &r.PhoneNumber)
	if err != nil {
		return nil, err
	}
	cat.ID = r.CategoryID
	r.Category = &cat
	r.CreatedAt = fromMicros(createdAt)
	r.ReportedBy = idPtr(reportedBy)
	r.CompletedBy = idPtr(completedBy)
	return &r, nil
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func idPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
