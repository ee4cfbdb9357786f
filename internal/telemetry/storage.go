package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

const storageScopeName = "github.com/caspianwatch/caspianwatch/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in cw.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStorage struct {
	inner       storage.Storage
	tracer      trace.Tracer
	ops         metric.Int64Counter
	dur         metric.Float64Histogram
	errs        metric.Int64Counter
	reportGauge metric.Int64Gauge
}

// Verify InstrumentedStorage implements storage.Storage at compile time
var _ storage.Storage = (*InstrumentedStorage)(nil)

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	return newInstrumented(s)
}

func newInstrumented(s storage.Storage) *InstrumentedStorage {
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("cw.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("cw.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("cw.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	reportGauge, _ := m.Int64Gauge("cw.report.count",
		metric.WithDescription("Reports matching the last unfiltered or open-only count"),
	)
	return &InstrumentedStorage{
		inner:       s,
		tracer:      Tracer(storageScopeName),
		ops:         ops,
		dur:         dur,
		errs:        errs,
		reportGauge: reportGauge,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Categories ──────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateCategory(ctx context.Context, name string) (*types.Category, error) {
	ctx, span, t := s.op(ctx, "CreateCategory")
	v, err := s.inner.CreateCategory(ctx, name)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetCategory(ctx context.Context, id int64) (*types.Category, error) {
	attrs := []attribute.KeyValue{attribute.Int64("cw.category.id", id)}
	ctx, span, t := s.op(ctx, "GetCategory", attrs...)
	v, err := s.inner.GetCategory(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetCategoryByName(ctx context.Context, name string) (*types.Category, error) {
	ctx, span, t := s.op(ctx, "GetCategoryByName")
	v, err := s.inner.GetCategoryByName(ctx, name)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListCategories(ctx context.Context) ([]*types.Category, error) {
	ctx, span, t := s.op(ctx, "ListCategories")
	v, err := s.inner.ListCategories(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Identities ──────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateIdentity(ctx context.Context, identity *types.Identity) error {
	attrs := []attribute.KeyValue{attribute.String("cw.role", string(identity.Role))}
	ctx, span, t := s.op(ctx, "CreateIdentity", attrs...)
	err := s.inner.CreateIdentity(ctx, identity)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetIdentity(ctx context.Context, id int64) (*types.Identity, error) {
	attrs := []attribute.KeyValue{attribute.Int64("cw.identity.id", id)}
	ctx, span, t := s.op(ctx, "GetIdentity", attrs...)
	v, err := s.inner.GetIdentity(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetIdentityByUsername(ctx context.Context, username string) (*types.Identity, error) {
	ctx, span, t := s.op(ctx, "GetIdentityByUsername")
	v, err := s.inner.GetIdentityByUsername(ctx, username)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) GetIdentityByHandle(ctx context.Context, handle int64) (*types.Identity, error) {
	ctx, span, t := s.op(ctx, "GetIdentityByHandle")
	v, err := s.inner.GetIdentityByHandle(ctx, handle)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) SetRole(ctx context.Context, id int64, role types.Role) error {
	attrs := []attribute.KeyValue{
		attribute.Int64("cw.identity.id", id),
		attribute.String("cw.role", string(role)),
	}
	ctx, span, t := s.op(ctx, "SetRole", attrs...)
	err := s.inner.SetRole(ctx, id, role)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) BindHandle(ctx context.Context, id int64, handle int64) error {
	attrs := []attribute.KeyValue{attribute.Int64("cw.identity.id", id)}
	ctx, span, t := s.op(ctx, "BindHandle", attrs...)
	err := s.inner.BindHandle(ctx, id, handle)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListReviewers(ctx context.Context) ([]*types.Identity, error) {
	ctx, span, t := s.op(ctx, "ListReviewers")
	v, err := s.inner.ListReviewers(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Reports ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateReport(ctx context.Context, report *types.Report) error {
	attrs := []attribute.KeyValue{attribute.Int64("cw.category.id", report.CategoryID)}
	ctx, span, t := s.op(ctx, "CreateReport", attrs...)
	err := s.inner.CreateReport(ctx, report)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetReport(ctx context.Context, id int64) (*types.Report, error) {
	attrs := []attribute.KeyValue{attribute.Int64("cw.report.id", id)}
	ctx, span, t := s.op(ctx, "GetReport", attrs...)
	v, err := s.inner.GetReport(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) ListReports(ctx context.Context, filter types.ReportFilter) ([]*types.Report, error) {
	attrs := filterAttrs(filter)
	ctx, span, t := s.op(ctx, "ListReports", attrs...)
	v, err := s.inner.ListReports(ctx, filter)
	if err == nil {
		span.SetAttributes(attribute.Int("cw.result.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) CountReports(ctx context.Context, filter types.ReportFilter) (int, error) {
	attrs := filterAttrs(filter)
	ctx, span, t := s.op(ctx, "CountReports", attrs...)
	v, err := s.inner.CountReports(ctx, filter)
	if err == nil && filter.AssignedTo == nil && filter.CategoryID == nil && filter.CreatedAfter == nil {
		scope := "all"
		if filter.ExcludeCompleted {
			scope = "open"
		}
		s.reportGauge.Record(ctx, int64(v), metric.WithAttributes(attribute.String("scope", scope)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func filterAttrs(f types.ReportFilter) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Bool("cw.filter.assigned", f.AssignedTo != nil),
		attribute.Bool("cw.filter.exclude_completed", f.ExcludeCompleted),
	}
	if f.Limit > 0 {
		attrs = append(attrs, attribute.Int("cw.filter.limit", f.Limit))
	}
	return attrs
}

// ── Transactions ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

// ── Lifecycle ───────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span, t := s.op(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

// Unwrap returns the underlying store.
func (s *InstrumentedStorage) Unwrap() storage.Storage {
	return s.inner
}
