// Package lifecycle implements the pollution report state machine:
//
//	Open → Assigned → PendingApproval → Approved
//	                        │
//	                        └── reject ──→ Assigned
//
// Every operation checks the actor's capability, then runs its
// read-check-write inside one store transaction. Notifications and bus
// events are sent after commit on a background goroutine; their failures
// are logged and never undo the transition.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/caspianwatch/caspianwatch/internal/eventbus"
	"github.com/caspianwatch/caspianwatch/internal/logging"
	"github.com/caspianwatch/caspianwatch/internal/notification"
	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/telemetry"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

const tracerName = "github.com/caspianwatch/caspianwatch/lifecycle"

// DefaultNotifyTimeout bounds one post-commit notification round.
const DefaultNotifyTimeout = 10 * time.Second

// Policy holds the configurable authorization rules.
type Policy struct {
	// RestrictReview limits approve and reject to identities holding
	// CapReview. When false any authenticated identity may review.
	RestrictReview bool
}

// DefaultPolicy restricts review to managers, admins, and superusers.
func DefaultPolicy() Policy {
	return Policy{RestrictReview: true}
}

// EventPublisher receives a copy of every committed transition.
type EventPublisher interface {
	Dispatch(ctx context.Context, event *eventbus.Event) error
}

// Engine runs lifecycle operations against a store.
type Engine struct {
	store         storage.Storage
	notifier      notification.Notifier
	events        EventPublisher
	logger        *log.Logger
	notifyTimeout time.Duration
	tracer        trace.Tracer

	policy atomic.Pointer[Policy]
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the notification sink. The default discards notices.
func WithNotifier(n notification.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithPublisher sets the event bus.
func WithPublisher(p EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithPolicy sets the initial policy.
func WithPolicy(p Policy) Option {
	return func(e *Engine) { e.policy.Store(&p) }
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNotifyTimeout bounds each post-commit notification round.
func WithNotifyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.notifyTimeout = d }
}

// New returns an engine over store.
func New(store storage.Storage, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		notifier:      notification.Nop,
		logger:        logging.Default(),
		notifyTimeout: DefaultNotifyTimeout,
		tracer:        telemetry.Tracer(tracerName),
	}
	p := DefaultPolicy()
	e.policy.Store(&p)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// SetPolicy replaces the policy; in-flight operations keep the old one.
func (e *Engine) SetPolicy(p Policy) {
	e.policy.Store(&p)
}

// Wait blocks until all post-commit work started so far has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ── Operations ──────────────────────────────────────────────────────────────

// Assign adds the actor to the report's assignees. Assigning twice is a
// no-op.
func (e *Engine) Assign(ctx context.Context, reportID int64, actor *types.Identity) (report *types.Report, err error) {
	ctx, span := e.start(ctx, "assign", reportID, actor)
	defer func() { e.end(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !actor.Can(types.CapAssign) {
		return nil, types.Forbidden(types.CapAssign)
	}

	var added bool
	err = e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if r.IsAssigned(actor.ID) {
			report = r
			return nil
		}
		if err := tx.AddAssignee(ctx, reportID, actor.ID); err != nil {
			return err
		}
		added = true
		report, err = tx.GetReport(ctx, reportID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if added {
		e.afterCommit(ctx, nil, e.event(eventbus.EventReportAssigned, report, actor))
	}
	return report, nil
}

// Unassign removes the actor from the report's assignees. Only a current
// assignee holding CapUnassign may unassign, and only themselves.
func (e *Engine) Unassign(ctx context.Context, reportID int64, actor *types.Identity) (report *types.Report, err error) {
	ctx, span := e.start(ctx, "unassign", reportID, actor)
	defer func() { e.end(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !actor.Can(types.CapUnassign) {
		return nil, types.Forbidden(types.CapUnassign)
	}

	err = e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if !r.IsAssigned(actor.ID) {
			return types.InvalidState("you are not assigned to this pollution")
		}
		if err := tx.RemoveAssignee(ctx, reportID, actor.ID); err != nil {
			return err
		}
		report, err = tx.GetReport(ctx, reportID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.afterCommit(ctx, nil, e.event(eventbus.EventReportUnassigned, report, actor))
	return report, nil
}

// Complete marks the report done by the actor with a photo of the cleaned
// site. Reviewers with a bound handle are notified after commit.
func (e *Engine) Complete(ctx context.Context, reportID int64, actor *types.Identity, completionImage string) (report *types.Report, err error) {
	ctx, span := e.start(ctx, "complete", reportID, actor)
	defer func() { e.end(span, err) }()

	if err := requireActor(actor); err != nil {
		return nil, err
	}

	err = e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if !r.IsAssigned(actor.ID) {
			return types.InvalidState("you are not assigned to this pollution")
		}
		if r.IsCompleted {
			return types.InvalidState("pollution #%d is already completed", reportID)
		}
		if completionImage == "" {
			return types.NewValidationError("image", "a completion photo is required")
		}
		if !actor.Can(types.CapComplete) {
			return types.Forbidden(types.CapComplete)
		}

		by := actor.ID
		r.IsCompleted = true
		r.IsApproved = false
		r.CompletionImage = completionImage
		r.CompletedBy = &by
		if err := tx.UpdateCompletion(ctx, r); err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := e.event(eventbus.EventReportCompleted, report, actor)
	ev.HasPhoto = true
	e.afterCommit(ctx, func(ctx context.Context) (*notification.Notice, error) {
		reviewers, err := e.store.ListReviewers(ctx)
		if err != nil {
			return nil, err
		}
		return notification.BuildAdminNotice(report.ID, actor, true, reviewers), nil
	}, ev)
	return report, nil
}

// Approve confirms completed work and credits the completer once. Approving
// an approved report changes nothing.
func (e *Engine) Approve(ctx context.Context, reportID int64, reviewer *types.Identity) (report *types.Report, err error) {
	ctx, span := e.start(ctx, "approve", reportID, reviewer)
	defer func() { e.end(span, err) }()

	if err := e.checkReviewer(reviewer); err != nil {
		return nil, err
	}

	var (
		changed             bool
		completer, reporter *types.Identity
	)
	err = e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if r.IsApproved {
			report = r
			return nil
		}
		if !r.IsCompleted {
			return types.InvalidState("pollution #%d is not completed", reportID)
		}

		r.IsApproved = true
		if err := tx.UpdateCompletion(ctx, r); err != nil {
			return err
		}
		if r.CompletedBy != nil {
			if err := tx.IncrementCompletedCount(ctx, *r.CompletedBy); err != nil {
				return err
			}
			completer = lookup(ctx, tx, r.CompletedBy)
		}
		reporter = lookup(ctx, tx, r.ReportedBy)
		changed = true
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		e.logger.Debug("approve is a no-op", "report", reportID, "reviewer", reviewer.ID)
		return report, nil
	}

	ev := e.event(eventbus.EventReportApproved, report, reviewer)
	e.afterCommit(ctx, func(context.Context) (*notification.Notice, error) {
		return notification.BuildApprovalNotice(report.ID, reviewer, completer, reporter), nil
	}, ev)
	return report, nil
}

// Reject sends completed work back to the assignees. The completer's
// counter is never decremented and approved reports cannot be rejected.
func (e *Engine) Reject(ctx context.Context, reportID int64, reviewer *types.Identity) (report *types.Report, err error) {
	ctx, span := e.start(ctx, "reject", reportID, reviewer)
	defer func() { e.end(span, err) }()

	if err := e.checkReviewer(reviewer); err != nil {
		return nil, err
	}

	var (
		completedBy *int64
		completer   *types.Identity
	)
	err = e.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		r, err := tx.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if r.IsApproved {
			return types.InvalidState("pollution #%d is already approved", reportID)
		}
		if !r.IsCompleted {
			return types.InvalidState("pollution #%d is not completed", reportID)
		}

		completedBy = r.CompletedBy
		completer = lookup(ctx, tx, r.CompletedBy)
		r.IsCompleted = false
		r.IsApproved = false
		r.CompletionImage = ""
		r.CompletedBy = nil
		if err := tx.UpdateCompletion(ctx, r); err != nil {
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev := e.event(eventbus.EventReportRejected, report, reviewer)
	ev.CompletedBy = completedBy
	e.afterCommit(ctx, func(context.Context) (*notification.Notice, error) {
		return notification.BuildRejectionNotice(report.ID, reviewer, completer), nil
	}, ev)
	return report, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func requireActor(actor *types.Identity) error {
	if actor == nil || actor.ID == 0 {
		return types.ErrAuthenticationFailed
	}
	return nil
}

func (e *Engine) checkReviewer(reviewer *types.Identity) error {
	if err := requireActor(reviewer); err != nil {
		return err
	}
	if e.Policy().RestrictReview && !reviewer.Can(types.CapReview) {
		return types.Forbidden(types.CapReview)
	}
	return nil
}

// lookup loads an optional identity, returning nil when it is unset or gone.
func lookup(ctx context.Context, tx storage.Transaction, id *int64) *types.Identity {
	if id == nil {
		return nil
	}
	identity, err := tx.GetIdentity(ctx, *id)
	if err != nil {
		return nil
	}
	return identity
}

func (e *Engine) event(t eventbus.EventType, r *types.Report, actor *types.Identity) *eventbus.Event {
	ev := &eventbus.Event{
		Type:        t,
		ReportID:    r.ID,
		ReportedBy:  r.ReportedBy,
		CompletedBy: r.CompletedBy,
		HasPhoto:    r.CompletionImage != "",
		OccurredAt:  time.Now().UTC(),
	}
	if r.Category != nil {
		ev.Category = r.Category.Name
	}
	if actor != nil {
		ev.ActorID = actor.ID
		ev.ActorName = actor.DisplayName()
	}
	return ev
}

// afterCommit builds and delivers the notice (when build is non-nil) and
// publishes ev, detached from the caller's cancellation.
func (e *Engine) afterCommit(ctx context.Context, build func(context.Context) (*notification.Notice, error), ev *eventbus.Event) {
	ctx = context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, e.notifyTimeout)
		defer cancel()

		if build != nil {
			notice, err := build(ctx)
			if err == nil {
				err = e.notifier.Notify(ctx, notice)
			}
			if err != nil {
				e.logger.Warn("notification failed", "event", ev.Type, "report", ev.ReportID, "err", err)
			}
		}
		if e.events != nil {
			if err := e.events.Dispatch(ctx, ev); err != nil {
				e.logger.Warn("event publish failed", "event", ev.Type, "report", ev.ReportID, "err", err)
			}
		}
	}()
}

func reportIDAttr(id int64) attribute.KeyValue {
	return attribute.Int64("report.id", id)
}

func (e *Engine) start(ctx context.Context, op string, reportID int64, actor *types.Identity) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("lifecycle.operation", op),
	}
	if reportID != 0 {
		attrs = append(attrs, reportIDAttr(reportID))
	}
	if actor != nil {
		attrs = append(attrs, attribute.Int64("actor.id", actor.ID), attribute.String("actor.role", string(actor.Role)))
	}
	return e.tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
}

func (e *Engine) end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		// Client-caused failures are expected outcomes, not span errors.
		if !isClientError(err) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func isClientError(err error) bool {
	for _, target := range []error{
		types.ErrNotFound, types.ErrForbidden, types.ErrAuthenticationFailed,
		types.ErrValidation, types.ErrInvalidState, types.ErrConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
