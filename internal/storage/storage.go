// Package storage defines the interface satisfied by every report store.
//
// Concrete backends live in sub-packages: memory (tests and demos), sqlite
// (default, single file), and dolt (embedded Dolt or a Dolt/MySQL server).
// Consumers depend on this interface so instrumented wrappers and fakes can
// be substituted.
package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// Storage is the persistent store for identities, categories, and reports.
type Storage interface {
	// Categories
	CreateCategory(ctx context.Context, name string) (*types.Category, error)
	GetCategory(ctx context.Context, id int64) (*types.Category, error)
	GetCategoryByName(ctx context.Context, name string) (*types.Category, error)
	ListCategories(ctx context.Context) ([]*types.Category, error)

	// Identities
	CreateIdentity(ctx context.Context, identity *types.Identity) error
	GetIdentity(ctx context.Context, id int64) (*types.Identity, error)
	GetIdentityByUsername(ctx context.Context, username string) (*types.Identity, error)
	GetIdentityByHandle(ctx context.Context, handle int64) (*types.Identity, error)
	SetRole(ctx context.Context, id int64, role types.Role) error
	// BindHandle clears handle from whichever identity holds it and binds
	// it to id, atomically.
	BindHandle(ctx context.Context, id int64, handle int64) error
	// ListReviewers returns superusers and review-capable identities that
	// have a bound handle, ordered by id.
	ListReviewers(ctx context.Context) ([]*types.Identity, error)

	// Reports
	CreateReport(ctx context.Context, report *types.Report) error
	GetReport(ctx context.Context, id int64) (*types.Report, error)
	ListReports(ctx context.Context, filter types.ReportFilter) ([]*types.Report, error)
	CountReports(ctx context.Context, filter types.ReportFilter) (int, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Transaction exposes the subset of operations the lifecycle engine needs
// for a read-check-write sequence.
//
// # Transaction Semantics
//
//   - GetReport locks the report row until commit (BEGIN IMMEDIATE on
//     sqlite, SELECT ... FOR UPDATE on Dolt/MySQL, a store-wide mutex in memory)
//   - If the callback returns an error or panics, nothing is applied
//   - On successful return from the callback, the transaction is committed
//
// # Example Usage
//
//	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
//	    r, err := tx.GetReport(ctx, id)
//	    if err != nil {
//	        return err // Triggers rollback
//	    }
//	    if !r.IsAssigned(actor.ID) {
//	        return types.InvalidState("not assigned")
//	    }
//	    return tx.RemoveAssignee(ctx, id, actor.ID)
//	})
type Transaction interface {
	GetReport(ctx context.Context, id int64) (*types.Report, error)
	GetIdentity(ctx context.Context, id int64) (*types.Identity, error)

	// AddAssignee is a no-op when the identity is already assigned.
	AddAssignee(ctx context.Context, reportID, identityID int64) error
	RemoveAssignee(ctx context.Context, reportID, identityID int64) error

	// UpdateCompletion writes is_completed, is_approved, completion_image,
	// and completed_by from the report.
	UpdateCompletion(ctx context.Context, report *types.Report) error

	IncrementCompletedCount(ctx context.Context, identityID int64) error
}

var lastStamp atomic.Int64

// NowMicros returns a creation timestamp at microsecond resolution, the
// precision every backend stores. Successive calls in one process are
// strictly increasing so the feed order never depends on the id tie-break
// for reports created by this process.
func NowMicros() time.Time {
	for {
		now := time.Now().UnixMicro()
		last := lastStamp.Load()
		if now <= last {
			now = last + 1
		}
		if lastStamp.CompareAndSwap(last, now) {
			return time.UnixMicro(now).UTC()
		}
	}
}
