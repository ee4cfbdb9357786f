package sqlbase

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// Verify sqlTx implements storage.Transaction at compile time
var _ storage.Transaction = (*sqlTx)(nil)

// sqlTx implements storage.Transaction on an open write transaction.
type sqlTx struct {
	tx     Tx
	parent *Store
}

// RunInTransaction executes fn within a database transaction.
//
// Transaction lifecycle:
//  1. Begin a serializing write transaction (dialect specific)
//  2. Execute fn with the Transaction interface
//  3. On success: COMMIT, then the after-commit hook
//  4. On error or panic: ROLLBACK
//
// Panic safety: if fn panics, the transaction is rolled back and the panic
// is re-raised to the caller.
//
// When the dialect implements SerializationRetrier, a transaction aborted
// by a conflicting writer is re-run from the start a few times, so fn must
// not have effects outside the transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	r, ok := s.dialect.(SerializationRetrier)
	if !ok {
		return s.runInTransaction(ctx, fn)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	op := func() error {
		err := s.runInTransaction(ctx, fn)
		if err != nil && !r.IsSerializationFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 5), ctx))
}

func (s *Store) runInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	tx, err := s.dialect.Begin(ctx, s.db)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			// Rollback happens via the committed=false check above
			panic(r)
		}
	}()

	if err := fn(&sqlTx{tx: tx, parent: s}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true

	if s.afterCommit != nil {
		s.afterCommit(ctx, "lifecycle")
	}
	return nil
}

// GetReport reads the report and locks its row until the transaction ends.
func (t *sqlTx) GetReport(ctx context.Context, id int64) (*types.Report, error) {
	return t.parent.getReport(ctx, t.tx, id, t.parent.dialect.LockSuffix())
}

func (t *sqlTx) GetIdentity(ctx context.Context, id int64) (*types.Identity, error) {
	return getIdentity(ctx, t.parent, t.tx, id)
}

func (t *sqlTx) AddAssignee(ctx context.Context, reportID, identityID int64) error {
	_, err := t.tx.ExecContext(ctx,
		t.parent.dialect.InsertIgnore()+` report_assignees (report_id, identity_id) VALUES (?, ?)`,
		reportID, identityID)
	return t.parent.wrapDBErrorf(err, "assign identity %d to report %d", identityID, reportID)
}

func (t *sqlTx) RemoveAssignee(ctx context.Context, reportID, identityID int64) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM report_assignees WHERE report_id = ? AND identity_id = ?`, reportID, identityID)
	return t.parent.wrapDBErrorf(err, "unassign identity %d from report %d", identityID, reportID)
}

func (t *sqlTx) UpdateCompletion(ctx context.Context, r *types.Report) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE reports SET is_completed = ?, is_approved = ?, completion_image = ?, completed_by = ?
		WHERE id = ?`,
		r.IsCompleted, r.IsApproved, r.CompletionImage, nullID(r.CompletedBy), r.ID)
	return t.parent.wrapDBErrorf(err, "update completion of report %d", r.ID)
}

func (t *sqlTx) IncrementCompletedCount(ctx context.Context, identityID int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE identities SET completed_count = completed_count + 1 WHERE id = ?`, identityID)
	return t.parent.wrapDBErrorf(err, "increment completed count of identity %d", identityID)
}
