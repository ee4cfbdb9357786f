package memory

import (
	"context"
	"sort"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// Verify memoryTx implements storage.Transaction at compile time
var _ storage.Transaction = (*memoryTx)(nil)

type memoryTx struct {
	data *dataset
}

// RunInTransaction holds the store mutex for the whole callback and applies
// its writes only when it returns nil. A panicking callback leaves the live
// data untouched and the panic propagates.
func (s *MemoryStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(&memoryTx{data: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (t *memoryTx) GetReport(ctx context.Context, id int64) (*types.Report, error) {
	return t.data.report(id)
}

func (t *memoryTx) GetIdentity(ctx context.Context, id int64) (*types.Identity, error) {
	return t.data.identity(id)
}

func (t *memoryTx) AddAssignee(ctx context.Context, reportID, identityID int64) error {
	r, ok := t.data.reports[reportID]
	if !ok {
		return types.NotFound("pollution", reportID)
	}
	if _, ok := t.data.identities[identityID]; !ok {
		return types.NotFound("identity", identityID)
	}
	if r.IsAssigned(identityID) {
		return nil
	}
	r.AssignedTo = append(r.AssignedTo, identityID)
	sort.Slice(r.AssignedTo, func(i, j int) bool { return r.AssignedTo[i] < r.AssignedTo[j] })
	return nil
}

func (t *memoryTx) RemoveAssignee(ctx context.Context, reportID, identityID int64) error {
	r, ok := t.data.reports[reportID]
	if !ok {
		return types.NotFound("pollution", reportID)
	}
	kept := r.AssignedTo[:0]
	for _, id := range r.AssignedTo {
		if id != identityID {
			kept = append(kept, id)
		}
	}
	r.AssignedTo = kept
	return nil
}

func (t *memoryTx) UpdateCompletion(ctx context.Context, report *types.Report) error {
	r, ok := t.data.reports[report.ID]
	if !ok {
		return types.NotFound("pollution", report.ID)
	}
	r.IsCompleted = report.IsCompleted
	r.IsApproved = report.IsApproved
	r.CompletionImage = report.CompletionImage
	if report.CompletedBy != nil {
		v := *report.CompletedBy
		r.CompletedBy = &v
	} else {
		r.CompletedBy = nil
	}
	return nil
}

func (t *memoryTx) IncrementCompletedCount(ctx context.Context, identityID int64) error {
	ident, ok := t.data.identities[identityID]
	if !ok {
		return types.NotFound("identity", identityID)
	}
	ident.CompletedCount++
	return nil
}
