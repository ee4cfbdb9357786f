// Package storagetest is a conformance suite run against every storage
// backend so memory, sqlite, and dolt behave identically.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes every conformance test against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"CategoryCRUD", testCategoryCRUD},
		{"IdentityCRUD", testIdentityCRUD},
		{"BindHandleMovesHandle", testBindHandleMovesHandle},
		{"ListReviewers", testListReviewers},
		{"CreateAndGetReport", testCreateAndGetReport},
		{"CreateReportUnknownCategory", testCreateReportUnknownCategory},
		{"FeedOrderAndPaging", testFeedOrderAndPaging},
		{"FeedAsOf", testFeedAsOf},
		{"AssignedFilter", testAssignedFilter},
		{"AddAssigneeIdempotent", testAddAssigneeIdempotent},
		{"TransactionRollback", testTransactionRollback},
		{"CompletionRoundTrip", testCompletionRoundTrip},
		{"ConcurrentIncrements", testConcurrentIncrements},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// Seed creates a category, an identity, and n reports; it returns them in
// creation order.
func Seed(t *testing.T, s storage.Storage, n int) (*types.Category, *types.Identity, []*types.Report) {
	t.Helper()
	ctx := context.Background()

	cat, err := s.CreateCategory(ctx, "Debris")
	require.NoError(t, err)

	ident := &types.Identity{Username: "volunteer", Role: types.RoleVolunteer}
	require.NoError(t, s.CreateIdentity(ctx, ident))

	reports := make([]*types.Report, 0, n)
	for i := 0; i < n; i++ {
		r := &types.Report{
			Latitude:    42.98,
			Longitude:   47.50,
			Description: fmt.Sprintf("report %d", i),
			CategoryID:  cat.ID,
			Image:       fmt.Sprintf("img-%d.jpg", i),
		}
		require.NoError(t, s.CreateReport(ctx, r))
		reports = append(reports, r)
	}
	return cat, ident, reports
}

func testCategoryCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	oil, err := s.CreateCategory(ctx, "Нефтяные отходы")
	require.NoError(t, err)
	trash, err := s.CreateCategory(ctx, "Мусор")
	require.NoError(t, err)
	assert.NotEqual(t, oil.ID, trash.ID)

	_, err = s.CreateCategory(ctx, "Мусор")
	assert.ErrorIs(t, err, types.ErrConflict)

	got, err := s.GetCategoryByName(ctx, "Мусор")
	require.NoError(t, err)
	assert.Equal(t, trash.ID, got.ID)

	_, err = s.GetCategory(ctx, 9999)
	assert.ErrorIs(t, err, types.ErrNotFound)

	all, err := s.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, oil.ID, all[0].ID)
}

func testIdentityCRUD(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	handle := int64(1001)

	ident := &types.Identity{Username: "marat", FirstName: "Marat", PasswordHash: "x", TelegramID: &handle}
	require.NoError(t, s.CreateIdentity(ctx, ident))
	require.NotZero(t, ident.ID)

	err := s.CreateIdentity(ctx, &types.Identity{Username: "marat"})
	assert.ErrorIs(t, err, types.ErrConflict)

	byName, err := s.GetIdentityByUsername(ctx, "marat")
	require.NoError(t, err)
	assert.Equal(t, ident.ID, byName.ID)
	assert.Equal(t, "x", byName.PasswordHash)

	byHandle, err := s.GetIdentityByHandle(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, byHandle.ID)

	_, err = s.GetIdentityByHandle(ctx, 4242)
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, s.SetRole(ctx, ident.ID, types.RoleManager))
	got, err := s.GetIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RoleManager, got.Role)

	assert.ErrorIs(t, s.SetRole(ctx, 9999, types.RoleAdmin), types.ErrNotFound)
}

func testBindHandleMovesHandle(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	handle := int64(777)

	a := &types.Identity{Username: "a", TelegramID: &handle}
	b := &types.Identity{Username: "b"}
	require.NoError(t, s.CreateIdentity(ctx, a))
	require.NoError(t, s.CreateIdentity(ctx, b))

	require.NoError(t, s.BindHandle(ctx, b.ID, handle))

	gotA, err := s.GetIdentity(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, gotA.TelegramID, "previous holder must lose the handle")

	gotB, err := s.GetIdentity(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, gotB.TelegramID)
	assert.Equal(t, handle, *gotB.TelegramID)

	holder, err := s.GetIdentityByHandle(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, b.ID, holder.ID)

	// Rebinding to the current holder is a no-op.
	require.NoError(t, s.BindHandle(ctx, b.ID, handle))

	assert.ErrorIs(t, s.BindHandle(ctx, 9999, handle), types.ErrNotFound)
}

func testListReviewers(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	h := func(v int64) *int64 { return &v }

	for _, ident := range []*types.Identity{
		{Username: "root", IsSuperuser: true, TelegramID: h(1)},
		{Username: "mgr", Role: types.RoleManager, TelegramID: h(2)},
		{Username: "adm-nohandle", Role: types.RoleAdmin},
		{Username: "vol", Role: types.RoleVolunteer, TelegramID: h(3)},
		{Username: "adm", Role: types.RoleAdmin, TelegramID: h(4)},
		{Username: "staff", IsStaff: true, TelegramID: h(5)},
		{Username: "staff-nohandle", IsStaff: true},
	} {
		require.NoError(t, s.CreateIdentity(ctx, ident))
	}

	reviewers, err := s.ListReviewers(ctx)
	require.NoError(t, err)
	var names []string
	for _, r := range reviewers {
		names = append(names, r.Username)
	}
	assert.Equal(t, []string{"root", "mgr", "adm", "staff"}, names)
}

func testCreateAndGetReport(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	cat, ident, _ := Seed(t, s, 0)

	r := &types.Report{
		Latitude:    43.12,
		Longitude:   51.65,
		Description: "Dead seal on the shore",
		CategoryID:  cat.ID,
		ReportedBy:  &ident.ID,
		Image:       "seal.jpg",
		PhoneNumber: "+77010000000",
	}
	require.NoError(t, s.CreateReport(ctx, r))
	require.NotZero(t, r.ID)
	require.False(t, r.CreatedAt.IsZero())

	got, err := s.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Description, got.Description)
	assert.Equal(t, r.CreatedAt.UnixMicro(), got.CreatedAt.UnixMicro())
	require.NotNil(t, got.Category)
	assert.Equal(t, "Debris", got.Category.Name)
	require.NotNil(t, got.ReportedBy)
	assert.Equal(t, ident.ID, *got.ReportedBy)
	assert.Empty(t, got.AssignedTo)
	assert.False(t, got.IsCompleted)
	assert.False(t, got.IsApproved)
	assert.Equal(t, "+77010000000", got.PhoneNumber)

	_, err = s.GetReport(ctx, 9999)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testCreateReportUnknownCategory(t *testing.T, s storage.Storage) {
	err := s.CreateReport(context.Background(), &types.Report{
		Latitude: 1, Longitude: 1, Description: "x", CategoryID: 42, Image: "i.jpg",
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testFeedOrderAndPaging(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_, _, created := Seed(t, s, 7)

	all, err := s.ListReports(ctx, types.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, all, 7)
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].CreatedAt.After(all[i].CreatedAt),
			"feed must be strictly newest first at %d", i)
	}
	assert.Equal(t, created[len(created)-1].ID, all[0].ID)

	n, err := s.CountReports(ctx, types.ReportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	const size = 3
	var paged []*types.Report
	seen := map[int64]bool{}
	for offset := 0; offset < 7; offset += size {
		page, err := s.ListReports(ctx, types.ReportFilter{Offset: offset, Limit: size})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page), size)
		for _, r := range page {
			assert.False(t, seen[r.ID], "report %d appears on two pages", r.ID)
			seen[r.ID] = true
		}
		paged = append(paged, page...)
	}
	require.Len(t, paged, len(all))
	for i := range all {
		assert.Equal(t, all[i].ID, paged[i].ID)
	}

	beyond, err := s.ListReports(ctx, types.ReportFilter{Offset: 100, Limit: size})
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func testFeedAsOf(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	cat, _, _ := Seed(t, s, 6)

	all, err := s.ListReports(ctx, types.ReportFilter{})
	require.NoError(t, err)
	require.Len(t, all, 6)
	pos := &types.FeedPosition{CreatedAt: all[2].CreatedAt, ID: all[2].ID}

	late := &types.Report{Latitude: 1, Longitude: 1, Description: "late", CategoryID: cat.ID, Image: "late.jpg"}
	require.NoError(t, s.CreateReport(ctx, late))

	got, err := s.ListReports(ctx, types.ReportFilter{AsOf: pos})
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, r := range got {
		assert.Equal(t, all[i+2].ID, r.ID)
	}

	n, err := s.CountReports(ctx, types.ReportFilter{AsOf: pos})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	page, err := s.ListReports(ctx, types.ReportFilter{AsOf: pos, Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[3].ID, page[0].ID)
	assert.Equal(t, all[4].ID, page[1].ID)
}

func testAssignedFilter(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_, ident, reports := Seed(t, s, 4)

	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, r := range reports[:3] {
			if err := tx.AddAssignee(ctx, r.ID, ident.ID); err != nil {
				return err
			}
		}
		done, err := tx.GetReport(ctx, reports[0].ID)
		if err != nil {
			return err
		}
		done.IsCompleted = true
		done.CompletionImage = "done.jpg"
		done.CompletedBy = &ident.ID
		return tx.UpdateCompletion(ctx, done)
	})
	require.NoError(t, err)

	filter := types.ReportFilter{AssignedTo: &ident.ID, ExcludeCompleted: true}
	mine, err := s.ListReports(ctx, filter)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, reports[2].ID, mine[0].ID)
	assert.Equal(t, reports[1].ID, mine[1].ID)

	n, err := s.CountReports(ctx, filter)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func testAddAssigneeIdempotent(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_, ident, reports := Seed(t, s, 1)
	id := reports[0].ID

	for i := 0; i < 2; i++ {
		require.NoError(t, s.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.AddAssignee(ctx, id, ident.ID)
		}))
	}
	got, err := s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int64{ident.ID}, got.AssignedTo)

	require.NoError(t, s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.RemoveAssignee(ctx, id, ident.ID)
	}))
	got, err = s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.AssignedTo)
}

func testTransactionRollback(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_, ident, reports := Seed(t, s, 1)
	id := reports[0].ID
	boom := errors.New("boom")

	err := s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.AddAssignee(ctx, id, ident.ID); err != nil {
			return err
		}
		if err := tx.IncrementCompletedCount(ctx, ident.ID); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.AssignedTo, "rolled back assignment must not persist")

	who, err := s.GetIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.Zero(t, who.CompletedCount)

	assert.Panics(t, func() {
		_ = s.RunInTransaction(ctx, func(tx storage.Transaction) error {
			_ = tx.AddAssignee(ctx, id, ident.ID)
			panic("callback panic")
		})
	})
	got, err = s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, got.AssignedTo, "panicking transaction must not persist")
}

func testCompletionRoundTrip(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_, ident, reports := Seed(t, s, 1)
	id := reports[0].ID

	require.NoError(t, s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		r, err := tx.GetReport(ctx, id)
		if err != nil {
			return err
		}
		r.IsCompleted = true
		r.IsApproved = true
		r.CompletionImage = "after.jpg"
		r.CompletedBy = &ident.ID
		return tx.UpdateCompletion(ctx, r)
	}))

	got, err := s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.IsCompleted)
	assert.True(t, got.IsApproved)
	assert.Equal(t, "after.jpg", got.CompletionImage)
	require.NotNil(t, got.CompletedBy)
	assert.Equal(t, ident.ID, *got.CompletedBy)

	require.NoError(t, s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		r, err := tx.GetReport(ctx, id)
		if err != nil {
			return err
		}
		r.IsCompleted, r.IsApproved, r.CompletionImage, r.CompletedBy = false, false, "", nil
		return tx.UpdateCompletion(ctx, r)
	}))
	got, err = s.GetReport(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.IsCompleted)
	assert.Empty(t, got.CompletionImage)
	assert.Nil(t, got.CompletedBy)
}

func testConcurrentIncrements(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	_, ident, _ := Seed(t, s, 0)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.RunInTransaction(ctx, func(tx storage.Transaction) error {
				return tx.IncrementCompletedCount(ctx, ident.ID)
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.GetIdentity(ctx, ident.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, got.CompletedCount)
}
