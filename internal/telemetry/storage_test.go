package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspianwatch/caspianwatch/internal/storage"
	"github.com/caspianwatch/caspianwatch/internal/storage/memory"
	"github.com/caspianwatch/caspianwatch/internal/storage/storagetest"
	"github.com/caspianwatch/caspianwatch/internal/types"
)

func TestWrapStorageDisabledReturnsInner(t *testing.T) {
	t.Setenv("CW_OTEL_ENABLED", "")
	inner := memory.New()
	assert.Same(t, storage.Storage(inner), WrapStorage(inner))
}

func TestWrapStorageEnabled(t *testing.T) {
	t.Setenv("CW_OTEL_ENABLED", "true")
	inner := memory.New()
	wrapped := WrapStorage(inner)

	inst, ok := wrapped.(*InstrumentedStorage)
	require.True(t, ok, "expected *InstrumentedStorage, got %T", wrapped)
	assert.Same(t, storage.Storage(inner), inst.Unwrap())
}

// The wrapper must be transparent, so it passes the backend suite.
func TestInstrumentedConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		return newInstrumented(memory.New())
	})
}

func TestInstrumentedPropagatesErrors(t *testing.T) {
	s := newInstrumented(memory.New())
	ctx := context.Background()

	_, err := s.GetReport(ctx, 1)
	assert.ErrorIs(t, err, types.ErrNotFound)

	boom := errors.New("boom")
	err = s.RunInTransaction(ctx, func(tx storage.Transaction) error { return boom })
	assert.ErrorIs(t, err, boom)
}
