package idempotency

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreReserve(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "idempotency.json")).
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) })

	fresh, err := store.Reserve(ctx, "rotate-tenant-alpha-001")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = store.Reserve(ctx, "rotate-tenant-alpha-001")
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, err = store.Reserve(ctx, "rotate-tenant-alpha-002")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestFileStoreReservationsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "idempotency.json")

	first := NewFileStore(path)
	fresh, err := first.Reserve(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	reopened := NewFileStore(path)
	fresh, err = reopened.Reserve(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestReserveRejectsEmptyKey(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "idempotency.json"))
	_, err := store.Reserve(context.Background(), "")
	require.Error(t, err)
}

func TestFileStoreReleaseAllowsRetry(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "idempotency.json"))

	fresh, err := store.Reserve(ctx, "rotate-tenant-alpha-001")
	require.NoError(t, err)
	require.True(t, fresh)

	require.NoError(t, store.Release(ctx, "rotate-tenant-alpha-001"))

	fresh, err = store.Reserve(ctx, "rotate-tenant-alpha-001")
	require.NoError(t, err)
	assert.True(t, fresh)

	// Other reservations are untouched by a release.
	fresh, err = store.Reserve(ctx, "rotate-tenant-alpha-002")
	require.NoError(t, err)
	require.True(t, fresh)
	require.NoError(t, store.Release(ctx, "rotate-tenant-alpha-001"))
	fresh, err = store.Reserve(ctx, "rotate-tenant-alpha-002")
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestFileStoreReleaseMissingKeyIsNoOp(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "idempotency.json"))
	require.NoError(t, store.Release(context.Background(), "never-reserved"))
}
