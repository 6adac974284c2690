package docstore

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&DocLock{}, &DocCounter{}))
	return New(db)
}

func TestTryAcquireIsExclusive(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ok, err := store.TryAcquire(ctx, "order:1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second caller observes the flag already set and backs off.
	ok, err = store.TryAcquire(ctx, "order:1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Release(ctx, "order:1"))

	ok, err = store.TryAcquire(ctx, "order:1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquireIndependentResources(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	ok, err := store.TryAcquire(ctx, "order:1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TryAcquire(ctx, "order:2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReserveReturnsContiguousRanges(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	start, err := store.Reserve(ctx, "org:9:correlation", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)

	start, err = store.Reserve(ctx, "org:9:correlation", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), start)

	next, err := store.Next(ctx, "org:9:correlation")
	require.NoError(t, err)
	assert.Equal(t, int64(5), next)
}

func TestRollbackReturnsReservation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Reserve(ctx, "org:9:correlation", 4)
	require.NoError(t, err)

	require.NoError(t, store.Rollback(ctx, "org:9:correlation", 4))

	start, err := store.Next(ctx, "org:9:correlation")
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
}
