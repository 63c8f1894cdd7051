package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetherlabs/tether/internal/kv"
)

func TestIndexTouchCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	ms := int64(1000)
	ix := NewIndex(kv.NewMemory(), WithIndexClock(func() time.Time {
		return time.UnixMilli(ms)
	}))

	require.NoError(t, ix.Touch(ctx, "s1"))
	m, err := ix.Meta(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), m.CreatedAt)
	require.Equal(t, int64(1000), m.UpdatedAt)

	ms = 2000
	require.NoError(t, ix.Touch(ctx, "s1"))
	m, err = ix.Meta(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), m.CreatedAt)
	require.Equal(t, int64(2000), m.UpdatedAt)

	_, err = ix.Meta(ctx, "unknown")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIndexRejectsInvalidIDs(t *testing.T) {
	ix := NewIndex(kv.NewMemory())
	err := ix.Touch(context.Background(), "bad/id")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestIndexEnumeratesAcrossPages(t *testing.T) {
	ctx := context.Background()
	ix := NewIndex(kv.NewMemory())
	ix.pageSize = 3

	var want []string
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("s%d", i)
		require.NoError(t, ix.Touch(ctx, id))
		want = append(want, id)
	}

	got, err := ix.Sessions(ctx)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestIndexRemove(t *testing.T) {
	ctx := context.Background()
	ix := NewIndex(kv.NewMemory())

	require.NoError(t, ix.Touch(ctx, "s1"))
	require.NoError(t, ix.Touch(ctx, "s2"))
	require.NoError(t, ix.Remove(ctx, "s1"))

	_, err := ix.Meta(ctx, "s1")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := ix.Sessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s2"}, got)
}

func TestIndexSelfRepairsStaleEntries(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	ix := NewIndex(store)

	require.NoError(t, ix.Touch(ctx, "s1"))
	require.NoError(t, ix.Touch(ctx, "s2"))

	// Simulate a lost meta record.
	require.NoError(t, store.Remove(ctx, "session-index/index/meta/s1"))

	got, err := ix.Sessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s2"}, got)

	// The stale page entry was dropped, so the next listing is clean.
	got, err = ix.Sessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s2"}, got)
}
