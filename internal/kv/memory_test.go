package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryGetSetRemove(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Set(ctx, "a", []byte("one")))
	v, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), v)

	// Mutating the returned slice must not affect the stored value.
	v[0] = 'X'
	v2, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), v2)

	ok, err := m.Has(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.Remove(ctx, "a"))
	require.NoError(t, m.Remove(ctx, "a")) // idempotent

	empty, err := m.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)
}

func TestMemoryListPrefixAndPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, k := range []string{"chat/1", "chat/2", "chat/3", "art/1"} {
		require.NoError(t, m.Set(ctx, k, []byte("x")))
	}

	res, err := m.List(ctx, ListOptions{Prefix: "chat/"})
	require.NoError(t, err)
	require.Equal(t, []string{"chat/1", "chat/2", "chat/3"}, res.Keys)
	require.Empty(t, res.NextCursor)

	res, err = m.List(ctx, ListOptions{Prefix: "chat/", Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"chat/1", "chat/2"}, res.Keys)
	require.Equal(t, "chat/2", res.NextCursor)

	res, err = m.List(ctx, ListOptions{Prefix: "chat/", Cursor: res.NextCursor, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"chat/3"}, res.Keys)
	require.Empty(t, res.NextCursor)

	n, err := m.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, n)
}
