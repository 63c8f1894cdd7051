package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetherlabs/tether/internal/kv"
)

func openTestJournal(t *testing.T, store kv.Store, opts ...Option) *Journal {
	t.Helper()
	j, err := Open(context.Background(), store, "testdomain", opts...)
	require.NoError(t, err)
	return j
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory())

	var prev ID
	for i := 0; i < 100; i++ {
		e, err := j.Append(ctx, "ev", fmt.Sprintf("k%d", i), []byte("p"))
		require.NoError(t, err)
		require.True(t, prev.Less(e.ID))
		prev = e.ID
	}

	entries := j.Entries()
	require.Len(t, entries, 100)
	for i := 1; i < len(entries); i++ {
		require.True(t, entries[i-1].ID.Less(entries[i].ID))
		require.Less(t, entries[i-1].Seq, entries[i].Seq)
	}
}

func TestReopenReplaysPersistedState(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	j := openTestJournal(t, store)

	e1, err := j.Append(ctx, "ev", "a", []byte("one"))
	require.NoError(t, err)
	_, err = j.Append(ctx, "ev", "b", []byte("two"))
	require.NoError(t, err)

	j2 := openTestJournal(t, store)
	entries := j2.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, e1.ID, entries[0].ID)
	require.Equal(t, []byte("one"), entries[0].Payload)

	// New appends after reopen keep ids strictly increasing.
	e3, err := j2.Append(ctx, "ev", "c", []byte("three"))
	require.NoError(t, err)
	require.True(t, entries[1].ID.Less(e3.ID))
}

func TestReopenRepairsMissingPayload(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	j := openTestJournal(t, store)

	e1, err := j.Append(ctx, "ev", "a", []byte("one"))
	require.NoError(t, err)
	_, err = j.Append(ctx, "ev", "b", []byte("two"))
	require.NoError(t, err)

	// Simulate a lost payload write.
	require.NoError(t, store.Remove(ctx, "testdomain/event-journal/entry/"+e1.ID.String()))

	j2 := openTestJournal(t, store)
	entries := j2.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "b", entries[0].PrimaryKey)
	_, ok := j2.Current("a")
	require.False(t, ok)
}

func TestAppendCompensatesPartialWrite(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Memory: kv.NewMemory()}
	j, err := Open(ctx, store, "testdomain")
	require.NoError(t, err)

	store.failManifest = true
	_, err = j.Append(ctx, "ev", "a", []byte("one"))
	require.Error(t, err)

	// The orphaned entry payload was removed and nothing is visible.
	require.Empty(t, j.Entries())
	store.failManifest = false
	n, err := store.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConflictResolutionLastWriteWins(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory())

	newer := Entry{ID: ID{Millis: 200}, Event: "ev", PrimaryKey: "k", Payload: []byte("new"), Seq: 1}
	older := Entry{ID: ID{Millis: 100}, Event: "ev", PrimaryKey: "k", Payload: []byte("old"), Seq: 2}

	// Descending id order: the larger id must still win.
	require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{newer}))
	require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{older}))

	entries := j.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, newer.ID, entries[0].ID)
	require.Equal(t, []byte("new"), entries[0].Payload)
}

func TestConflictResolutionFirstWriteWins(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory(), WithPolicy(FirstWriteWins))

	newer := Entry{ID: ID{Millis: 200}, Event: "ev", PrimaryKey: "k", Payload: []byte("new"), Seq: 1}
	older := Entry{ID: ID{Millis: 100}, Event: "ev", PrimaryKey: "k", Payload: []byte("old"), Seq: 2}

	require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{newer}))
	require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{older}))

	entries := j.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, older.ID, entries[0].ID)
}

func TestRejectPolicyFailsBatchWithoutMutation(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory(), WithPolicy(Reject))

	first := Entry{ID: ID{Millis: 100}, Event: "ev", PrimaryKey: "k", Payload: []byte("a"), Seq: 1}
	require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{first}))

	collide := Entry{ID: ID{Millis: 200}, Event: "ev", PrimaryKey: "k", Payload: []byte("b"), Seq: 2}
	fresh := Entry{ID: ID{Millis: 300}, Event: "ev", PrimaryKey: "other", Payload: []byte("c"), Seq: 3}
	err := j.WriteFromRemote(ctx, "r1", []Entry{fresh, collide})
	require.ErrorIs(t, err, ErrConflictRejected)

	// Atomic rejection: the non-colliding entry was not applied either.
	require.Len(t, j.Entries(), 1)
}

func TestLastWriteWinsConvergesUnderPermutation(t *testing.T) {
	ctx := context.Background()

	entries := []Entry{
		{ID: ID{Millis: 100}, Event: "ev", PrimaryKey: "k", Payload: []byte("v1"), Seq: 1},
		{ID: ID{Millis: 200}, Event: "ev", PrimaryKey: "k", Payload: []byte("v2"), Seq: 2},
		{ID: ID{Millis: 300}, Event: "ev", PrimaryKey: "j", Payload: []byte("v3"), Seq: 3},
		{ID: ID{Millis: 400}, Event: "ev", PrimaryKey: "k", Payload: []byte("v4"), Seq: 4},
	}
	perms := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}

	var reference []Entry
	for i, perm := range perms {
		j := openTestJournal(t, kv.NewMemory())
		for _, idx := range perm {
			require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{entries[idx]}))
		}
		got := j.Entries()
		// Projected state ignores arrival bookkeeping.
		for i := range got {
			got[i].Seq = 0
			got[i].Origin = ""
		}
		if i == 0 {
			reference = got
			require.Len(t, reference, 2)
			continue
		}
		require.Equal(t, reference, got, "permutation %v diverged", perm)
	}
}

func TestEntriesSinceReturnsStrictSuffix(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory())

	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, "ev", fmt.Sprintf("k%d", i), nil)
		require.NoError(t, err)
	}
	all := j.Entries()

	since := j.EntriesSince("r1", 3)
	require.Equal(t, all[2:], since)

	require.Empty(t, j.EntriesSince("r1", 6))
}

func TestEntriesSinceExcludesEntriesFromThatRemote(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory())

	_, err := j.Append(ctx, "ev", "local", nil)
	require.NoError(t, err)
	require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{
		{ID: ID{Millis: 1}, Event: "ev", PrimaryKey: "remote", Seq: 1},
	}))

	for _, e := range j.EntriesSince("r1", 1) {
		require.NotEqual(t, "r1", e.Origin)
	}
	// Another remote does see r1's entries.
	require.Len(t, j.EntriesSince("r2", 1), 2)
}

func TestAcknowledgeAndUncommitted(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory())

	var ids []ID
	for i := 0; i < 3; i++ {
		e, err := j.Append(ctx, "ev", fmt.Sprintf("k%d", i), nil)
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	require.Len(t, j.UncommittedFor("r1"), 3)
	require.NoError(t, j.Acknowledge(ctx, "r1", ids[1]))
	uncommitted := j.UncommittedFor("r1")
	require.Len(t, uncommitted, 1)
	require.Equal(t, ids[2], uncommitted[0].ID)

	// Acknowledging backwards never regresses the cursor.
	require.NoError(t, j.Acknowledge(ctx, "r1", ids[0]))
	require.Len(t, j.UncommittedFor("r1"), 1)
}

func TestNextSequenceNeverRegresses(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory())

	require.Equal(t, uint64(1), j.NextSequence("r1"))
	require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{
		{ID: ID{Millis: 1}, Event: "ev", PrimaryKey: "a", Seq: 4},
	}))
	require.Equal(t, uint64(5), j.NextSequence("r1"))

	// An older batch cannot move the cursor backwards.
	require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{
		{ID: ID{Millis: 2}, Event: "ev", PrimaryKey: "b", Seq: 2},
	}))
	require.Equal(t, uint64(5), j.NextSequence("r1"))
}

func TestRegisterCompactionByCount(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory())
	j.RegisterCompaction([]string{"ev"}, ByCount(2))

	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, "ev", fmt.Sprintf("k%d", i), nil)
		require.NoError(t, err)
	}
	_, err := j.Append(ctx, "other", "x", nil)
	require.NoError(t, err)

	require.NoError(t, j.Compact(ctx))
	entries := j.Entries()
	require.Len(t, entries, 3) // newest two "ev" plus the untouched "other"

	// Idempotent.
	require.NoError(t, j.Compact(ctx))
	require.Equal(t, entries, j.Entries())
}

func TestHandlersRunOnAppendAndRemoteWrite(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory())

	var seen []string
	j.RegisterHandler("ev", func(_ context.Context, e Entry) error {
		seen = append(seen, e.PrimaryKey)
		return nil
	})

	_, err := j.Append(ctx, "ev", "local", nil)
	require.NoError(t, err)
	require.NoError(t, j.WriteFromRemote(ctx, "r1", []Entry{
		{ID: ID{Millis: 1}, Event: "ev", PrimaryKey: "remote", Seq: 1},
	}))

	require.Equal(t, []string{"local", "remote"}, seen)
}

func TestRemoteMailboxReceivesLocalAppends(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t, kv.NewMemory())

	r, err := j.RegisterRemote(ctx, "r1")
	require.NoError(t, err)

	e, err := j.Append(ctx, "ev", "k", []byte("p"))
	require.NoError(t, err)

	select {
	case batch := <-r.Changes():
		require.Len(t, batch, 1)
		require.Equal(t, e.ID, batch[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no mailbox delivery")
	}

	// Entries written by the remote itself are not echoed back.
	require.NoError(t, r.Write(ctx, []Entry{
		{ID: ID{Millis: 1}, Event: "ev", PrimaryKey: "other", Seq: 1},
	}))
	select {
	case batch := <-r.Changes():
		t.Fatalf("unexpected echo %v", batch)
	case <-time.After(50 * time.Millisecond):
	}
}

type failingStore struct {
	*kv.Memory
	failManifest bool
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte) error {
	if f.failManifest && key == "testdomain/event-journal" {
		return errors.New("disk full")
	}
	return f.Memory.Set(ctx, key, value)
}
