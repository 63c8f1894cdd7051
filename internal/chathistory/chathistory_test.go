package chathistory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetherlabs/tether/internal/journal"
	"github.com/tetherlabs/tether/internal/kv"
	"github.com/tetherlabs/tether/internal/session"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, kv.Store) {
	t.Helper()
	mem := kv.NewMemory()
	return New(mem, session.NewIndex(mem), opts...), mem
}

func msg(s string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf("%q", s))
}

func TestAppendAssignsDenseSequences(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i := 1; i <= 5; i++ {
		e, err := s.AppendMessage(ctx, "s1", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
		require.Equal(t, uint64(i), e.Sequence)
		require.Equal(t, SourceSDK, e.Source)
	}

	last, err := s.LastSequence(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestAppendMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	e, err := s.AppendMessage(ctx, "s1", msg("hello"), FromSource(SourceUser))
	require.NoError(t, err)

	events, err := s.List(ctx, "s1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, e, events[0])
	require.Equal(t, SourceUser, events[0].Source)
}

func TestAppendRejectsInvalidSessionID(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.AppendMessage(ctx, "bad/id", msg("x"))
	var verr *session.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, session.CodeInvalidSessionID, verr.Code)
}

func TestListRangeClampAndReverse(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	for i := 1; i <= 5; i++ {
		_, err := s.AppendMessage(ctx, "s1", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	events, err := s.List(ctx, "s1", ListOptions{StartSequence: 2, EndSequence: 100})
	require.NoError(t, err)
	require.Len(t, events, 4)
	require.Equal(t, uint64(2), events[0].Sequence)
	require.Equal(t, uint64(5), events[3].Sequence)

	forward, err := s.List(ctx, "s1", ListOptions{})
	require.NoError(t, err)
	reversed, err := s.List(ctx, "s1", ListOptions{Reverse: true})
	require.NoError(t, err)
	require.Len(t, reversed, len(forward))
	for i := range forward {
		require.Equal(t, forward[i], reversed[len(reversed)-1-i])
	}

	limited, err := s.List(ctx, "s1", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, uint64(1), limited[0].Sequence)

	limitedRev, err := s.List(ctx, "s1", ListOptions{Reverse: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, limitedRev, 2)
	require.Equal(t, uint64(5), limitedRev[0].Sequence)
}

func TestListEmptySession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	events, err := s.List(ctx, "nope", ListOptions{})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestStreamIsLazy(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	for i := 1; i <= 3; i++ {
		_, err := s.AppendMessage(ctx, "s1", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	it, err := s.Stream(ctx, "s1", ListOptions{})
	require.NoError(t, err)

	e, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, uint64(1), e.Sequence)
	e, ok = it.Next()
	require.True(t, ok)
	require.Equal(t, uint64(2), e.Sequence)
	e, ok = it.Next()
	require.True(t, ok)
	require.Equal(t, uint64(3), e.Sequence)
	_, ok = it.Next()
	require.False(t, ok)
	require.NoError(t, it.Err())
}

func TestRetentionKeepsNewestAndLastSequence(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithRetention(Retention{MaxEvents: 2}))

	for i := 1; i <= 3; i++ {
		_, err := s.AppendMessage(ctx, "s1", msg(fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}

	events, err := s.List(ctx, "s1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(2), events[0].Sequence)
	require.Equal(t, uint64(3), events[1].Sequence)

	last, err := s.LastSequence(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)
}

func TestRetentionByAgeOnCleanup(t *testing.T) {
	ctx := context.Background()
	ms := int64(1_000_000)
	s, _ := newTestStore(t,
		WithRetention(Retention{MaxAge: time.Minute}),
		WithClock(func() time.Time { return time.UnixMilli(ms) }),
	)

	_, err := s.AppendMessage(ctx, "s1", msg("old"))
	require.NoError(t, err)

	ms += 2 * time.Minute.Milliseconds()
	_, err = s.AppendMessage(ctx, "s1", msg("new"))
	require.NoError(t, err)

	require.NoError(t, s.Cleanup(ctx))
	events, err := s.List(ctx, "s1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(2), events[0].Sequence)
}

func TestPurgeRemovesEventsAndMeta(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t)

	_, err := s.AppendMessage(ctx, "s1", msg("a"))
	require.NoError(t, err)
	require.NoError(t, s.Purge(ctx, "s1"))

	last, err := s.LastSequence(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, last)

	res, err := mem.List(ctx, kv.ListOptions{Prefix: "chat-history/s1/"})
	require.NoError(t, err)
	require.Empty(t, res.Keys)
}

func TestDisabledGatesWrites(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Disabled())
	_, err := s.AppendMessage(ctx, "s1", msg("x"))
	require.ErrorIs(t, err, ErrDisabled)
}

func TestJournaledModePersistsThroughHandler(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemory()
	j, err := journal.Open(ctx, mem, "chat")
	require.NoError(t, err)
	s := New(mem, session.NewIndex(mem), WithJournal(j))

	e, err := s.AppendMessage(ctx, "s1", msg("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), e.Sequence)

	// The projection handler persisted the event.
	events, err := s.List(ctx, "s1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, json.RawMessage(`"hello"`), events[0].Message)

	// And the journal holds a chat_event entry with the session:sequence key.
	entries := j.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, EventChatMessage, entries[0].Event)
	require.Equal(t, "s1:1", entries[0].PrimaryKey)
}

func TestJournaledModeConvergesFromRemoteEntries(t *testing.T) {
	ctx := context.Background()

	// Replica A produces two chat events through its journal.
	memA := kv.NewMemory()
	ja, err := journal.Open(ctx, memA, "chat")
	require.NoError(t, err)
	sa := New(memA, session.NewIndex(memA), WithJournal(ja))
	_, err = sa.AppendMessage(ctx, "s1", msg("one"))
	require.NoError(t, err)
	_, err = sa.AppendMessage(ctx, "s1", msg("two"))
	require.NoError(t, err)

	// Replica B applies them as remote writes.
	memB := kv.NewMemory()
	jb, err := journal.Open(ctx, memB, "chat")
	require.NoError(t, err)
	sb := New(memB, session.NewIndex(memB), WithJournal(jb))

	require.NoError(t, jb.WriteFromRemote(ctx, "replica-a", ja.Entries()))

	got, err := sb.List(ctx, "s1", ListOptions{})
	require.NoError(t, err)
	want, err := sa.List(ctx, "s1", ListOptions{})
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestConcurrentLocalAppendAndRemoteReplay(t *testing.T) {
	ctx := context.Background()

	// Replica A produces a batch of chat events to replay.
	memA := kv.NewMemory()
	ja, err := journal.Open(ctx, memA, "chat")
	require.NoError(t, err)
	sa := New(memA, session.NewIndex(memA), WithJournal(ja))
	for i := 0; i < 40; i++ {
		_, err := sa.AppendMessage(ctx, "s1", msg(fmt.Sprintf("remote-%d", i)))
		require.NoError(t, err)
	}
	remote := ja.Entries()

	memB := kv.NewMemory()
	jb, err := journal.Open(ctx, memB, "chat")
	require.NoError(t, err)
	sb := New(memB, session.NewIndex(memB), WithJournal(jb))

	// Replay arrives in small batches while local appends race against it,
	// the same interleaving a sync connector produces.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < len(remote); i += 4 {
			end := i + 4
			if end > len(remote) {
				end = len(remote)
			}
			require.NoError(t, jb.WriteFromRemote(ctx, "replica-a", remote[i:end]))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 40; i++ {
			_, err := sb.AppendMessage(ctx, "s1", msg(fmt.Sprintf("local-%d", i)))
			require.NoError(t, err)
		}
	}()
	wg.Wait()

	// Meta never regresses below a persisted event.
	last, err := sb.LastSequence(ctx, "s1")
	require.NoError(t, err)
	events, err := sb.List(ctx, "s1", ListOptions{Limit: 200})
	require.NoError(t, err)
	for _, e := range events {
		require.LessOrEqual(t, e.Sequence, last)
	}

	// A subsequent append lands strictly above everything already stored.
	after, err := sb.AppendMessage(ctx, "s1", msg("after"))
	require.NoError(t, err)
	require.Equal(t, last+1, after.Sequence)
}
