package tether

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tetherlabs/tether/internal/backend"
	"github.com/tetherlabs/tether/internal/chathistory"
	"github.com/tetherlabs/tether/internal/kv"
)

func TestOpenRequiresBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	require.Error(t, err)
}

func TestQueryMessagesAreRecordedIntoChatHistory(t *testing.T) {
	ctx := context.Background()
	f := backend.NewFake()
	f.Messages = []backend.Message{
		backend.TextMessage("assistant", "hello"),
		backend.TextMessage("assistant", "world"),
	}
	f.AutoFinish = true

	rt, err := Open(ctx, Options{Backend: f})
	require.NoError(t, err)
	defer rt.Close(ctx)

	q, err := rt.Supervisor.Submit(ctx, TextPrompt("hi"), QueryOptions{SessionID: "s1"})
	require.NoError(t, err)
	for range q.Messages() {
	}
	<-q.Done()

	events, err := rt.Chat.List(ctx, "s1", chathistory.ListOptions{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, uint64(1), events[0].Sequence)
	require.Equal(t, uint64(2), events[1].Sequence)

	// The session index saw the activity.
	sessions, err := rt.Sessions.Sessions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, sessions)

	// Chat events were journaled.
	require.Len(t, rt.Journal.Entries(), 2)
}

func TestQueriesWithoutSessionAreNotRecorded(t *testing.T) {
	ctx := context.Background()
	f := backend.NewFake()
	f.Messages = []backend.Message{backend.TextMessage("assistant", "x")}
	f.AutoFinish = true

	rt, err := Open(ctx, Options{Backend: f})
	require.NoError(t, err)
	defer rt.Close(ctx)

	q, err := rt.Supervisor.Submit(ctx, TextPrompt("hi"), QueryOptions{})
	require.NoError(t, err)
	for range q.Messages() {
	}
	<-q.Done()

	require.Empty(t, rt.Journal.Entries())
}

func TestCoalescedWritesReachStoreOnClose(t *testing.T) {
	ctx := context.Background()
	f := backend.NewFake()
	f.Messages = []backend.Message{backend.TextMessage("assistant", "hello")}
	f.AutoFinish = true

	inner := kv.NewMemory()
	rt, err := Open(ctx, Options{
		Backend:               f,
		Store:                 inner,
		WriteCoalesceInterval: time.Hour, // only the Close flush runs
	})
	require.NoError(t, err)

	q, err := rt.Supervisor.Submit(ctx, TextPrompt("hi"), QueryOptions{SessionID: "s1"})
	require.NoError(t, err)
	for range q.Messages() {
	}
	<-q.Done()

	require.NoError(t, rt.Close(ctx))

	empty, err := inner.IsEmpty(ctx)
	require.NoError(t, err)
	require.False(t, empty)
}

func TestCloseShutsDownCleanly(t *testing.T) {
	ctx := context.Background()
	f := backend.NewFake()
	rt, err := Open(ctx, Options{Backend: f})
	require.NoError(t, err)

	_, err = rt.Supervisor.Submit(ctx, TextPrompt("hold"), QueryOptions{})
	require.NoError(t, err)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Close(closeCtx))
}
