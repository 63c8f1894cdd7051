// Package tether provides the public API of the agent-runtime execution
// core: a bounded-concurrency query supervisor, journaled chat-history and
// artifact stores, and a sync service replicating the journal to remote
// peers.
//
// Most callers assemble a Runtime with Open and work through its fields;
// the internal packages stay private.
package tether

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tetherlabs/tether/internal/artifact"
	"github.com/tetherlabs/tether/internal/backend"
	"github.com/tetherlabs/tether/internal/chathistory"
	"github.com/tetherlabs/tether/internal/config"
	"github.com/tetherlabs/tether/internal/journal"
	"github.com/tetherlabs/tether/internal/kv"
	"github.com/tetherlabs/tether/internal/session"
	"github.com/tetherlabs/tether/internal/supervisor"
	"github.com/tetherlabs/tether/internal/syncservice"
)

// Core types re-exported for embedders.
type (
	Message      = backend.Message
	Prompt       = backend.Prompt
	QueryOptions = backend.Options
	Backend      = backend.Backend
	Handle       = backend.Handle
	Query        = supervisor.Query
	Stats        = supervisor.Stats
	Event        = supervisor.Event
	RemoteStatus = syncservice.RemoteStatus
	Store        = kv.Store
	Config       = config.Config
)

// Prompt constructors.
var (
	TextPrompt   = backend.TextPrompt
	StreamPrompt = backend.StreamPrompt
)

// Options configures Open. Zero values get sensible defaults: an in-memory
// store, the default configuration, and the "tether" journal domain.
type Options struct {
	// Store is the persistent key-value substrate.
	Store kv.Store
	// Backend executes queries. Required.
	Backend backend.Backend
	// Config tunes the supervisor, sync, and retention behaviour.
	Config *config.Config
	// Domain namespaces the journal's persisted keys.
	Domain string
	// Logger is shared by all components.
	Logger zerolog.Logger
	// WriteCoalesceInterval, when positive, buffers store writes so each key
	// is flushed to Store at most once per interval. Useful over rate-limited
	// edge KV backends.
	WriteCoalesceInterval time.Duration
}

// Runtime is an assembled execution core.
type Runtime struct {
	Supervisor *supervisor.Supervisor
	Chat       *chathistory.Store
	Artifacts  *artifact.Store
	Sessions   *session.Index
	Journal    *journal.Journal
	Sync       *syncservice.Service

	coalescer *kv.Coalescer
}

// Open wires the execution core together: one journal over the store, both
// store projections registered on it, a supervisor whose message streams are
// recorded into chat history, and a sync service for the journal. When the
// configuration names a sync URL the websocket remote is connected
// immediately.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("tether: backend is required")
	}
	store := opts.Store
	if store == nil {
		store = kv.NewMemory()
	}
	var coalescer *kv.Coalescer
	if opts.WriteCoalesceInterval > 0 {
		coalescer = kv.NewCoalescer(store, opts.WriteCoalesceInterval)
		store = coalescer
	}
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	domain := opts.Domain
	if domain == "" {
		domain = "tether"
	}
	log := opts.Logger

	j, err := journal.Open(ctx, store, domain, journal.WithLogger(log))
	if err != nil {
		return nil, err
	}
	index := session.NewIndex(store, session.WithIndexLogger(log))

	chatOpts := []chathistory.Option{
		chathistory.WithLogger(log),
		chathistory.WithJournal(j),
		chathistory.WithRetention(cfg.Storage.ChatRetention()),
	}
	if !cfg.Storage.Enabled.ChatHistory {
		chatOpts = append(chatOpts, chathistory.Disabled())
	}
	chat := chathistory.New(store, index, chatOpts...)

	artifactOpts := []artifact.Option{
		artifact.WithLogger(log),
		artifact.WithJournal(j),
		artifact.WithRetention(cfg.Storage.ArtifactRetention()),
	}
	if !cfg.Storage.Enabled.Artifacts {
		artifactOpts = append(artifactOpts, artifact.Disabled())
	}
	artifacts := artifact.New(store, index, artifactOpts...)

	sup, err := supervisor.New(opts.Backend, cfg.Supervisor.ToSupervisor(),
		supervisor.WithLogger(log),
		supervisor.WithTap(recorder(chat, log)),
	)
	if err != nil {
		return nil, err
	}

	svc := syncservice.New(j, cfg.Sync.ToSync(), syncservice.WithLogger(log))
	if cfg.Sync.URL != "" {
		if err := svc.ConnectWebSocket(ctx, cfg.Sync.URL); err != nil {
			return nil, err
		}
	}

	return &Runtime{
		Supervisor: sup,
		Chat:       chat,
		Artifacts:  artifacts,
		Sessions:   index,
		Journal:    j,
		Sync:       svc,
		coalescer:  coalescer,
	}, nil
}

// recorder taps supervisor message streams into chat history. Queries
// without a session id are not recorded.
func recorder(chat *chathistory.Store, log zerolog.Logger) supervisor.Tap {
	return func(ctx context.Context, queryID string, opts backend.Options, m backend.Message) {
		if opts.SessionID == "" {
			return
		}
		if _, err := chat.AppendMessage(ctx, opts.SessionID, m.Content); err != nil {
			log.Warn().Err(err).Str("query_id", queryID).Str("session_id", opts.SessionID).Msg("chat recording failed")
		}
	}
}

// Close shuts the runtime down: the supervisor drains first so final
// messages still reach the stores, then the sync service disconnects, then
// any buffered writes are flushed to the underlying store.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.Supervisor.Shutdown(ctx); err != nil {
		return err
	}
	if err := r.Sync.Close(ctx); err != nil {
		return err
	}
	if r.coalescer != nil {
		return r.coalescer.Close(ctx)
	}
	return nil
}
