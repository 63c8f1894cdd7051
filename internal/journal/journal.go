package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tetherlabs/tether/internal/kv"
)

const (
	manifestSchema = "journal-manifest@1"
	identitySchema = "journal-identity@1"

	manifestSuffix = "/event-journal"
	identitySuffix = "/event-log-identity"
	entryPrefix    = "/event-journal/entry/"
)

// HandlerFunc is a projection handler invoked for every entry of a
// registered event tag, both on local appends and on entries applied from
// remotes.
type HandlerFunc func(ctx context.Context, e Entry) error

// Option configures a Journal.
type Option func(*Journal)

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(l zerolog.Logger) Option {
	return func(j *Journal) { j.log = l }
}

// WithPolicy sets the conflict policy. The default is LastWriteWins.
func WithPolicy(p Policy) Option {
	return func(j *Journal) { j.policy = p }
}

// WithClock injects the allocation clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// WithSyncCompaction makes Append run registered compactors for the written
// event tag synchronously after each write.
func WithSyncCompaction() Option {
	return func(j *Journal) { j.syncCompact = true }
}

type remoteState struct {
	// NextSequence is the next arrival ordinal we expect to pull from this
	// remote; it never regresses.
	NextSequence uint64 `json:"nextSequence"`
	// AckedID is the largest entry ID the remote has acknowledged from us.
	AckedID ID `json:"ackedId"`

	mailbox chan []Entry
}

type compaction struct {
	events   map[string]bool
	strategy Strategy
}

// Journal is an append-only, totally ordered log of entries bound to one
// process and persisted through a key-value store. Mutations are serialised
// by an internal lock; reads return snapshots.
type Journal struct {
	store  kv.Store
	domain string
	log    zerolog.Logger
	policy Policy
	now    func() time.Time

	syncCompact bool

	mu          sync.RWMutex
	entries     []Entry // sorted by ID
	index       map[string]ID
	remotes     map[string]*remoteState
	handlers    map[string][]HandlerFunc
	compactions []compaction
	nextSeq     uint64
	alloc       *idAllocator
}

type manifest struct {
	Schema  string                  `json:"schema"`
	IDs     []string                `json:"ids"`
	Index   map[string]string       `json:"index"`
	Remotes map[string]*remoteState `json:"remotes,omitempty"`
	NextSeq uint64                  `json:"nextSeq"`
}

type identity struct {
	Schema string `json:"schema"`
	LastID string `json:"lastId"`
}

// Open loads (or initialises) the journal persisted under domain in store.
// Dangling primary-key references and missing entry payloads are repaired
// with a logged warning rather than failing the open.
func Open(ctx context.Context, store kv.Store, domain string, opts ...Option) (*Journal, error) {
	j := &Journal{
		store:    store,
		domain:   domain,
		log:      zerolog.Nop(),
		policy:   LastWriteWins,
		now:      time.Now,
		index:    make(map[string]ID),
		remotes:  make(map[string]*remoteState),
		handlers: make(map[string][]HandlerFunc),
		nextSeq:  1,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.alloc = newIDAllocator(j.now)

	if err := j.load(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) load(ctx context.Context) error {
	raw, err := j.store.Get(ctx, j.domain+manifestSuffix)
	if errors.Is(err, kv.ErrNotFound) {
		return nil // fresh journal
	}
	if err != nil {
		return kv.WrapOp("journal", "load-manifest", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("journal: corrupt manifest for %s: %w", j.domain, err)
	}
	if m.Schema != manifestSchema {
		return fmt.Errorf("journal: unexpected manifest schema %q", m.Schema)
	}

	repaired := false
	for _, idStr := range m.IDs {
		id, err := ParseID(idStr)
		if err != nil {
			return err
		}
		data, err := j.store.Get(ctx, j.entryKey(id))
		if errors.Is(err, kv.ErrNotFound) {
			j.log.Warn().Str("id", idStr).Msg("journal: dropping entry with missing payload")
			repaired = true
			continue
		}
		if err != nil {
			return kv.WrapOp("journal", "load-entry", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("journal: corrupt entry %s: %w", idStr, err)
		}
		j.entries = append(j.entries, e)
	}
	sort.Slice(j.entries, func(a, b int) bool { return j.entries[a].ID.Less(j.entries[b].ID) })

	// Rebuild the primary-key index from retained entries; persisted index
	// references to dropped entries are discarded.
	for _, e := range j.entries {
		cur, ok := j.index[e.PrimaryKey]
		if !ok || cur.Less(e.ID) {
			j.index[e.PrimaryKey] = e.ID
		}
	}
	for pk, idStr := range m.Index {
		if _, ok := j.index[pk]; !ok {
			j.log.Warn().Str("primaryKey", pk).Str("id", idStr).Msg("journal: repairing dangling index reference")
			repaired = true
		}
	}

	for remoteID, rs := range m.Remotes {
		j.remotes[remoteID] = &remoteState{NextSequence: rs.NextSequence, AckedID: rs.AckedID}
	}
	j.nextSeq = m.NextSeq
	if j.nextSeq == 0 {
		j.nextSeq = 1
	}
	for _, e := range j.entries {
		if e.Seq >= j.nextSeq {
			j.nextSeq = e.Seq + 1
		}
		j.alloc.seed(e.ID)
	}

	if raw, err := j.store.Get(ctx, j.domain+identitySuffix); err == nil {
		var ident identity
		if json.Unmarshal(raw, &ident) == nil && ident.Schema == identitySchema {
			if last, err := ParseID(ident.LastID); err == nil {
				j.alloc.seed(last)
			}
		}
	}

	if repaired {
		if err := j.persistManifest(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Append allocates the next ID, persists the entry, updates the primary-key
// index, notifies registered remotes, and runs projection handlers. A
// partial write (entry persisted, manifest write failed) is compensated by
// removing the entry again.
func (j *Journal) Append(ctx context.Context, event, primaryKey string, payload []byte) (Entry, error) {
	j.mu.Lock()
	id := j.alloc.next()
	e := Entry{
		ID:         id,
		Event:      event,
		PrimaryKey: primaryKey,
		Payload:    payload,
		Seq:        j.nextSeq,
	}

	data, err := json.Marshal(e)
	if err != nil {
		j.mu.Unlock()
		return Entry{}, fmt.Errorf("journal: marshal entry: %w", err)
	}
	if err := j.store.Set(ctx, j.entryKey(id), data); err != nil {
		j.mu.Unlock()
		return Entry{}, kv.WrapOp("journal", "append", err)
	}

	j.nextSeq++
	j.insertLocked(e)
	j.index[primaryKey] = id

	if err := j.persistManifest(ctx); err != nil {
		// Compensate: drop the orphaned payload so the persisted state stays
		// consistent with the manifest.
		j.removeLocked(id)
		if rmErr := j.store.Remove(ctx, j.entryKey(id)); rmErr != nil {
			j.log.Warn().Err(rmErr).Str("id", id.String()).Msg("journal: compensation remove failed")
		}
		j.mu.Unlock()
		return Entry{}, err
	}
	j.persistIdentity(ctx, id)

	mailboxes := j.mailboxesLocked("")
	handlers := j.handlers[event]
	syncCompact := j.syncCompact
	j.mu.Unlock()

	deliver(mailboxes, []Entry{e})

	for _, h := range handlers {
		if err := h(ctx, e); err != nil {
			return e, fmt.Errorf("journal: handler for %s: %w", event, err)
		}
	}

	if syncCompact {
		if err := j.Compact(ctx); err != nil {
			j.log.Warn().Err(err).Msg("journal: post-write compaction failed")
		}
	}
	return e, nil
}

// Entries returns a snapshot of all retained entries in ID order.
func (j *Journal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Current returns the retained entry for a primary key, if any.
func (j *Journal) Current(primaryKey string) (Entry, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	id, ok := j.index[primaryKey]
	if !ok {
		return Entry{}, false
	}
	for _, e := range j.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// EntriesSince returns entries with arrival ordinal >= startSeq, excluding
// entries that originated at the given remote, in ID order.
func (j *Journal) EntriesSince(remoteID string, startSeq uint64) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []Entry
	for _, e := range j.entries {
		if e.Seq >= startSeq && e.Origin != remoteID {
			out = append(out, e)
		}
	}
	return out
}

// UncommittedFor returns entries the remote has not yet acknowledged,
// excluding entries that came from that remote.
func (j *Journal) UncommittedFor(remoteID string) []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	rs := j.remotes[remoteID]
	var acked ID
	if rs != nil {
		acked = rs.AckedID
	}
	var out []Entry
	for _, e := range j.entries {
		if e.ID.After(acked) && e.Origin != remoteID {
			out = append(out, e)
		}
	}
	return out
}

// Acknowledge marks entries with ID <= upTo as committed for the remote.
// The cursor never regresses.
func (j *Journal) Acknowledge(ctx context.Context, remoteID string, upTo ID) error {
	j.mu.Lock()
	rs := j.ensureRemoteLocked(remoteID)
	if rs.AckedID.Less(upTo) {
		rs.AckedID = upTo
	}
	err := j.persistManifest(ctx)
	j.mu.Unlock()
	return err
}

// WriteFromRemote applies a batch of entries received from a remote. Each
// incoming entry either inserts (unknown primary key), resolves through the
// conflict policy (known key), or is skipped (duplicate ID). The whole batch
// is validated before anything mutates, so a rejecting policy fails it
// atomically. Applied entries run projection handlers and are forwarded to
// the other registered remotes.
func (j *Journal) WriteFromRemote(ctx context.Context, remoteID string, incoming []Entry) error {
	j.mu.Lock()

	known := make(map[ID]bool, len(j.entries))
	byID := make(map[ID]Entry, len(j.entries))
	for _, e := range j.entries {
		known[e.ID] = true
		byID[e.ID] = e
	}

	// pkView tracks the current entry per primary key as the plan is built,
	// so collisions between entries of the same batch resolve correctly.
	pkView := make(map[string]Entry, len(incoming))
	for pk, id := range j.index {
		pkView[pk] = byID[id]
	}

	type mutation struct {
		insert Entry
		drop   ID // entry to remove first, Zero for plain inserts
	}
	var plan []mutation
	var lastRemoteSeq uint64

	for _, in := range incoming {
		if in.Seq > lastRemoteSeq {
			lastRemoteSeq = in.Seq
		}
		if known[in.ID] {
			continue
		}
		existing, collides := pkView[in.PrimaryKey]
		if !collides {
			plan = append(plan, mutation{insert: in})
			known[in.ID] = true
			pkView[in.PrimaryKey] = in
			continue
		}
		retained, err := j.policy(in, existing)
		if err != nil {
			j.mu.Unlock()
			return err
		}
		keepIncoming := false
		var replacement Entry
		for _, r := range retained {
			if r.ID == existing.ID && string(r.Payload) == string(existing.Payload) {
				continue
			}
			keepIncoming = true
			replacement = r
		}
		if !keepIncoming {
			continue
		}
		plan = append(plan, mutation{insert: replacement, drop: existing.ID})
		known[replacement.ID] = true
		pkView[in.PrimaryKey] = replacement
	}

	var applied []Entry
	for _, mut := range plan {
		if !mut.drop.IsZero() {
			if err := j.store.Remove(ctx, j.entryKey(mut.drop)); err != nil {
				j.mu.Unlock()
				return kv.WrapOp("journal", "conflict-drop", err)
			}
			j.removeLocked(mut.drop)
		}
		e := mut.insert
		e.Seq = j.nextSeq
		e.Origin = remoteID
		j.nextSeq++

		data, err := json.Marshal(e)
		if err != nil {
			j.mu.Unlock()
			return fmt.Errorf("journal: marshal remote entry: %w", err)
		}
		if err := j.store.Set(ctx, j.entryKey(e.ID), data); err != nil {
			j.mu.Unlock()
			return kv.WrapOp("journal", "write-remote", err)
		}
		j.insertLocked(e)
		j.index[e.PrimaryKey] = e.ID
		applied = append(applied, e)
	}

	rs := j.ensureRemoteLocked(remoteID)
	if lastRemoteSeq+1 > rs.NextSequence {
		rs.NextSequence = lastRemoteSeq + 1
	}
	if err := j.persistManifest(ctx); err != nil {
		j.mu.Unlock()
		return err
	}

	mailboxes := j.mailboxesLocked(remoteID)
	handlerList := make([][]HandlerFunc, len(applied))
	for i, e := range applied {
		handlerList[i] = j.handlers[e.Event]
	}
	j.mu.Unlock()

	if len(applied) > 0 {
		deliver(mailboxes, applied)
	}
	for i, e := range applied {
		for _, h := range handlerList[i] {
			if err := h(ctx, e); err != nil {
				// Replay must keep converging; a projection that cannot apply
				// one entry is logged, not fatal to the batch.
				j.log.Warn().Err(err).Str("event", e.Event).Str("id", e.ID.String()).
					Msg("journal: remote replay handler failed")
			}
		}
	}
	return nil
}

// NextSequence returns the pull cursor for a remote (1 when unknown).
func (j *Journal) NextSequence(remoteID string) uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if rs, ok := j.remotes[remoteID]; ok && rs.NextSequence > 0 {
		return rs.NextSequence
	}
	return 1
}

// RegisterHandler attaches a projection handler for an event tag.
func (j *Journal) RegisterHandler(event string, h HandlerFunc) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.handlers[event] = append(j.handlers[event], h)
}

// RegisterCompaction hooks a strategy for the given event tags.
func (j *Journal) RegisterCompaction(events []string, s Strategy) {
	tags := make(map[string]bool, len(events))
	for _, ev := range events {
		tags[ev] = true
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.compactions = append(j.compactions, compaction{events: tags, strategy: s})
}

// Compact runs every registered compaction against a snapshot and applies
// the resulting retention. Retained entries keep their relative order.
func (j *Journal) Compact(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	changed := false
	for _, c := range j.compactions {
		var matched []Entry
		for _, e := range j.entries {
			if c.events[e.Event] {
				matched = append(matched, e)
			}
		}
		if len(matched) == 0 {
			continue
		}
		retained := c.strategy(now, matched)
		keep := make(map[ID]bool, len(retained))
		for _, e := range retained {
			keep[e.ID] = true
		}
		for _, e := range matched {
			if keep[e.ID] {
				continue
			}
			if err := j.store.Remove(ctx, j.entryKey(e.ID)); err != nil {
				return kv.WrapOp("journal", "compact", err)
			}
			j.removeLocked(e.ID)
			changed = true
		}
	}
	if !changed {
		return nil
	}

	// Recompute the primary-key index from what survived.
	j.index = make(map[string]ID, len(j.entries))
	for _, e := range j.entries {
		cur, ok := j.index[e.PrimaryKey]
		if !ok || cur.Less(e.ID) {
			j.index[e.PrimaryKey] = e.ID
		}
	}
	return j.persistManifest(ctx)
}

// Remote is a registered replication endpoint: a mailbox of outbound changes
// plus write access for inbound ones.
type Remote struct {
	journal  *Journal
	remoteID string
	changes  chan []Entry
}

// RegisterRemote ensures cursor state exists for remoteID and returns its
// mailbox handle. At most one mailbox per remote is live; re-registering
// replaces the previous mailbox.
func (j *Journal) RegisterRemote(ctx context.Context, remoteID string) (*Remote, error) {
	j.mu.Lock()
	rs := j.ensureRemoteLocked(remoteID)
	rs.mailbox = make(chan []Entry, 64)
	r := &Remote{journal: j, remoteID: remoteID, changes: rs.mailbox}
	err := j.persistManifest(ctx)
	j.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return r, nil
}

// UnregisterRemote drops the remote's mailbox. Cursor state is kept so a
// later reconnect resumes where it left off.
func (j *Journal) UnregisterRemote(remoteID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if rs, ok := j.remotes[remoteID]; ok && rs.mailbox != nil {
		close(rs.mailbox)
		rs.mailbox = nil
	}
}

// Changes is the outbound mailbox: batches of entries the local journal
// applied that this remote has not seen.
func (r *Remote) Changes() <-chan []Entry { return r.changes }

// Write applies entries received from this remote.
func (r *Remote) Write(ctx context.Context, entries []Entry) error {
	return r.journal.WriteFromRemote(ctx, r.remoteID, entries)
}

// Uncommitted returns the entries this remote has not acknowledged.
func (r *Remote) Uncommitted() []Entry { return r.journal.UncommittedFor(r.remoteID) }

// Acknowledge records the remote's commit watermark.
func (r *Remote) Acknowledge(ctx context.Context, upTo ID) error {
	return r.journal.Acknowledge(ctx, r.remoteID, upTo)
}

// ID returns the remote identifier this handle is registered under.
func (r *Remote) ID() string { return r.remoteID }

func (j *Journal) ensureRemoteLocked(remoteID string) *remoteState {
	rs, ok := j.remotes[remoteID]
	if !ok {
		rs = &remoteState{NextSequence: 1}
		j.remotes[remoteID] = rs
	}
	return rs
}

func (j *Journal) mailboxesLocked(exclude string) []chan []Entry {
	var out []chan []Entry
	for id, rs := range j.remotes {
		if id == exclude || rs.mailbox == nil {
			continue
		}
		out = append(out, rs.mailbox)
	}
	return out
}

// deliver pushes a batch into each mailbox without blocking; a full mailbox
// is skipped because connectors also push uncommitted entries on every sync
// cycle, so nothing is lost.
func deliver(mailboxes []chan []Entry, batch []Entry) {
	for _, mb := range mailboxes {
		select {
		case mb <- batch:
		default:
		}
	}
}

func (j *Journal) insertLocked(e Entry) {
	i := sort.Search(len(j.entries), func(i int) bool { return !j.entries[i].ID.Less(e.ID) })
	j.entries = append(j.entries, Entry{})
	copy(j.entries[i+1:], j.entries[i:])
	j.entries[i] = e
}

func (j *Journal) removeLocked(id ID) {
	for i, e := range j.entries {
		if e.ID == id {
			j.entries = append(j.entries[:i], j.entries[i+1:]...)
			if j.index[e.PrimaryKey] == id {
				delete(j.index, e.PrimaryKey)
			}
			return
		}
	}
}

func (j *Journal) persistManifest(ctx context.Context) error {
	m := manifest{
		Schema:  manifestSchema,
		IDs:     make([]string, len(j.entries)),
		Index:   make(map[string]string, len(j.index)),
		Remotes: j.remotes,
		NextSeq: j.nextSeq,
	}
	for i, e := range j.entries {
		m.IDs[i] = e.ID.String()
	}
	for pk, id := range j.index {
		m.Index[pk] = id.String()
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("journal: marshal manifest: %w", err)
	}
	if err := j.store.Set(ctx, j.domain+manifestSuffix, data); err != nil {
		return kv.WrapOp("journal", "persist-manifest", err)
	}
	return nil
}

func (j *Journal) persistIdentity(ctx context.Context, last ID) {
	data, err := json.Marshal(identity{Schema: identitySchema, LastID: last.String()})
	if err != nil {
		return
	}
	if err := j.store.Set(ctx, j.domain+identitySuffix, data); err != nil {
		j.log.Warn().Err(err).Msg("journal: persist identity failed")
	}
}

func (j *Journal) entryKey(id ID) string {
	return j.domain + entryPrefix + id.String()
}
