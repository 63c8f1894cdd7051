// Package chathistory persists per-session conversation events.
//
// The store runs in one of two modes. In direct mode every append writes the
// event and updated meta straight to the key-value store. In journaled mode
// appends become journal entries tagged chat_event and the registered
// projection handler effects the same persistence, which makes chat history
// replicate through the sync engine.
package chathistory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tetherlabs/tether/internal/journal"
	"github.com/tetherlabs/tether/internal/kv"
	"github.com/tetherlabs/tether/internal/session"
)

// EventChatMessage is the journal event tag for chat events.
const EventChatMessage = "chat_event"

const (
	metaSchema  = "chat-meta@1"
	eventSchema = "chat-event@1"

	defaultListLimit = 100
)

// ErrDisabled is returned when chat history writes are gated off.
var ErrDisabled = errors.New("chathistory: disabled by configuration")

// Source identifies who produced a chat event.
type Source string

const (
	SourceSDK    Source = "sdk"
	SourceUser   Source = "user"
	SourceSystem Source = "system"
)

// Event is one recorded conversation message. Sequences are 1-based, dense,
// and strictly increasing per session.
type Event struct {
	SessionID string          `json:"sessionId"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"` // unix millis
	Source    Source          `json:"source"`
	Message   json.RawMessage `json:"message"`
}

// PrimaryKey returns the journal primary key for the event.
func (e Event) PrimaryKey() string {
	return fmt.Sprintf("%s:%d", e.SessionID, e.Sequence)
}

// Retention bounds per-session chat history.
type Retention struct {
	MaxEvents int           // 0 = unlimited
	MaxAge    time.Duration // 0 = unlimited
}

type meta struct {
	Schema       string `json:"schema"`
	LastSequence uint64 `json:"lastSequence"`
}

type eventRecord struct {
	Schema string `json:"schema"`
	Event  Event  `json:"event"`
}

// Store is the chat history projection.
type Store struct {
	store     kv.Store
	index     *session.Index
	jrnl      *journal.Journal
	log       zerolog.Logger
	retention Retention
	listLimit int
	enabled   bool
	now       func() time.Time

	// Serialises writes; reads go lock-free against the kv snapshot.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithRetention sets per-session retention applied after writes and during
// Cleanup.
func WithRetention(r Retention) Option {
	return func(s *Store) { s.retention = r }
}

// WithListLimit overrides the default List/Stream limit.
func WithListLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.listLimit = n
		}
	}
}

// WithJournal switches the store to journaled mode: appends are written as
// chat_event entries and persistence happens in the projection handler, for
// local and remote entries alike.
func WithJournal(j *journal.Journal) Option {
	return func(s *Store) { s.jrnl = j }
}

// WithClock injects the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Disabled gates all writes off; reads still work.
func Disabled() Option {
	return func(s *Store) { s.enabled = false }
}

// New builds a chat history store over kv, registering the session in index
// on every write.
func New(store kv.Store, index *session.Index, opts ...Option) *Store {
	s := &Store{
		store:     store,
		index:     index,
		log:       zerolog.Nop(),
		listLimit: defaultListLimit,
		enabled:   true,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.jrnl != nil {
		s.jrnl.RegisterHandler(EventChatMessage, s.applyEntry)
	}
	return s
}

// AppendOption adjusts a single append.
type AppendOption func(*Event)

// FromSource tags the event's producer; the default is SourceSDK.
func FromSource(src Source) AppendOption {
	return func(e *Event) { e.Source = src }
}

// AppendMessage records one message for the session and returns the stored
// event with its assigned sequence.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, message json.RawMessage, opts ...AppendOption) (Event, error) {
	events, err := s.AppendMessages(ctx, sessionID, []json.RawMessage{message}, opts...)
	if err != nil {
		return Event{}, err
	}
	return events[0], nil
}

// AppendMessages records a batch of messages with consecutive sequences.
func (s *Store) AppendMessages(ctx context.Context, sessionID string, messages []json.RawMessage, opts ...AppendOption) ([]Event, error) {
	if !s.enabled {
		return nil, ErrDisabled
	}
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.meta(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(messages))
	for _, msg := range messages {
		m.LastSequence++
		e := Event{
			SessionID: sessionID,
			Sequence:  m.LastSequence,
			Timestamp: s.now().UnixMilli(),
			Source:    SourceSDK,
			Message:   msg,
		}
		for _, opt := range opts {
			opt(&e)
		}

		if s.jrnl != nil {
			payload, err := json.Marshal(e)
			if err != nil {
				return nil, fmt.Errorf("chathistory: marshal event: %w", err)
			}
			if _, err := s.jrnl.Append(ctx, EventChatMessage, e.PrimaryKey(), payload); err != nil {
				return nil, err
			}
		} else {
			if err := s.persistEvent(ctx, e); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}

	if s.jrnl == nil {
		if err := s.putMeta(ctx, sessionID, m); err != nil {
			return nil, err
		}
		if err := s.index.Touch(ctx, sessionID); err != nil {
			return nil, err
		}
		if err := s.applyRetention(ctx, sessionID, m.LastSequence); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// applyEntry is the journal projection handler: it persists the event, bumps
// meta monotonically, touches the session index, and applies retention. It
// runs for local appends and remote-replayed entries alike.
func (s *Store) applyEntry(ctx context.Context, entry journal.Entry) error {
	var e Event
	if err := json.Unmarshal(entry.Payload, &e); err != nil {
		return fmt.Errorf("chathistory: corrupt chat_event payload: %w", err)
	}
	// Local entries arrive synchronously from AppendMessages, which already
	// holds mu. Remote replays run on a sync connector goroutine and must
	// take it here so meta updates stay serialised per session.
	if entry.Origin != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return s.applyEvent(ctx, e)
}

func (s *Store) applyEvent(ctx context.Context, e Event) error {
	if err := s.persistEvent(ctx, e); err != nil {
		return err
	}

	m, err := s.meta(ctx, e.SessionID)
	if err != nil {
		return err
	}
	if e.Sequence > m.LastSequence {
		m.LastSequence = e.Sequence
		if err := s.putMeta(ctx, e.SessionID, m); err != nil {
			return err
		}
	}
	if err := s.index.Touch(ctx, e.SessionID); err != nil {
		return err
	}
	return s.applyRetention(ctx, e.SessionID, m.LastSequence)
}

// ListOptions narrows a List or Stream call.
type ListOptions struct {
	StartSequence uint64 // 0 = from the beginning
	EndSequence   uint64 // 0 = through the end
	Limit         int    // 0 = store default
	Reverse       bool
}

// List returns the session's events in sequence order (descending when
// Reverse is set). The requested range is clamped to [1, lastSequence] and
// sequences evicted by retention are skipped.
func (s *Store) List(ctx context.Context, sessionID string, opts ListOptions) ([]Event, error) {
	it, err := s.Stream(ctx, sessionID, opts)
	if err != nil {
		return nil, err
	}
	var out []Event
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out, it.Err()
}

// Stream is the lazy variant of List: events are loaded one sequence at a
// time as the iterator advances.
func (s *Store) Stream(ctx context.Context, sessionID string, opts ListOptions) (*Iterator, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}
	m, err := s.meta(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	start, end := opts.StartSequence, opts.EndSequence
	if start < 1 {
		start = 1
	}
	if end == 0 || end > m.LastSequence {
		end = m.LastSequence
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.listLimit
	}

	return &Iterator{
		ctx:       ctx,
		store:     s,
		sessionID: sessionID,
		next:      start,
		end:       end,
		remaining: limit,
		reverse:   opts.Reverse,
	}, nil
}

// Iterator walks a session's events lazily.
type Iterator struct {
	ctx       context.Context
	store     *Store
	sessionID string
	next      uint64
	end       uint64
	remaining int
	reverse   bool
	started   bool
	err       error
}

// Next returns the next event, or false when the iteration is exhausted or
// failed; check Err afterwards.
func (it *Iterator) Next() (Event, bool) {
	if it.err != nil {
		return Event{}, false
	}
	if !it.started {
		it.started = true
		if it.reverse {
			it.next, it.end = it.end, it.next
		}
	}
	for {
		if it.remaining == 0 {
			return Event{}, false
		}
		if it.reverse {
			if it.next < it.end || it.next == 0 {
				return Event{}, false
			}
		} else if it.next > it.end || it.end == 0 {
			return Event{}, false
		}

		seq := it.next
		if it.reverse {
			it.next--
		} else {
			it.next++
		}

		e, err := it.store.event(it.ctx, it.sessionID, seq)
		if errors.Is(err, kv.ErrNotFound) {
			continue // evicted by retention
		}
		if err != nil {
			it.err = err
			return Event{}, false
		}
		it.remaining--
		return e, true
	}
}

// Err reports a failure that terminated the iteration early.
func (it *Iterator) Err() error { return it.err }

// Purge removes every event and the meta record for a session.
func (s *Store) Purge(ctx context.Context, sessionID string) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.store.List(ctx, kv.ListOptions{Prefix: eventKeyPrefix(sessionID)})
	if err != nil {
		return kv.WrapOp("chat-history", "purge-list", err)
	}
	for _, k := range res.Keys {
		if err := s.store.Remove(ctx, k); err != nil {
			return kv.WrapOp("chat-history", "purge", err)
		}
	}
	if err := s.store.Remove(ctx, metaKey(sessionID)); err != nil {
		return kv.WrapOp("chat-history", "purge-meta", err)
	}
	return s.index.Touch(ctx, sessionID)
}

// Cleanup applies retention to every known session.
func (s *Store) Cleanup(ctx context.Context) error {
	sessions, err := s.index.Sessions(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range sessions {
		m, err := s.meta(ctx, id)
		if err != nil {
			return err
		}
		if err := s.applyRetention(ctx, id, m.LastSequence); err != nil {
			return err
		}
	}
	return nil
}

// LastSequence returns the session's high-water sequence (0 when the session
// is unknown).
func (s *Store) LastSequence(ctx context.Context, sessionID string) (uint64, error) {
	m, err := s.meta(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return m.LastSequence, nil
}

func (s *Store) applyRetention(ctx context.Context, sessionID string, lastSeq uint64) error {
	r := s.retention
	if r.MaxEvents <= 0 && r.MaxAge <= 0 {
		return nil
	}

	res, err := s.store.List(ctx, kv.ListOptions{Prefix: eventKeyPrefix(sessionID)})
	if err != nil {
		return kv.WrapOp("chat-history", "retention-list", err)
	}

	var events []Event
	for _, k := range res.Keys {
		raw, err := s.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var rec eventRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		events = append(events, rec.Event)
	}
	sort.Slice(events, func(a, b int) bool { return events[a].Sequence < events[b].Sequence })

	cutoff := int64(0)
	if r.MaxAge > 0 {
		cutoff = s.now().Add(-r.MaxAge).UnixMilli()
	}
	keepFrom := 0
	if r.MaxEvents > 0 && len(events) > r.MaxEvents {
		keepFrom = len(events) - r.MaxEvents
	}
	for i, e := range events {
		evict := i < keepFrom || (cutoff > 0 && e.Timestamp < cutoff)
		if !evict {
			continue
		}
		if err := s.store.Remove(ctx, eventKey(sessionID, e.Sequence)); err != nil {
			return kv.WrapOp("chat-history", "retention-evict", err)
		}
		s.log.Debug().Str("sessionId", sessionID).Uint64("sequence", e.Sequence).
			Msg("chathistory: evicted by retention")
	}
	return nil
}

func (s *Store) meta(ctx context.Context, sessionID string) (meta, error) {
	raw, err := s.store.Get(ctx, metaKey(sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return meta{Schema: metaSchema}, nil
	}
	if err != nil {
		return meta{}, kv.WrapOp("chat-history", "get-meta", err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return meta{}, fmt.Errorf("chathistory: corrupt meta for %s: %w", sessionID, err)
	}
	return m, nil
}

func (s *Store) putMeta(ctx context.Context, sessionID string, m meta) error {
	m.Schema = metaSchema
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("chathistory: marshal meta: %w", err)
	}
	return kv.WrapOp("chat-history", "put-meta", s.store.Set(ctx, metaKey(sessionID), data))
}

func (s *Store) event(ctx context.Context, sessionID string, seq uint64) (Event, error) {
	raw, err := s.store.Get(ctx, eventKey(sessionID, seq))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Event{}, err
		}
		return Event{}, kv.WrapOp("chat-history", "get-event", err)
	}
	var rec eventRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Event{}, fmt.Errorf("chathistory: corrupt event %s/%d: %w", sessionID, seq, err)
	}
	return rec.Event, nil
}

func (s *Store) persistEvent(ctx context.Context, e Event) error {
	data, err := json.Marshal(eventRecord{Schema: eventSchema, Event: e})
	if err != nil {
		return fmt.Errorf("chathistory: marshal event: %w", err)
	}
	return kv.WrapOp("chat-history", "put-event",
		s.store.Set(ctx, eventKey(e.SessionID, e.Sequence), data))
}

func metaKey(sessionID string) string {
	return "chat-history/" + sessionID + "/meta"
}

func eventKeyPrefix(sessionID string) string {
	return "chat-history/" + sessionID + "/event/"
}

// eventKey zero-pads sequences to 20 digits so lexicographic key order
// matches numeric sequence order.
func eventKey(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s%020d", eventKeyPrefix(sessionID), seq)
}
