// Package artifact persists session artifacts (files, snippets, tool output)
// with insertion-ordered per-session indexes and newest-first retention.
//
// Deletion is modelled as a tombstone carrying the record's primary key, so
// delete-vs-restore races resolve deterministically under the journal's
// conflict policy.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tetherlabs/tether/internal/journal"
	"github.com/tetherlabs/tether/internal/kv"
	"github.com/tetherlabs/tether/internal/session"
)

// Journal event tags for artifact mutations.
const (
	EventArtifactPut    = "artifact_put"
	EventArtifactDelete = "artifact_delete"
)

const (
	recordSchema    = "artifact@1"
	indexSchema     = "artifact-index@1"
	tombstoneSchema = "artifact-tombstone@1"
)

// ErrNotFound is returned when an artifact does not exist.
var ErrNotFound = errors.New("artifact: not found")

// ErrDisabled is returned when artifact writes are gated off.
var ErrDisabled = errors.New("artifact: disabled by configuration")

// Record is one stored artifact.
type Record struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"`
	Encoding  string `json:"encoding"`
	Content   []byte `json:"content"`
	CreatedAt int64  `json:"createdAt"` // unix millis
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}

// PrimaryKey returns the journal primary key shared by the record and its
// tombstone.
func (r Record) PrimaryKey() string {
	return r.SessionID + ":" + r.ID
}

// Tombstone marks an artifact as deleted.
type Tombstone struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	DeletedAt int64  `json:"deletedAt"`
}

// Retention bounds per-session artifacts, applied newest-first after writes.
type Retention struct {
	MaxArtifacts     int
	MaxArtifactBytes int64
	MaxAge           time.Duration
}

type recordEnvelope struct {
	Schema string `json:"schema"`
	Record Record `json:"record"`
}

type indexEnvelope struct {
	Schema string   `json:"schema"`
	IDs    []string `json:"ids"`
}

type tombstoneEnvelope struct {
	Schema    string    `json:"schema"`
	Tombstone Tombstone `json:"tombstone"`
}

// Store is the artifact projection.
type Store struct {
	store     kv.Store
	index     *session.Index
	jrnl      *journal.Journal
	log       zerolog.Logger
	retention Retention
	enabled   bool
	now       func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithRetention sets retention applied after every put and during Cleanup.
func WithRetention(r Retention) Option {
	return func(s *Store) { s.retention = r }
}

// WithJournal switches the store to journaled mode.
func WithJournal(j *journal.Journal) Option {
	return func(s *Store) { s.jrnl = j }
}

// WithClock injects the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Disabled gates all writes off.
func Disabled() Option {
	return func(s *Store) { s.enabled = false }
}

// New builds an artifact store over kv.
func New(store kv.Store, index *session.Index, opts ...Option) *Store {
	s := &Store{
		store:   store,
		index:   index,
		log:     zerolog.Nop(),
		enabled: true,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.jrnl != nil {
		s.jrnl.RegisterHandler(EventArtifactPut, s.applyPut)
		s.jrnl.RegisterHandler(EventArtifactDelete, s.applyDelete)
	}
	return s
}

// Put stores the record, appends its id to the session's index preserving
// insertion order, and applies retention.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if !s.enabled {
		return ErrDisabled
	}
	if err := session.ValidateID(rec.SessionID); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("artifact: record id is empty")
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = s.now().UnixMilli()
	}
	if rec.SizeBytes == 0 {
		rec.SizeBytes = int64(len(rec.Content))
	}

	if s.jrnl != nil {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("artifact: marshal record: %w", err)
		}
		_, err = s.jrnl.Append(ctx, EventArtifactPut, rec.PrimaryKey(), payload)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistPut(ctx, rec)
}

func (s *Store) applyPut(ctx context.Context, entry journal.Entry) error {
	var rec Record
	if err := json.Unmarshal(entry.Payload, &rec); err != nil {
		return fmt.Errorf("artifact: corrupt artifact_put payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistPut(ctx, rec)
}

func (s *Store) persistPut(ctx context.Context, rec Record) error {
	data, err := json.Marshal(recordEnvelope{Schema: recordSchema, Record: rec})
	if err != nil {
		return fmt.Errorf("artifact: marshal record: %w", err)
	}
	if err := s.store.Set(ctx, recordKey(rec.ID), data); err != nil {
		return kv.WrapOp("artifacts", "put", err)
	}

	ids, err := s.sessionIDs(ctx, rec.SessionID)
	if err != nil {
		return err
	}
	found := false
	for _, id := range ids {
		if id == rec.ID {
			found = true
			break
		}
	}
	if !found {
		ids = append(ids, rec.ID)
		if err := s.putSessionIDs(ctx, rec.SessionID, ids); err != nil {
			return err
		}
	}
	if err := s.index.Touch(ctx, rec.SessionID); err != nil {
		return err
	}
	return s.applyRetention(ctx, rec.SessionID)
}

// Get returns the record for id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	raw, err := s.store.Get(ctx, recordKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, kv.WrapOp("artifacts", "get", err)
	}
	var env recordEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Record{}, fmt.Errorf("artifact: corrupt record %s: %w", id, err)
	}
	return env.Record, nil
}

// ListOptions pages a List call.
type ListOptions struct {
	Offset int
	Limit  int // <=0 means no limit
}

// List returns the session's records in insertion order. Stale index entries
// (id present, record missing) are dropped with a logged warning.
func (s *Store) List(ctx context.Context, sessionID string, opts ListOptions) ([]Record, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.sessionIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var out []Record
	var kept []string
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.log.Warn().Str("artifactId", id).Str("sessionId", sessionID).
				Msg("artifact: repairing stale index entry")
			continue
		}
		if err != nil {
			return nil, err
		}
		kept = append(kept, id)
		out = append(out, rec)
	}
	if len(kept) != len(ids) {
		if err := s.putSessionIDs(ctx, sessionID, kept); err != nil {
			return nil, err
		}
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Delete removes the record, writing a tombstone in journaled mode so the
// deletion replicates.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !s.enabled {
		return ErrDisabled
	}
	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if s.jrnl != nil {
		ts := Tombstone{ID: rec.ID, SessionID: rec.SessionID, DeletedAt: s.now().UnixMilli()}
		payload, err := json.Marshal(ts)
		if err != nil {
			return fmt.Errorf("artifact: marshal tombstone: %w", err)
		}
		_, err = s.jrnl.Append(ctx, EventArtifactDelete, rec.PrimaryKey(), payload)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistDelete(ctx, rec.ID, rec.SessionID)
}

func (s *Store) applyDelete(ctx context.Context, entry journal.Entry) error {
	var ts Tombstone
	if err := json.Unmarshal(entry.Payload, &ts); err != nil {
		return fmt.Errorf("artifact: corrupt artifact_delete payload: %w", err)
	}
	data, err := json.Marshal(tombstoneEnvelope{Schema: tombstoneSchema, Tombstone: ts})
	if err != nil {
		return fmt.Errorf("artifact: marshal tombstone: %w", err)
	}
	if err := s.store.Set(ctx, tombstoneKey(ts.ID), data); err != nil {
		return kv.WrapOp("artifacts", "put-tombstone", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistDelete(ctx, ts.ID, ts.SessionID)
}

func (s *Store) persistDelete(ctx context.Context, id, sessionID string) error {
	if err := s.store.Remove(ctx, recordKey(id)); err != nil {
		return kv.WrapOp("artifacts", "delete", err)
	}
	ids, err := s.sessionIDs(ctx, sessionID)
	if err != nil {
		return err
	}
	for i, cur := range ids {
		if cur == id {
			ids = append(ids[:i], ids[i+1:]...)
			if err := s.putSessionIDs(ctx, sessionID, ids); err != nil {
				return err
			}
			break
		}
	}
	return s.index.Touch(ctx, sessionID)
}

// PurgeSession removes every artifact and the index for a session.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.sessionIDs(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.Remove(ctx, recordKey(id)); err != nil {
			return kv.WrapOp("artifacts", "purge", err)
		}
	}
	if err := s.store.Remove(ctx, sessionKey(sessionID)); err != nil {
		return kv.WrapOp("artifacts", "purge-index", err)
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
		if err := s.applyRetention(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// applyRetention walks the session's records newest-first and evicts
// everything beyond the configured limits.
func (s *Store) applyRetention(ctx context.Context, sessionID string) error {
	r := s.retention
	if r.MaxArtifacts <= 0 && r.MaxArtifactBytes <= 0 && r.MaxAge <= 0 {
		return nil
	}

	ids, err := s.sessionIDs(ctx, sessionID)
	if err != nil {
		return err
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	cutoff := int64(0)
	if r.MaxAge > 0 {
		cutoff = s.now().Add(-r.MaxAge).UnixMilli()
	}

	keep := make(map[string]bool, len(records))
	var kept int
	var keptBytes int64
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if cutoff > 0 && rec.CreatedAt < cutoff {
			break // everything older ages out too
		}
		if r.MaxArtifacts > 0 && kept >= r.MaxArtifacts {
			break
		}
		if r.MaxArtifactBytes > 0 && keptBytes+rec.SizeBytes > r.MaxArtifactBytes {
			break
		}
		keep[rec.ID] = true
		kept++
		keptBytes += rec.SizeBytes
	}

	var survivors []string
	changed := false
	for _, rec := range records {
		if keep[rec.ID] {
			survivors = append(survivors, rec.ID)
			continue
		}
		if err := s.store.Remove(ctx, recordKey(rec.ID)); err != nil {
			return kv.WrapOp("artifacts", "retention-evict", err)
		}
		s.log.Debug().Str("artifactId", rec.ID).Str("sessionId", sessionID).
			Msg("artifact: evicted by retention")
		changed = true
	}
	if !changed {
		return nil
	}
	return s.putSessionIDs(ctx, sessionID, survivors)
}

func (s *Store) sessionIDs(ctx context.Context, sessionID string) ([]string, error) {
	raw, err := s.store.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, kv.WrapOp("artifacts", "get-index", err)
	}
	var env indexEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("artifact: corrupt session index for %s: %w", sessionID, err)
	}
	return env.IDs, nil
}

func (s *Store) putSessionIDs(ctx context.Context, sessionID string, ids []string) error {
	data, err := json.Marshal(indexEnvelope{Schema: indexSchema, IDs: ids})
	if err != nil {
		return fmt.Errorf("artifact: marshal session index: %w", err)
	}
	return kv.WrapOp("artifacts", "put-index", s.store.Set(ctx, sessionKey(sessionID), data))
}

func recordKey(id string) string         { return "artifacts/by-id/" + id }
func sessionKey(sessionID string) string { return "artifacts/by-session/" + sessionID }
func tombstoneKey(id string) string      { return "artifacts/tombstone/" + id }
