package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tetherlabs/tether/internal/kv"
)

const (
	indexMetaKey      = "session-index/index/meta"
	indexPagePrefix   = "session-index/index/page/"
	sessionMetaPrefix = "session-index/index/meta/"

	indexSchema = "session-index@1"
	metaSchema  = "session-meta@1"

	defaultPageSize = 256
)

// ErrNotFound is returned when a session has no recorded metadata.
var ErrNotFound = errors.New("session: not found")

type indexMeta struct {
	Schema string `json:"schema"`
	Pages  int    `json:"pages"`
}

type indexPage struct {
	Schema   string   `json:"schema"`
	Sessions []string `json:"sessions"`
}

type metaRecord struct {
	Schema string `json:"schema"`
	Meta   Meta   `json:"meta"`
}

// Index is the paged registry of known sessions. Pages are append-ordered;
// removal leaves a hole rather than renumbering so page keys stay stable.
type Index struct {
	store    kv.Store
	log      zerolog.Logger
	pageSize int
	now      func() time.Time

	mu sync.Mutex
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithIndexLogger attaches a logger.
func WithIndexLogger(l zerolog.Logger) IndexOption {
	return func(ix *Index) { ix.log = l }
}

// WithIndexClock injects the clock, for tests.
func WithIndexClock(now func() time.Time) IndexOption {
	return func(ix *Index) { ix.now = now }
}

// NewIndex builds a session index over store.
func NewIndex(store kv.Store, opts ...IndexOption) *Index {
	ix := &Index{
		store:    store,
		log:      zerolog.Nop(),
		pageSize: defaultPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Touch records activity for a session: first touch creates its metadata and
// registers it in a page; later touches bump UpdatedAt.
func (ix *Index) Touch(ctx context.Context, sessionID string) error {
	if err := ValidateID(sessionID); err != nil {
		return err
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	nowMs := ix.now().UnixMilli()
	existing, err := ix.meta(ctx, sessionID)
	switch {
	case err == nil:
		existing.UpdatedAt = nowMs
		return ix.putMeta(ctx, existing)
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	m := Meta{SessionID: sessionID, CreatedAt: nowMs, UpdatedAt: nowMs}
	if err := ix.putMeta(ctx, m); err != nil {
		return err
	}
	return ix.addToPage(ctx, sessionID)
}

// Meta returns the recorded metadata for a session.
func (ix *Index) Meta(ctx context.Context, sessionID string) (Meta, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.meta(ctx, sessionID)
}

// Sessions enumerates known sessions in first-touch order. Sessions whose
// metadata record has gone missing are skipped with a logged warning and
// dropped from their page.
func (ix *Index) Sessions(ctx context.Context) ([]string, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	im, err := ix.indexMeta(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for p := 0; p < im.Pages; p++ {
		page, err := ix.page(ctx, p)
		if err != nil {
			return nil, err
		}
		var kept []string
		for _, id := range page.Sessions {
			if _, err := ix.meta(ctx, id); errors.Is(err, ErrNotFound) {
				ix.log.Warn().Str("sessionId", id).Msg("session: dropping stale index entry")
				continue
			} else if err != nil {
				return nil, err
			}
			kept = append(kept, id)
		}
		if len(kept) != len(page.Sessions) {
			page.Sessions = kept
			if err := ix.putPage(ctx, p, page); err != nil {
				return nil, err
			}
		}
		out = append(out, kept...)
	}
	return out, nil
}

// Remove deletes a session's metadata and unregisters it from its page.
func (ix *Index) Remove(ctx context.Context, sessionID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.store.Remove(ctx, sessionMetaPrefix+sessionID); err != nil {
		return kv.WrapOp("session-index", "remove-meta", err)
	}

	im, err := ix.indexMeta(ctx)
	if err != nil {
		return err
	}
	for p := 0; p < im.Pages; p++ {
		page, err := ix.page(ctx, p)
		if err != nil {
			return err
		}
		for i, id := range page.Sessions {
			if id != sessionID {
				continue
			}
			page.Sessions = append(page.Sessions[:i], page.Sessions[i+1:]...)
			return ix.putPage(ctx, p, page)
		}
	}
	return nil
}

func (ix *Index) meta(ctx context.Context, sessionID string) (Meta, error) {
	raw, err := ix.store.Get(ctx, sessionMetaPrefix+sessionID)
	if errors.Is(err, kv.ErrNotFound) {
		return Meta{}, ErrNotFound
	}
	if err != nil {
		return Meta{}, kv.WrapOp("session-index", "get-meta", err)
	}
	var rec metaRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Meta{}, fmt.Errorf("session: corrupt meta for %s: %w", sessionID, err)
	}
	return rec.Meta, nil
}

func (ix *Index) putMeta(ctx context.Context, m Meta) error {
	data, err := json.Marshal(metaRecord{Schema: metaSchema, Meta: m})
	if err != nil {
		return fmt.Errorf("session: marshal meta: %w", err)
	}
	return kv.WrapOp("session-index", "put-meta",
		ix.store.Set(ctx, sessionMetaPrefix+m.SessionID, data))
}

func (ix *Index) indexMeta(ctx context.Context) (indexMeta, error) {
	raw, err := ix.store.Get(ctx, indexMetaKey)
	if errors.Is(err, kv.ErrNotFound) {
		return indexMeta{Schema: indexSchema}, nil
	}
	if err != nil {
		return indexMeta{}, kv.WrapOp("session-index", "get-index", err)
	}
	var im indexMeta
	if err := json.Unmarshal(raw, &im); err != nil {
		return indexMeta{}, fmt.Errorf("session: corrupt index meta: %w", err)
	}
	return im, nil
}

func (ix *Index) putIndexMeta(ctx context.Context, im indexMeta) error {
	im.Schema = indexSchema
	data, err := json.Marshal(im)
	if err != nil {
		return fmt.Errorf("session: marshal index meta: %w", err)
	}
	return kv.WrapOp("session-index", "put-index", ix.store.Set(ctx, indexMetaKey, data))
}

func (ix *Index) page(ctx context.Context, n int) (indexPage, error) {
	raw, err := ix.store.Get(ctx, fmt.Sprintf("%s%d", indexPagePrefix, n))
	if errors.Is(err, kv.ErrNotFound) {
		return indexPage{Schema: indexSchema}, nil
	}
	if err != nil {
		return indexPage{}, kv.WrapOp("session-index", "get-page", err)
	}
	var page indexPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return indexPage{}, fmt.Errorf("session: corrupt index page %d: %w", n, err)
	}
	return page, nil
}

func (ix *Index) putPage(ctx context.Context, n int, page indexPage) error {
	page.Schema = indexSchema
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("session: marshal index page: %w", err)
	}
	return kv.WrapOp("session-index", "put-page",
		ix.store.Set(ctx, fmt.Sprintf("%s%d", indexPagePrefix, n), data))
}

func (ix *Index) addToPage(ctx context.Context, sessionID string) error {
	im, err := ix.indexMeta(ctx)
	if err != nil {
		return err
	}
	last := im.Pages - 1
	if last < 0 {
		last = 0
	}
	page, err := ix.page(ctx, last)
	if err != nil {
		return err
	}
	if len(page.Sessions) >= ix.pageSize {
		last++
		page = indexPage{Schema: indexSchema}
	}
	page.Sessions = append(page.Sessions, sessionID)
	if err := ix.putPage(ctx, last, page); err != nil {
		return err
	}
	if last+1 > im.Pages {
		im.Pages = last + 1
		return ix.putIndexMeta(ctx, im)
	}
	return nil
}
