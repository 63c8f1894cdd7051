// Package kv defines the persistent key-value contract the storage layer is
// built on.
//
// Implementations are expected to be concurrency-safe for independent keys
// and eventually consistent per key. The journal and store projections never
// rely on multi-key transactions; partial writes are compensated one level
// up.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("kv: not found")

// ListResult is one page of keys from List.
type ListResult struct {
	Keys       []string
	NextCursor string // empty when the listing is exhausted
}

// ListOptions narrows a List call. The zero value lists everything.
type ListOptions struct {
	Prefix string
	Cursor string
	Limit  int // <=0 means no limit
}

// Store is the contract consumed by the journal and store projections.
// Keys are path-like strings ("chat-history/<sessionId>/meta"); values are
// opaque bytes, in practice schema-tagged JSON records.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Has reports whether key exists.
	Has(ctx context.Context, key string) (bool, error)
	// List returns keys in lexicographic order, honoring prefix, cursor and
	// limit.
	List(ctx context.Context, opts ListOptions) (ListResult, error)
	// IsEmpty reports whether the store holds no keys.
	IsEmpty(ctx context.Context) (bool, error)
	// Size returns the number of stored keys.
	Size(ctx context.Context) (int, error)
}
