package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory Store. It is the test substrate and the default
// backing for ephemeral deployments; durable implementations (filesystem,
// object store) satisfy the same interface externally.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = cp
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Has(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *Memory) List(_ context.Context, opts ListOptions) (ListResult, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if opts.Prefix == "" || hasPrefix(k, opts.Prefix) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)

	// The cursor is the last key of the previous page.
	if opts.Cursor != "" {
		i := sort.SearchStrings(keys, opts.Cursor)
		if i < len(keys) && keys[i] == opts.Cursor {
			i++
		}
		keys = keys[i:]
	}

	var next string
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		next = keys[len(keys)-1]
	}
	return ListResult{Keys: keys, NextCursor: next}, nil
}

func (m *Memory) IsEmpty(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data) == 0, nil
}

func (m *Memory) Size(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data), nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
