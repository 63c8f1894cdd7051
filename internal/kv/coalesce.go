package kv

import (
	"context"
	"sync"
	"time"
)

// Coalescer wraps a Store and buffers writes so that each key is flushed at
// most once per interval. Edge KV products rate-limit writes per key (on the
// order of one per second); the coalescer absorbs bursts without dropping
// the final value. Flushes happen in FIFO order of first dirty time and are
// last-writer-wins per key.
//
// Reads consult the buffer first so callers observe their own writes.
type Coalescer struct {
	inner    Store
	interval time.Duration

	mu      sync.Mutex
	pending map[string]*pendingWrite
	order   []string // keys in first-dirty order
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

type pendingWrite struct {
	value   []byte // nil means remove
	remove  bool
	dirtyAt time.Time
}

// NewCoalescer wraps inner with a write buffer flushed on interval. An
// interval of zero or less disables buffering and writes pass straight
// through.
func NewCoalescer(inner Store, interval time.Duration) *Coalescer {
	c := &Coalescer{
		inner:    inner,
		interval: interval,
		pending:  make(map[string]*pendingWrite),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if interval > 0 {
		go c.flushLoop()
	}
	return c
}

func (c *Coalescer) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	if p, ok := c.pending[key]; ok {
		defer c.mu.Unlock()
		if p.remove {
			return nil, ErrNotFound
		}
		out := make([]byte, len(p.value))
		copy(out, p.value)
		return out, nil
	}
	c.mu.Unlock()
	return c.inner.Get(ctx, key)
}

func (c *Coalescer) Set(ctx context.Context, key string, value []byte) error {
	if c.interval <= 0 {
		return c.inner.Set(ctx, key, value)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c.buffer(key, &pendingWrite{value: cp})
	return nil
}

func (c *Coalescer) Remove(ctx context.Context, key string) error {
	if c.interval <= 0 {
		return c.inner.Remove(ctx, key)
	}
	c.buffer(key, &pendingWrite{remove: true})
	return nil
}

func (c *Coalescer) Has(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	if p, ok := c.pending[key]; ok {
		c.mu.Unlock()
		return !p.remove, nil
	}
	c.mu.Unlock()
	return c.inner.Has(ctx, key)
}

// List delegates to the inner store after a full flush so listings see a
// settled view.
func (c *Coalescer) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	if err := c.Flush(ctx); err != nil {
		return ListResult{}, err
	}
	return c.inner.List(ctx, opts)
}

func (c *Coalescer) IsEmpty(ctx context.Context) (bool, error) {
	if err := c.Flush(ctx); err != nil {
		return false, err
	}
	return c.inner.IsEmpty(ctx)
}

func (c *Coalescer) Size(ctx context.Context) (int, error) {
	if err := c.Flush(ctx); err != nil {
		return 0, err
	}
	return c.inner.Size(ctx)
}

// Flush writes every buffered mutation through in FIFO order.
func (c *Coalescer) Flush(ctx context.Context) error {
	c.mu.Lock()
	keys := c.order
	writes := make(map[string]*pendingWrite, len(keys))
	for k, p := range c.pending {
		writes[k] = p
	}
	c.order = nil
	c.pending = make(map[string]*pendingWrite)
	c.mu.Unlock()

	for _, k := range keys {
		p := writes[k]
		var err error
		if p.remove {
			err = c.inner.Remove(ctx, k)
		} else {
			err = c.inner.Set(ctx, k, p.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops the background flush loop after a final flush.
func (c *Coalescer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.interval > 0 {
		close(c.done)
	}
	return c.Flush(ctx)
}

func (c *Coalescer) buffer(key string, w *pendingWrite) {
	c.mu.Lock()
	if existing, ok := c.pending[key]; ok {
		// Last writer wins; keep the original dirty time so FIFO order holds.
		w.dirtyAt = existing.dirtyAt
		c.pending[key] = w
		c.mu.Unlock()
		return
	}
	w.dirtyAt = time.Now()
	c.pending[key] = w
	c.order = append(c.order, key)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coalescer) flushLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		case <-ticker.C:
		}
		// Only keys dirty for at least one interval are flushed here; the
		// rest wait for the next tick.
		c.flushAged()
	}
}

func (c *Coalescer) flushAged() {
	cutoff := time.Now().Add(-c.interval)

	c.mu.Lock()
	var due []string
	var keep []string
	writes := make(map[string]*pendingWrite)
	for _, k := range c.order {
		p := c.pending[k]
		if p.dirtyAt.Before(cutoff) || p.dirtyAt.Equal(cutoff) {
			due = append(due, k)
			writes[k] = p
			delete(c.pending, k)
		} else {
			keep = append(keep, k)
		}
	}
	c.order = keep
	c.mu.Unlock()

	ctx := context.Background()
	for _, k := range due {
		p := writes[k]
		if p.remove {
			_ = c.inner.Remove(ctx, k)
		} else {
			_ = c.inner.Set(ctx, k, p.value)
		}
	}
}
