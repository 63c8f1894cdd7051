package backend

import (
	"context"
	"sync"
)

// Fake is a scriptable in-memory Backend for tests. Each Start returns a
// FakeHandle that stays open until the test finishes it, so tests can hold
// concurrency slots deliberately.
type Fake struct {
	mu      sync.Mutex
	handles []*FakeHandle

	// StartErr, when non-nil, makes Start fail.
	StartErr error
	// AutoFinish closes each handle's stream immediately after emitting
	// Messages.
	AutoFinish bool
	// Messages are emitted on every started handle.
	Messages []Message
	// OnStart, when set, observes every Start call.
	OnStart func(prompt Prompt, opts Options)
}

// NewFake returns an empty fake backend.
func NewFake() *Fake { return &Fake{} }

func (f *Fake) Start(ctx context.Context, prompt Prompt, opts Options) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OnStart != nil {
		f.OnStart(prompt, opts)
	}
	if f.StartErr != nil {
		return nil, f.StartErr
	}
	h := newFakeHandle()
	for _, m := range f.Messages {
		h.Emit(m)
	}
	if f.AutoFinish {
		h.Finish(nil)
	}
	f.handles = append(f.handles, h)
	return h, nil
}

// Started reports how many handles have been started.
func (f *Fake) Started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

// Handle returns the i-th started handle.
func (f *Fake) Handle(i int) *FakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

// FinishAll finishes every open handle.
func (f *Fake) FinishAll() {
	f.mu.Lock()
	hs := append([]*FakeHandle(nil), f.handles...)
	f.mu.Unlock()
	for _, h := range hs {
		h.Finish(nil)
	}
}

// FakeHandle is the handle type returned by Fake.
type FakeHandle struct {
	Unsupported

	msgs chan Message
	done chan struct{}

	mu          sync.Mutex
	err         error
	finished    bool
	interrupted bool
	inputClosed bool
}

func newFakeHandle() *FakeHandle {
	return &FakeHandle{
		msgs: make(chan Message, 64),
		done: make(chan struct{}),
	}
}

// Emit queues a message on the handle's stream.
func (h *FakeHandle) Emit(m Message) {
	h.msgs <- m
}

// Finish closes the stream, optionally recording a terminal error.
func (h *FakeHandle) Finish(err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.err = err
	h.mu.Unlock()
	close(h.msgs)
	close(h.done)
}

// Done is closed once the handle finished.
func (h *FakeHandle) Done() <-chan struct{} { return h.done }

func (h *FakeHandle) Messages() <-chan Message { return h.msgs }

func (h *FakeHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *FakeHandle) CloseInput() error {
	h.mu.Lock()
	h.inputClosed = true
	h.mu.Unlock()
	return nil
}

func (h *FakeHandle) Interrupt() error {
	h.mu.Lock()
	h.interrupted = true
	h.mu.Unlock()
	h.Finish(nil)
	return nil
}

// Interrupted reports whether Interrupt was called.
func (h *FakeHandle) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

// InputClosed reports whether CloseInput was called.
func (h *FakeHandle) InputClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inputClosed
}
