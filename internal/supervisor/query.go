package supervisor

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/tetherlabs/tether/internal/backend"
)

// Query is a running (or finished) admitted query. Its message stream closes
// when the query ends; Result reports the terminal status afterwards.
type Query struct {
	id        string
	handle    backend.Handle
	startedAt time.Time
	msgs      chan backend.Message
	done      chan struct{}
	span      trace.Span

	mu          sync.Mutex
	interrupted bool
	status      Status
	err         error
}

// ID returns the generated query id.
func (q *Query) ID() string { return q.id }

// StartedAt reports when the backend accepted the query.
func (q *Query) StartedAt() time.Time { return q.startedAt }

// Messages is the query's output stream.
func (q *Query) Messages() <-chan backend.Message { return q.msgs }

// Handle exposes the underlying backend handle for optional controls.
func (q *Query) Handle() backend.Handle { return q.handle }

// Done is closed once the query finished and its finaliser ran.
func (q *Query) Done() <-chan struct{} { return q.done }

// Interrupt closes the query's input and interrupts it, both best-effort.
func (q *Query) Interrupt() error {
	q.mu.Lock()
	q.interrupted = true
	q.mu.Unlock()
	_ = q.handle.CloseInput()
	return q.handle.Interrupt()
}

// Result reports the terminal status and error once Done is closed; before
// that it returns an empty status.
func (q *Query) Result() (Status, error) {
	select {
	case <-q.done:
	default:
		return "", nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status, q.err
}

func (q *Query) wasInterrupted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupted
}

func (q *Query) setResult(status Status, err error) {
	q.mu.Lock()
	q.status = status
	q.err = err
	q.mu.Unlock()
}
