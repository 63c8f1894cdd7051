package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a supervisor that has shut down.
var ErrClosed = errors.New("supervisor: closed")

// CodeInvalidPrompt is the stable code for prompt validation failures.
const CodeInvalidPrompt = "invalid_prompt"

// QueueFullError is returned by Submit when the pending queue is at capacity
// under the dropping discipline.
type QueueFullError struct {
	Capacity int
	Strategy Strategy
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("supervisor: pending queue full (capacity=%d, strategy=%q)", e.Capacity, e.Strategy)
}

// PendingTimeoutError is returned when a pending request waited longer than
// the configured maximum.
type PendingTimeoutError struct {
	Timeout time.Duration
}

func (e *PendingTimeoutError) Error() string {
	return fmt.Sprintf("supervisor: pending request timed out after %s", e.Timeout)
}

// PendingCanceledError is returned when a pending request's context is
// canceled, the request is evicted by the sliding discipline, or the
// supervisor shuts down before admission.
type PendingCanceledError struct{}

func (e *PendingCanceledError) Error() string {
	return "supervisor: pending request canceled"
}
