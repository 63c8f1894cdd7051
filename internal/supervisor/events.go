package supervisor

import (
	"sync"
	"time"
)

// EventType names a query lifecycle transition.
type EventType string

const (
	EventQueued      EventType = "queued"
	EventStarted     EventType = "started"
	EventStartFailed EventType = "start_failed"
	EventCompleted   EventType = "completed"
)

// Status is the terminal state carried by a completed event.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
	StatusInterrupted Status = "interrupted"
)

// Event is one query lifecycle notification. Timestamp is unix milliseconds.
// Status is set on completed events; Error on start_failed events.
type Event struct {
	Type      EventType
	QueryID   string
	Timestamp int64
	Status    Status
	Error     string
}

// bus fans events out to subscribers. Each subscriber channel is bounded;
// the configured strategy decides what happens when a subscriber lags:
// suspend blocks the publisher, dropping discards the new event, sliding
// discards the oldest buffered one.
type bus struct {
	mu       sync.Mutex
	subs     []chan Event
	capacity int
	strategy Strategy
	closed   bool
}

func newBus(capacity int, strategy Strategy) *bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &bus{capacity: capacity, strategy: strategy}
}

func (b *bus) subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.capacity)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *bus) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		switch b.strategy {
		case StrategySuspend:
			sub <- e
		case StrategyDropping:
			select {
			case sub <- e:
			default:
			}
		default: // sliding
			select {
			case sub <- e:
			default:
				select {
				case <-sub:
				default:
				}
				select {
				case sub <- e:
				default:
				}
			}
		}
	}
}

func (b *bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

func nowMillis(clock func() time.Time) int64 {
	return clock().UnixMilli()
}
