// Package journal implements an append-only event log with per-entry primary
// keys, per-remote cursors, pluggable conflict resolution, and
// retention-driven compaction.
//
// Entries are persisted through the kv contract and replayed on open. The
// journal is the replication substrate for the store projections (chat
// history, artifacts): local writes become entries, remote entries are
// funneled through the conflict policy and re-applied through registered
// handlers.
package journal

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit entry identifier. The high 64 bits carry the allocation
// timestamp in unix milliseconds, the low 64 bits a per-millisecond counter.
// IDs sort the same way numerically, lexicographically (in hex form), and by
// allocation time.
type ID struct {
	Millis  int64
	Counter uint64
}

// Zero is the all-zero ID, smaller than every allocated ID.
var Zero ID

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	if id.Millis != other.Millis {
		return id.Millis < other.Millis
	}
	return id.Counter < other.Counter
}

// After reports whether id sorts after other.
func (id ID) After(other ID) bool { return other.Less(id) }

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool { return id == Zero }

// String renders the ID as 32 lowercase hex characters.
func (id ID) String() string {
	return fmt.Sprintf("%016x%016x", uint64(id.Millis), id.Counter)
}

// ParseID parses the 32-hex-char form produced by String.
func ParseID(s string) (ID, error) {
	if len(s) != 32 {
		return Zero, fmt.Errorf("journal: malformed id %q", s)
	}
	var hi, lo uint64
	if _, err := fmt.Sscanf(s[:16], "%016x", &hi); err != nil {
		return Zero, fmt.Errorf("journal: malformed id %q: %w", s, err)
	}
	if _, err := fmt.Sscanf(s[16:], "%016x", &lo); err != nil {
		return Zero, fmt.Errorf("journal: malformed id %q: %w", s, err)
	}
	return ID{Millis: int64(hi), Counter: lo}, nil
}

// MarshalJSON encodes the ID as its hex string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON decodes the hex string form.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Entry is the atomic, immutable unit of the journal.
type Entry struct {
	ID         ID     `json:"id"`
	Event      string `json:"event"`
	PrimaryKey string `json:"primaryKey"`
	Payload    []byte `json:"payload,omitempty"`

	// Seq is the arrival ordinal within this journal (1-based, monotone,
	// never reused). It orders entries by when this replica learned of them,
	// which can differ from ID order once remote writes arrive.
	Seq uint64 `json:"seq"`

	// Origin is the remote the entry arrived from, empty for local writes.
	Origin string `json:"origin,omitempty"`
}

// idAllocator hands out strictly increasing IDs. On clock regression the
// previous millisecond is reused and the counter keeps running; on counter
// exhaustion within one millisecond allocation advances to the next
// millisecond rather than wrapping.
type idAllocator struct {
	mu      sync.Mutex
	last    ID
	nowFunc func() time.Time
}

func newIDAllocator(now func() time.Time) *idAllocator {
	if now == nil {
		now = time.Now
	}
	return &idAllocator{nowFunc: now}
}

func (a *idAllocator) next() ID {
	a.mu.Lock()
	defer a.mu.Unlock()

	ms := a.nowFunc().UnixMilli()
	if ms < a.last.Millis {
		ms = a.last.Millis
	}
	if ms == a.last.Millis {
		if a.last.Counter == math.MaxUint64 {
			a.last = ID{Millis: a.last.Millis + 1}
		} else {
			a.last = ID{Millis: ms, Counter: a.last.Counter + 1}
		}
	} else {
		a.last = ID{Millis: ms}
	}
	return a.last
}

// seed moves the allocator past id so reopened journals keep allocating
// strictly increasing IDs.
func (a *idAllocator) seed(id ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last.Less(id) {
		a.last = id
	}
}
