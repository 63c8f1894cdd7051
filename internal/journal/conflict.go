package journal

import (
	"errors"
	"fmt"
)

// ErrConflictRejected is returned by the Reject policy when a remote write
// collides with an existing entry.
var ErrConflictRejected = errors.New("journal: conflicting write rejected")

// Policy resolves two entries sharing a primary key. It returns the entries
// to retain for that key (usually one). Policies must be pure and
// deterministic so independent replicas converge on the same set regardless
// of arrival order.
type Policy func(incoming, existing Entry) ([]Entry, error)

// LastWriteWins keeps the entry with the larger ID.
func LastWriteWins(incoming, existing Entry) ([]Entry, error) {
	if incoming.ID.After(existing.ID) {
		return []Entry{incoming}, nil
	}
	return []Entry{existing}, nil
}

// FirstWriteWins keeps the entry with the smaller ID.
func FirstWriteWins(incoming, existing Entry) ([]Entry, error) {
	if incoming.ID.Less(existing.ID) {
		return []Entry{incoming}, nil
	}
	return []Entry{existing}, nil
}

// Merge builds a policy from a caller-supplied reducer. The reducer receives
// both entries and returns the replacement; the replacement keeps the larger
// of the two IDs so merged state still orders deterministically.
func Merge(reduce func(incoming, existing Entry) (Entry, error)) Policy {
	return func(incoming, existing Entry) ([]Entry, error) {
		merged, err := reduce(incoming, existing)
		if err != nil {
			return nil, fmt.Errorf("journal: merge policy: %w", err)
		}
		if merged.ID.Less(incoming.ID) {
			merged.ID = incoming.ID
		}
		if merged.ID.Less(existing.ID) {
			merged.ID = existing.ID
		}
		merged.PrimaryKey = incoming.PrimaryKey
		return []Entry{merged}, nil
	}
}

// Reject fails the write that collides.
func Reject(incoming, _ Entry) ([]Entry, error) {
	return nil, fmt.Errorf("journal: primary key %q: %w", incoming.PrimaryKey, ErrConflictRejected)
}
