package journal

import (
	"time"
)

// Strategy filters a slice of entries down to the subset to retain. Input
// arrives in ID order and the returned subset preserves that order.
// Strategies are idempotent: applying one to its own output is a no-op.
type Strategy func(now time.Time, entries []Entry) []Entry

// ByAge drops entries whose ID timestamp is older than maxAge.
func ByAge(maxAge time.Duration) Strategy {
	return func(now time.Time, entries []Entry) []Entry {
		cutoff := now.Add(-maxAge).UnixMilli()
		var out []Entry
		for _, e := range entries {
			if e.ID.Millis >= cutoff {
				out = append(out, e)
			}
		}
		return out
	}
}

// ByCount retains the newest max entries. A non-positive max retains none.
func ByCount(max int) Strategy {
	return func(_ time.Time, entries []Entry) []Entry {
		if max <= 0 {
			return nil
		}
		if len(entries) <= max {
			return entries
		}
		return entries[len(entries)-max:]
	}
}

// BySize scans newest-first and keeps entries while the cumulative payload
// size stays within maxBytes. A non-positive budget retains none.
func BySize(maxBytes int64) Strategy {
	return func(_ time.Time, entries []Entry) []Entry {
		if maxBytes <= 0 {
			return nil
		}
		var total int64
		cut := len(entries)
		for i := len(entries) - 1; i >= 0; i-- {
			total += int64(len(entries[i].Payload))
			if total > maxBytes {
				break
			}
			cut = i
		}
		if cut == len(entries) {
			return nil
		}
		return entries[cut:]
	}
}

// Composite applies strategies in order; the retained set is the
// intersection of every strategy's retention.
func Composite(strategies ...Strategy) Strategy {
	return func(now time.Time, entries []Entry) []Entry {
		for _, s := range strategies {
			entries = s(now, entries)
		}
		return entries
	}
}
