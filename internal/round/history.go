package round

import "github.com/MJE43/pf-roundclock/internal/games"

// HistoryEntry is one resolved round.
type HistoryEntry struct {
	Round   int64         `json:"round"`
	Outcome games.Outcome `json:"outcome"`
}

// History is a bounded most-recent-first list of resolved rounds. It is a
// value: Push returns a new History and never touches the receiver's entries.
type History struct {
	entries []HistoryEntry
	limit   int
}

func NewHistory(limit int) History {
	if limit < 0 {
		limit = 0
	}
	return History{limit: limit}
}

// Reconstruct replays outcomes backward from the round before current.
func Reconstruct(game games.Game, seed string, current int64) History {
	h := NewHistory(game.HistoryLimit())
	for n := current - 1; n >= 0 && len(h.entries) < h.limit; n-- {
		h.entries = append(h.entries, HistoryEntry{Round: n, Outcome: game.Outcome(seed, n)})
	}
	return h
}

// Push adds entries given oldest first; the newest ends up at the front.
func (h History) Push(oldestFirst ...HistoryEntry) History {
	out := make([]HistoryEntry, 0, h.limit)
	for i := len(oldestFirst) - 1; i >= 0 && len(out) < h.limit; i-- {
		out = append(out, oldestFirst[i])
	}
	for _, e := range h.entries {
		if len(out) >= h.limit {
			break
		}
		out = append(out, e)
	}
	return History{entries: out, limit: h.limit}
}

// Extend appends older entries at the back, up to the limit.
func (h History) Extend(older []HistoryEntry) History {
	out := make([]HistoryEntry, 0, h.limit)
	out = append(out, h.entries...)
	for _, e := range older {
		if len(out) >= h.limit {
			break
		}
		out = append(out, e)
	}
	return History{entries: out, limit: h.limit}
}

// Entries returns a copy, most recent first.
func (h History) Entries() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h History) Len() int   { return len(h.entries) }
func (h History) Limit() int { return h.limit }

// Latest returns the most recent entry.
func (h History) Latest() (HistoryEntry, bool) {
	if len(h.entries) == 0 {
		return HistoryEntry{}, false
	}
	return h.entries[0], true
}
