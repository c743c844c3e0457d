package session

import (
	"sync"

	"aloud/agent/internal/types"
)

// History is a bounded ring of completed exchanges for one session. Appends
// are idempotent per turn id so a replayed completion cannot duplicate an
// entry.
type History struct {
	mu      sync.Mutex
	depth   int
	entries []types.Exchange
	seen    map[string]struct{}
}

func NewHistory(depth int) *History {
	if depth < 1 {
		depth = 1
	}
	return &History{depth: depth, seen: make(map[string]struct{})}
}

func (h *History) Append(ex types.Exchange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.seen[ex.TurnID]; ok {
		return
	}
	h.seen[ex.TurnID] = struct{}{}
	h.entries = append(h.entries, ex)
	if len(h.entries) > h.depth {
		evicted := h.entries[0]
		delete(h.seen, evicted.TurnID)
		h.entries = h.entries[1:]
	}
}

// Recent returns up to n exchanges, oldest first.
func (h *History) Recent(n int) []types.Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > len(h.entries) {
		n = len(h.entries)
	}
	out := make([]types.Exchange, n)
	copy(out, h.entries[len(h.entries)-n:])
	return out
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
