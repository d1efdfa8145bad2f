package provision

import (
	"sync"

	"github.com/google/uuid"
)

// History keeps the most recent runs in memory. When full, the oldest
// finished run is evicted first.
type History struct {
	mu    sync.RWMutex
	limit int
	order []uuid.UUID // Oldest first.
	runs  map[uuid.UUID]Run
}

// NewHistory creates a history holding at most limit runs.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 50
	}
	return &History{limit: limit, runs: make(map[uuid.UUID]Run)}
}

// Put inserts or replaces a run.
func (h *History) Put(r Run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.runs[r.ID]; !exists {
		h.order = append(h.order, r.ID)
	}
	h.runs[r.ID] = r.Snapshot()
	h.evict()
}

func (h *History) evict() {
	for len(h.order) > h.limit {
		victim := -1
		for i, id := range h.order {
			if h.runs[id].State.Terminal() {
				victim = i
				break
			}
		}
		if victim < 0 {
			return
		}
		delete(h.runs, h.order[victim])
		h.order = append(h.order[:victim], h.order[victim+1:]...)
	}
}

// Get returns a copy of the run with id.
func (h *History) Get(id uuid.UUID) (Run, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.runs[id]
	if !ok {
		return Run{}, false
	}
	return r.Snapshot(), true
}

// List returns copies of all runs, newest first.
func (h *History) List() []Run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Run, 0, len(h.order))
	for i := len(h.order) - 1; i >= 0; i-- {
		r := h.runs[h.order[i]]
		out = append(out, r.Snapshot())
	}
	return out
}
