package session

import "sync"

// Handle is a generational reference to a QueryContext held by an Arena. It
// is the Go rendering of spec.md §9's back-pointer guidance: PendingMessage
// (internal/extquery) carries a Handle instead of a raw pointer, so a stale
// reference to a destroyed QueryContext is detectable rather than dangling.
type Handle struct {
	Generation uint32
	Index      int
}

// Zero reports whether h is the zero Handle (never allocated).
func (h Handle) Zero() bool { return h == Handle{} }

type slot struct {
	generation uint32
	qc         *QueryContext
	used       bool
}

// Arena is a slice-backed generational arena of QueryContexts. Session owns
// exactly one Arena; QueryContexts are allocated per top-level statement and
// freed once ReadyForQuery has been observed for them.
type Arena struct {
	mu    sync.Mutex
	slots []slot
	free  []int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc stores qc and returns a handle to it. Slots are recycled from the
// free list, bumping the generation so any handle issued before the slot was
// freed no longer resolves.
func (a *Arena) Alloc(qc *QueryContext) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx].qc = qc
		a.slots[idx].used = true
		return Handle{Generation: a.slots[idx].generation, Index: idx}
	}

	a.slots = append(a.slots, slot{generation: 1, qc: qc, used: true})
	return Handle{Generation: 1, Index: len(a.slots) - 1}
}

// Get resolves h to its QueryContext. ok is false if h was never issued, was
// already freed, or belongs to a generation that has since been recycled.
func (a *Arena) Get(h Handle) (*QueryContext, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h.Index < 0 || h.Index >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.Index]
	if !s.used || s.generation != h.Generation {
		return nil, false
	}
	return s.qc, true
}

// Free releases h's slot, invalidating every handle sharing its index and
// generation, and marks the slot for reuse with a bumped generation.
func (a *Arena) Free(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if h.Index < 0 || h.Index >= len(a.slots) {
		return
	}
	s := &a.slots[h.Index]
	if !s.used || s.generation != h.Generation {
		return
	}
	s.used = false
	s.qc = nil
	s.generation++
	a.free = append(a.free, h.Index)
}
