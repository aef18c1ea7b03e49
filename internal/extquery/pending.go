// Package extquery drives the extended-query pipeline: Parse/Bind/Describe/
// Execute/Close/Sync fan-out over the routed backends, response correlation
// through a strict pending-message FIFO, and the lazy named-statement
// re-issue for backends that were down at original Parse time (spec.md §4.7,
// C7).
package extquery

import (
	"container/list"

	"github.com/poolrouter/poolrouter/internal/session"
	"github.com/poolrouter/poolrouter/internal/wire"
)

// PendingMessage records one extended-query message sent to backend(s)
// whose response has not yet been fully consumed (spec.md §3 "Pending
// message").
type PendingMessage struct {
	// Kind is the wire message kind: 'P', 'B', 'D', 'E', 'C', or 'S'.
	Kind    byte
	Payload []byte

	// QueryText is a copy of the originating statement text, kept for error
	// context reporting.
	QueryText string

	StatementName string
	PortalName    string

	// SentTo marks which backends this message was written to.
	SentTo []bool

	// Query is the generational handle of the owning query context; nulled
	// detection is automatic — a stale handle simply stops resolving.
	Query session.Handle

	FlushPending bool

	// NotForwardToFrontend marks an internally re-issued Parse whose
	// ParseComplete the client must not see (it already saw one).
	NotForwardToFrontend bool

	// Injected holds cached response messages standing in for a backend
	// round-trip. They are pushed onto the target backend's read path only
	// once this entry reaches the head of the FIFO, so responses to earlier
	// pending messages drain first and pipeline ordering is preserved
	// (spec.md §4.9 lifecycle step 4b).
	Injected       []wire.Message
	injectedPushed bool
}

// PendingQueue is the strict FIFO of in-flight extended-query messages for
// one session. It additionally retains the most recently popped entry across
// one pop (the "previous message" shallow copy of spec.md §3) so an
// ErrorResponse arriving after completion can still name the statement that
// caused it.
type PendingQueue struct {
	l          *list.List
	lastPopped *PendingMessage
}

// NewPendingQueue returns an empty queue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{l: list.New()}
}

// Push appends m to the tail.
func (q *PendingQueue) Push(m *PendingMessage) {
	q.l.PushBack(m)
}

// Head returns the oldest entry without removing it, or nil.
func (q *PendingQueue) Head() *PendingMessage {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*PendingMessage)
}

// Pop removes and returns the oldest entry, retaining it as the previous
// message. Returns nil when empty.
func (q *PendingQueue) Pop() *PendingMessage {
	front := q.l.Front()
	if front == nil {
		return nil
	}
	m := q.l.Remove(front).(*PendingMessage)
	q.lastPopped = m
	return m
}

// LastPopped returns the most recently popped entry, surviving until the
// next Reset (one ReadyForQuery boundary).
func (q *PendingQueue) LastPopped() *PendingMessage { return q.lastPopped }

// Len returns the number of in-flight entries.
func (q *PendingQueue) Len() int { return q.l.Len() }

// HasPendingParse reports whether a Parse for the named statement is
// already in flight to the given backend — its ParseComplete just has not
// been drained yet, so a lazy re-issue would double-prepare the name.
func (q *PendingQueue) HasPendingParse(stmtName string, backendIndex int) bool {
	for el := q.l.Front(); el != nil; el = el.Next() {
		m := el.Value.(*PendingMessage)
		if m.Kind == 'P' && m.StatementName == stmtName &&
			backendIndex < len(m.SentTo) && m.SentTo[backendIndex] {
			return true
		}
	}
	return false
}

// Reset clears the queue and the previous-message copy; called when
// ReadyForQuery is observed on the main backend.
func (q *PendingQueue) Reset() {
	q.l.Init()
	q.lastPopped = nil
}
