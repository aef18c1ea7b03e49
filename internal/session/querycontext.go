package session

import (
	"fmt"
	"time"

	"github.com/poolrouter/poolrouter/internal/parsetree"
)

// BackendState is one backend's progress through the extended-query
// pipeline for one QueryContext, per spec.md §4.5. States only ever advance.
type BackendState int

const (
	StateUnparsed BackendState = iota
	StateParseComplete
	StateBindComplete
	StateExecuteComplete
)

func (s BackendState) String() string {
	switch s {
	case StateUnparsed:
		return "UNPARSED"
	case StateParseComplete:
		return "PARSE_COMPLETE"
	case StateBindComplete:
		return "BIND_COMPLETE"
	case StateExecuteComplete:
		return "EXECUTE_COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// StateCmp returns -1, 0, or +1 following UNPARSED < PARSE_COMPLETE <
// BIND_COMPLETE < EXECUTE_COMPLETE. Used to decide whether an internally
// re-issued Parse's ParseComplete must be forwarded to the client or
// silently swallowed (it must not regress a backend already past that
// state).
func StateCmp(a, b BackendState) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// QueryContext is per-statement state (spec.md §4.5). After construction the
// router fills the routing fields, the proxy sets IsCacheSafe, TempCache and
// RewrittenText, and StatePerBackend advances as responses arrive.
type QueryContext struct {
	Text string
	// RewrittenText is set only for BEGIN READ WRITE / START TRANSACTION
	// SERIALIZABLE under replica cluster mode, where standbys receive a plain
	// BEGIN while the primary receives the original text. Empty otherwise.
	RewrittenText string
	Node          parsetree.Node

	// WhereToSend is the routing bitmap computed by internal/router; index i
	// corresponds to backend.Cluster.Slot(i).
	WhereToSend []bool
	// VirtualMainNodeID is the index of the first true bit in WhereToSend,
	// or -1 if none is set.
	VirtualMainNodeID int
	// LoadBalanceNodeID is the replica picked to serve this statement when
	// the router chose load balancing, or -1.
	LoadBalanceNodeID int

	StatePerBackend []BackendState

	// IsCacheSafe is the classifier's verdict on whether this statement's
	// result may be stored in the query cache.
	IsCacheSafe bool
	// TempCache accumulates backend response messages for a cache-safe
	// SELECT until they are committed to the shared cache at ReadyForQuery
	// (or discarded). Nil when caching is off or the statement is unsafe.
	TempCache *TempCache

	CreatedAt time.Time
}

// NewQueryContext allocates a QueryContext for a parsed statement over a
// cluster of the given size. WhereToSend starts all-false; the router fills
// it in before the statement is dispatched to any backend.
func NewQueryContext(text string, node parsetree.Node, numBackends int) *QueryContext {
	return &QueryContext{
		Text:              text,
		Node:              node,
		WhereToSend:       make([]bool, numBackends),
		VirtualMainNodeID: -1,
		LoadBalanceNodeID: -1,
		StatePerBackend:   make([]BackendState, numBackends),
		CreatedAt:         time.Now(),
	}
}

// RecomputeVirtualMainNodeID sets VirtualMainNodeID to the first true bit in
// WhereToSend (spec.md §4.6 step 8), or -1 if no bit is set.
func (qc *QueryContext) RecomputeVirtualMainNodeID() {
	for i, b := range qc.WhereToSend {
		if b {
			qc.VirtualMainNodeID = i
			return
		}
	}
	qc.VirtualMainNodeID = -1
}

// AnySelected reports whether at least one backend will receive this
// statement (spec.md P1).
func (qc *QueryContext) AnySelected() bool {
	for _, b := range qc.WhereToSend {
		if b {
			return true
		}
	}
	return false
}

// Advance moves backend i's state forward to next. It refuses to regress
// or stay put (spec.md P2): a legal advance has StateCmp(prev, next) < 0,
// i.e. next must strictly exceed prev.
func (qc *QueryContext) Advance(backendIndex int, next BackendState) error {
	if backendIndex < 0 || backendIndex >= len(qc.StatePerBackend) {
		return fmt.Errorf("session: backend index %d out of range", backendIndex)
	}
	prev := qc.StatePerBackend[backendIndex]
	if StateCmp(prev, next) >= 0 {
		return fmt.Errorf("session: illegal state regression on backend %d: %s -> %s", backendIndex, prev, next)
	}
	qc.StatePerBackend[backendIndex] = next
	return nil
}

// State returns backend i's current state.
func (qc *QueryContext) State(backendIndex int) BackendState {
	return qc.StatePerBackend[backendIndex]
}
