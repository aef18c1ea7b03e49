// Package session holds per-client state for one pooled connection: the
// current query context, transaction flags, the sent-message registry, and
// the temp-table tracker (spec.md §3, §4.4). A Session is owned by exactly
// one goroutine for the lifetime of one client TCP connection; the mutex
// exists only because the cancel-request path touches a session from a
// second, short-lived connection.
package session

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/poolrouter/poolrouter/internal/parsetree"
)

// IsolationResolver lazily answers SHOW transaction_isolation against the
// primary, the first time the router needs it (spec.md §4.4).
type IsolationResolver func() (string, error)

// Session is the per-client state container (C4).
type Session struct {
	ID       uuid.UUID
	User     string
	Database string

	mu sync.Mutex

	// inProgress is true while exactly one query context is being processed;
	// only then does a where_to_send bitmap apply (spec.md §4.4).
	inProgress bool
	current    *QueryContext
	currentH   Handle

	insideTransaction  bool
	writingTransaction bool
	failedTransaction  bool

	isolation        string
	isolationKnown   bool
	resolveIsolation IsolationResolver

	arena *Arena
	sent  *SentMessageList
	temps *TempTableTracker

	// writtenTables tracks tables written inside the open transaction, for
	// DML-adaptive routing (spec.md §4.6: "references a table previously
	// written in this transaction").
	writtenTables map[parsetree.RangeVar]struct{}

	// loadBalanceNode is the replica pinned for the session, picked by the
	// router on the first load-balanced read (-1 until then); it is not
	// pinned when statement_level_load_balance is on.
	loadBalanceNode int

	// BackendPID/BackendKey are the key data this pooler issued to the
	// client at startup, matched against incoming CancelRequests.
	BackendPID uint32
	BackendKey uint32
}

// New creates a Session for an authenticated client.
func New(user, database string) *Session {
	return &Session{
		ID:              uuid.New(),
		User:            user,
		Database:        database,
		arena:           NewArena(),
		sent:            NewSentMessageList(),
		temps:           NewTempTableTracker(),
		writtenTables:   make(map[parsetree.RangeVar]struct{}),
		loadBalanceNode: -1,
	}
}

// Arena returns the session's query-context arena.
func (s *Session) Arena() *Arena { return s.arena }

// SentMessages returns the named-statement/portal registry.
func (s *Session) SentMessages() *SentMessageList { return s.sent }

// TempTables returns the temp-table tracker.
func (s *Session) TempTables() *TempTableTracker { return s.temps }

// SetIsolationResolver installs the lazy SHOW transaction_isolation probe.
func (s *Session) SetIsolationResolver(r IsolationResolver) {
	s.resolveIsolation = r
}

// BeginStatement installs qc as the in-progress query context. The previous
// context, if any, is freed from the arena first — exactly one context is in
// progress at any moment.
func (s *Session) BeginStatement(qc *QueryContext) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.arena.Free(s.currentH)
	}
	s.current = qc
	s.currentH = s.arena.Alloc(qc)
	s.inProgress = true
	return s.currentH
}

// Current returns the in-progress query context, or nil.
func (s *Session) Current() *QueryContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inProgress {
		return nil
	}
	return s.current
}

// CurrentHandle returns the arena handle of the in-progress context.
func (s *Session) CurrentHandle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentH
}

// InProgress reports whether a statement is being processed.
func (s *Session) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// InsideTransaction reports whether an explicit transaction is open.
func (s *Session) InsideTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insideTransaction
}

// WritingTransaction reports whether a write has happened inside the open
// transaction (the latch of spec.md §4.4).
func (s *Session) WritingTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writingTransaction
}

// FailedTransaction reports whether the primary errored inside the open
// transaction; forthcoming non-rollback statements are short-circuited.
func (s *Session) FailedTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedTransaction
}

// NoteWrite latches writingTransaction and records the written tables for
// DML-adaptive routing.
func (s *Session) NoteWrite(tables []parsetree.RangeVar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insideTransaction {
		s.writingTransaction = true
		for _, t := range tables {
			s.writtenTables[t] = struct{}{}
		}
	}
}

// WroteTable reports whether rv was written earlier in the open transaction.
func (s *Session) WroteTable(rv parsetree.RangeVar) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.writtenTables[rv]
	return ok
}

// NoteError marks the transaction failed when the primary errors inside one.
func (s *Session) NoteError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insideTransaction {
		s.failedTransaction = true
	}
}

// TransactionIsolation resolves the session's isolation level, querying the
// primary once and caching the answer until the transaction ends.
func (s *Session) TransactionIsolation() (string, error) {
	s.mu.Lock()
	if s.isolationKnown {
		iso := s.isolation
		s.mu.Unlock()
		return iso, nil
	}
	r := s.resolveIsolation
	s.mu.Unlock()

	if r == nil {
		return "read committed", nil
	}
	iso, err := r()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.isolation = iso
	s.isolationKnown = true
	s.mu.Unlock()
	return iso, nil
}

// IsSerializable reports whether the resolved isolation level is
// SERIALIZABLE. Errors resolving are treated as not-serializable; the
// router's fallback is primary routing anyway.
func (s *Session) IsSerializable() bool {
	iso, err := s.TransactionIsolation()
	if err != nil {
		return false
	}
	return strings.EqualFold(iso, "serializable")
}

// LoadBalanceNode returns the session-scoped load-balance target, or -1 if
// none has been chosen yet.
func (s *Session) LoadBalanceNode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadBalanceNode
}

// SetLoadBalanceNode pins the session's load-balance target.
func (s *Session) SetLoadBalanceNode(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadBalanceNode = i
}

// OnReadyForQuery updates transaction state from the backend's RFQ status
// byte ('I' idle, 'T' in transaction, 'E' failed transaction), clears the
// in-progress flag, and frees the current query context (spec.md §4.7).
func (s *Session) OnReadyForQuery(txStatus byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch txStatus {
	case 'T':
		s.insideTransaction = true
	case 'E':
		s.insideTransaction = true
		s.failedTransaction = true
	default: // 'I'
		s.insideTransaction = false
		s.failedTransaction = false
		s.writingTransaction = false
		s.isolationKnown = false
		s.writtenTables = make(map[parsetree.RangeVar]struct{})
	}

	s.inProgress = false
	if s.current != nil {
		s.arena.Free(s.currentH)
		s.current = nil
		s.currentH = Handle{}
	}
}

// NoteCommit settles temp-table state for a committing transaction.
func (s *Session) NoteCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temps.OnCommit()
}

// NoteRollback settles temp-table state for an aborting transaction.
func (s *Session) NoteRollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temps.OnRollback()
}

// RewriteForStandby returns the text standbys must receive for node. Only
// BEGIN READ WRITE and START TRANSACTION ... SERIALIZABLE are rewritten (to
// a plain BEGIN); every other statement passes through unchanged, and the
// second return is false.
func RewriteForStandby(node parsetree.Node) (string, bool) {
	t, ok := node.(parsetree.TransactionStmt)
	if !ok || t.Kind != parsetree.TxnBegin {
		return "", false
	}
	if !t.ReadWrite && !t.Serializable {
		return "", false
	}
	return "BEGIN", true
}
