package session

import "github.com/poolrouter/poolrouter/internal/parsetree"

// SentMessageKind distinguishes how a named statement or portal came to
// exist: 'Q' for PREPARE issued as SQL, 'P' for a wire-level Parse, 'B' for
// a Bind-created portal (spec.md §3 "Sent message").
type SentMessageKind byte

const (
	SentByQuery SentMessageKind = 'Q'
	SentByParse SentMessageKind = 'P'
	SentByBind  SentMessageKind = 'B'
)

// SentMessageState tracks whether the named object is still live.
type SentMessageState int

const (
	SentCreated SentMessageState = iota
	SentClosed
)

// SentMessage records a named Parse or Bind the client has issued. Named
// statements and portals survive across statements until explicitly closed;
// the unnamed ones are implicitly overwritten by the next Parse/Bind.
type SentMessage struct {
	Kind  SentMessageKind
	Name  string
	Bytes []byte

	// Query is a handle to the query context the Parse/Bind belongs to.
	Query Handle
	State SentMessageState

	// Destination and WhereToSend are copied from the routing decision made
	// when the statement was first sent, so EXECUTE/DEALLOCATE of the same
	// name inherit them (spec.md §4.3, §4.6 step 7).
	Destination parsetree.Destination
	WhereToSend []bool
}

type sentKey struct {
	kind SentMessageKind
	name string
}

// SentMessageList is the per-session registry of named statements and
// portals, keyed by (kind, name).
type SentMessageList struct {
	entries map[sentKey]*SentMessage
}

// NewSentMessageList returns an empty registry.
func NewSentMessageList() *SentMessageList {
	return &SentMessageList{entries: make(map[sentKey]*SentMessage)}
}

// Add registers m, overwriting any existing entry with the same (kind, name)
// — which is exactly the unnamed-statement/portal overwrite semantics, since
// the unnamed ones share the empty name.
func (l *SentMessageList) Add(m *SentMessage) {
	l.entries[sentKey{m.Kind, m.Name}] = m
}

// Get looks up the entry for (kind, name).
func (l *SentMessageList) Get(kind SentMessageKind, name string) (*SentMessage, bool) {
	m, ok := l.entries[sentKey{kind, name}]
	return m, ok
}

// Close marks the entry CLOSED and removes it from the registry.
func (l *SentMessageList) Close(kind SentMessageKind, name string) {
	k := sentKey{kind, name}
	if m, ok := l.entries[k]; ok {
		m.State = SentClosed
		delete(l.entries, k)
	}
}

// RemoveAll clears the registry (DEALLOCATE ALL, DISCARD ALL).
func (l *SentMessageList) RemoveAll() {
	for k, m := range l.entries {
		m.State = SentClosed
		delete(l.entries, k)
	}
}

// Len returns the number of live entries.
func (l *SentMessageList) Len() int { return len(l.entries) }

// LookupDestination resolves the routing destination a named statement was
// originally given, searching Parse-created entries first and falling back
// to PREPARE-created ones. Implements parsetree.SentDestinationLookup for
// EXECUTE/DEALLOCATE inheritance.
func (l *SentMessageList) LookupDestination(name string) (parsetree.Destination, bool) {
	if m, ok := l.Get(SentByParse, name); ok {
		return m.Destination, true
	}
	if m, ok := l.Get(SentByQuery, name); ok {
		return m.Destination, true
	}
	return parsetree.Both, false
}

// Lookup implements parsetree.SentDestinationLookup.
func (l *SentMessageList) Lookup(name string) (parsetree.Destination, bool) {
	return l.LookupDestination(name)
}
