package session

import (
	"testing"

	"github.com/poolrouter/poolrouter/internal/parsetree"
)

func TestWritingTransactionLatch(t *testing.T) {
	s := New("u", "d")

	s.NoteWrite([]parsetree.RangeVar{{Name: "t"}})
	if s.WritingTransaction() {
		t.Fatal("write outside a transaction must not latch")
	}

	s.OnReadyForQuery('T') // BEGIN completed
	s.NoteWrite([]parsetree.RangeVar{{Name: "t"}})
	if !s.WritingTransaction() {
		t.Fatal("write inside a transaction must latch")
	}
	if !s.WroteTable(parsetree.RangeVar{Name: "t"}) {
		t.Fatal("written table not recorded")
	}

	s.OnReadyForQuery('I') // COMMIT completed
	if s.WritingTransaction() {
		t.Fatal("latch must reset at transaction end")
	}
	if s.WroteTable(parsetree.RangeVar{Name: "t"}) {
		t.Fatal("written-table set must reset at transaction end")
	}
}

func TestFailedTransactionShortCircuit(t *testing.T) {
	s := New("u", "d")
	s.OnReadyForQuery('T')

	s.NoteError()
	if !s.FailedTransaction() {
		t.Fatal("error inside transaction must mark it failed")
	}

	s.OnReadyForQuery('I')
	if s.FailedTransaction() {
		t.Fatal("failed flag must clear at transaction end")
	}
}

func TestExactlyOneQueryContextInProgress(t *testing.T) {
	s := New("u", "d")

	qc1 := NewQueryContext("SELECT 1", parsetree.SelectStmt{}, 2)
	h1 := s.BeginStatement(qc1)
	if !s.InProgress() || s.Current() != qc1 {
		t.Fatal("first context not in progress")
	}

	qc2 := NewQueryContext("SELECT 2", parsetree.SelectStmt{}, 2)
	s.BeginStatement(qc2)
	if s.Current() != qc2 {
		t.Fatal("second context must replace the first")
	}
	if _, ok := s.Arena().Get(h1); ok {
		t.Fatal("first context's handle must be invalidated")
	}

	s.OnReadyForQuery('I')
	if s.InProgress() {
		t.Fatal("RFQ must clear in_progress")
	}
	if s.Current() != nil {
		t.Fatal("no context may remain current after RFQ")
	}
}

func TestLazyIsolationResolution(t *testing.T) {
	s := New("u", "d")
	calls := 0
	s.SetIsolationResolver(func() (string, error) {
		calls++
		return "serializable", nil
	})

	if !s.IsSerializable() {
		t.Fatal("expected serializable")
	}
	s.IsSerializable()
	if calls != 1 {
		t.Fatalf("resolver called %d times, want 1 (lazy, cached)", calls)
	}

	// Transaction end invalidates the cached answer.
	s.OnReadyForQuery('I')
	s.IsSerializable()
	if calls != 2 {
		t.Fatalf("resolver called %d times after txn end, want 2", calls)
	}
}

func TestSentMessageInheritance(t *testing.T) {
	l := NewSentMessageList()
	l.Add(&SentMessage{
		Kind:        SentByParse,
		Name:        "stmt",
		Destination: parsetree.Either,
		WhereToSend: []bool{false, true},
	})

	d, ok := l.LookupDestination("stmt")
	if !ok || d != parsetree.Either {
		t.Fatalf("LookupDestination = %v, %v; want EITHER, true", d, ok)
	}

	l.Close(SentByParse, "stmt")
	if _, ok := l.LookupDestination("stmt"); ok {
		t.Fatal("closed statement must not resolve")
	}
}

func TestSentMessageUnnamedOverwrite(t *testing.T) {
	l := NewSentMessageList()
	first := &SentMessage{Kind: SentByParse, Name: "", Destination: parsetree.Primary}
	second := &SentMessage{Kind: SentByParse, Name: "", Destination: parsetree.Either}
	l.Add(first)
	l.Add(second)

	m, ok := l.Get(SentByParse, "")
	if !ok || m != second {
		t.Fatal("unnamed statement must be implicitly overwritten")
	}
	if l.Len() != 1 {
		t.Fatalf("registry holds %d entries, want 1", l.Len())
	}
}

func TestTempTableLifecycle(t *testing.T) {
	tr := NewTempTableTracker()

	tr.NoteCreate("scratch")
	if !tr.IsTempTable("scratch") {
		t.Fatal("CREATING table must be visible as temp")
	}

	tr.OnRollback()
	if tr.IsTempTable("scratch") {
		t.Fatal("rollback must discard an uncommitted create")
	}

	tr.NoteCreate("scratch")
	tr.OnCommit()
	if !tr.IsTempTable("scratch") {
		t.Fatal("commit must keep a created table")
	}

	tr.NoteDrop("scratch")
	if tr.IsTempTable("scratch") {
		t.Fatal("DROPPING table must not be visible as temp")
	}
	tr.OnRollback()
	if !tr.IsTempTable("scratch") {
		t.Fatal("rollback must undo an uncommitted drop")
	}

	tr.NoteDrop("scratch")
	tr.OnCommit()
	if tr.Len() != 0 {
		t.Fatal("committed drop must remove the entry")
	}
}

func TestStateMonotonicity(t *testing.T) {
	qc := NewQueryContext("SELECT 1", parsetree.SelectStmt{}, 2)

	if err := qc.Advance(0, StateParseComplete); err != nil {
		t.Fatal(err)
	}
	if err := qc.Advance(0, StateBindComplete); err != nil {
		t.Fatal(err)
	}
	if err := qc.Advance(0, StateParseComplete); err == nil {
		t.Fatal("state regression must be rejected")
	}
	if err := qc.Advance(0, StateBindComplete); err == nil {
		t.Fatal("state must strictly advance; same-state is rejected")
	}
	if qc.State(1) != StateUnparsed {
		t.Fatal("backend 1 must be untouched")
	}
}

func TestRewriteForStandby(t *testing.T) {
	tests := []struct {
		name    string
		node    parsetree.Node
		want    string
		rewrite bool
	}{
		{"begin read write", parsetree.TransactionStmt{Kind: parsetree.TxnBegin, ReadWrite: true}, "BEGIN", true},
		{"start txn serializable", parsetree.TransactionStmt{Kind: parsetree.TxnBegin, Serializable: true}, "BEGIN", true},
		{"plain begin", parsetree.TransactionStmt{Kind: parsetree.TxnBegin}, "", false},
		{"commit", parsetree.TransactionStmt{Kind: parsetree.TxnCommit}, "", false},
		{"select", parsetree.SelectStmt{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RewriteForStandby(tt.node)
			if ok != tt.rewrite || got != tt.want {
				t.Fatalf("RewriteForStandby = %q, %v; want %q, %v", got, ok, tt.want, tt.rewrite)
			}
		})
	}
}

func TestTempCacheLimit(t *testing.T) {
	tc := NewTempCache(10)
	tc.Append([]byte("12345"))
	tc.Append([]byte("1234567890")) // would exceed
	if !tc.Exceeded() {
		t.Fatal("limit overflow must latch exceeded")
	}
	if tc.Bytes() != nil {
		t.Fatal("exceeded buffer must discard its contents")
	}
	tc.Append([]byte("x"))
	if tc.Len() != 0 {
		t.Fatal("appends after exceeded must be no-ops")
	}
}

func TestArenaGenerationalHandles(t *testing.T) {
	a := NewArena()
	qc := NewQueryContext("SELECT 1", parsetree.SelectStmt{}, 1)
	h := a.Alloc(qc)

	got, ok := a.Get(h)
	if !ok || got != qc {
		t.Fatal("live handle must resolve")
	}

	a.Free(h)
	if _, ok := a.Get(h); ok {
		t.Fatal("freed handle must not resolve")
	}

	// Slot reuse bumps the generation; the old handle stays dead.
	qc2 := NewQueryContext("SELECT 2", parsetree.SelectStmt{}, 1)
	h2 := a.Alloc(qc2)
	if h2.Index != h.Index {
		t.Fatalf("expected slot reuse, got index %d vs %d", h2.Index, h.Index)
	}
	if _, ok := a.Get(h); ok {
		t.Fatal("stale generation must not resolve after reuse")
	}
}
