package extquery

import (
	"net"
	"testing"

	"github.com/poolrouter/poolrouter/internal/parsetree"
	"github.com/poolrouter/poolrouter/internal/session"
	"github.com/poolrouter/poolrouter/internal/wire"
)

func TestPendingQueueFIFO(t *testing.T) {
	q := NewPendingQueue()
	pushed := []byte{'P', 'B', 'D', 'E', 'S'}
	for _, k := range pushed {
		q.Push(&PendingMessage{Kind: k})
	}

	// P3: pop order equals push order.
	var popped []byte
	for q.Len() > 0 {
		popped = append(popped, q.Pop().Kind)
	}
	if string(popped) != string(pushed) {
		t.Fatalf("popped %q, want %q", popped, pushed)
	}

	// The previous-message copy survives until Reset.
	if q.LastPopped() == nil || q.LastPopped().Kind != 'S' {
		t.Fatal("LastPopped must retain the final entry")
	}
	q.Reset()
	if q.LastPopped() != nil {
		t.Fatal("Reset must clear the previous-message copy")
	}
}

// pipeBackend returns the engine-side codec and the backend-side codec of
// one in-memory connection.
func pipeBackend(t *testing.T) (*wire.Codec, *wire.Codec) {
	t.Helper()
	a, b := net.Pipe()
	return wire.NewCodec(a), wire.NewCodec(b)
}

// startSession builds a session with one in-progress SELECT routed to the
// given backends.
func startSession(text string, whereToSend []bool) (*session.Session, *session.QueryContext, session.Handle) {
	s := session.New("u", "d")
	qc := session.NewQueryContext(text, parsetree.SelectStmt{}, len(whereToSend))
	copy(qc.WhereToSend, whereToSend)
	qc.RecomputeVirtualMainNodeID()
	h := s.BeginStatement(qc)
	return s, qc, h
}

func TestSendFansOutToSelectedBackends(t *testing.T) {
	eng0, be0 := pipeBackend(t)
	eng1, be1 := pipeBackend(t)

	s, qc, h := startSession("SELECT 1", []bool{true, false, true})
	e := NewEngine(nil, s, []*wire.Codec{eng0, nil, eng1}, false)

	done := make(chan error, 2)
	for _, bc := range []*wire.Codec{be0, be1} {
		bc := bc
		go func() {
			m, err := bc.ReadMessage()
			if err == nil && m.Kind != 'P' {
				t.Errorf("backend got kind %q, want P", m.Kind)
			}
			done <- err
		}()
	}

	if err := e.Send(qc, h, 'P', []byte("stmt\x00SELECT 1\x00\x00\x00"), "stmt", ""); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	}

	pm := e.Pending().Head()
	if pm == nil || pm.Kind != 'P' {
		t.Fatal("Parse not recorded in pending FIFO")
	}
	want := []bool{true, false, true}
	for i, b := range pm.SentTo {
		if b != want[i] {
			t.Fatalf("SentTo = %v, want %v", pm.SentTo, want)
		}
	}
}

func TestStreamingModeAppendsFlush(t *testing.T) {
	engC, beC := pipeBackend(t)
	s, qc, h := startSession("SELECT 1", []bool{true})
	e := NewEngine(nil, s, []*wire.Codec{engC}, true)

	got := make(chan []byte, 1)
	go func() {
		var kinds []byte
		for i := 0; i < 2; i++ {
			m, err := beC.ReadMessage()
			if err != nil {
				break
			}
			kinds = append(kinds, m.Kind)
		}
		got <- kinds
	}()

	if err := e.Send(qc, h, 'P', []byte("\x00SELECT 1\x00\x00\x00"), "", ""); err != nil {
		t.Fatal(err)
	}
	if kinds := <-got; string(kinds) != "PH" {
		t.Fatalf("streaming Parse wrote %q, want Parse then Flush", kinds)
	}
}

func TestReadRoundAdvancesStateAndPops(t *testing.T) {
	engC, beC := pipeBackend(t)
	s, qc, h := startSession("SELECT 1", []bool{true})
	e := NewEngine(nil, s, []*wire.Codec{engC}, false)

	go beC.ReadMessage()
	if err := e.Send(qc, h, 'P', nil, "", ""); err != nil {
		t.Fatal(err)
	}
	go beC.WriteAndFlush('1', nil) // ParseComplete

	r, err := e.ReadRound()
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != '1' || !r.Forward {
		t.Fatalf("round = kind %q forward %v, want ParseComplete forwarded", r.Kind, r.Forward)
	}
	if qc.State(0) != session.StateParseComplete {
		t.Fatalf("state = %v, want PARSE_COMPLETE", qc.State(0))
	}
	if e.Pending().Len() != 0 {
		t.Fatal("terminal response must pop the pending entry")
	}
}

func TestExecuteStreamsRowsBeforePopping(t *testing.T) {
	engC, beC := pipeBackend(t)
	s, qc, h := startSession("SELECT 1", []bool{true})
	e := NewEngine(nil, s, []*wire.Codec{engC}, false)

	go beC.ReadMessage()
	if err := e.Send(qc, h, 'E', nil, "", ""); err != nil {
		t.Fatal(err)
	}

	go func() {
		beC.WriteMessage('D', []byte{0, 1, 0, 0, 0, 1, '1'}) // DataRow
		beC.WriteAndFlush('C', []byte("SELECT 1\x00"))       // CommandComplete
	}()

	r, err := e.ReadRound()
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != 'D' {
		t.Fatalf("first round kind = %q, want DataRow", r.Kind)
	}
	if e.Pending().Len() != 1 {
		t.Fatal("DataRow must not pop the Execute entry")
	}

	r, err = e.ReadRound()
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != 'C' {
		t.Fatalf("second round kind = %q, want CommandComplete", r.Kind)
	}
	if e.Pending().Len() != 0 {
		t.Fatal("CommandComplete must pop the Execute entry")
	}
	if qc.State(0) != session.StateExecuteComplete {
		t.Fatalf("state = %v, want EXECUTE_COMPLETE", qc.State(0))
	}
}

func TestNamedStatementReissueBeforeBind(t *testing.T) {
	engC0, beC0 := pipeBackend(t)
	engC1, beC1 := pipeBackend(t)

	s := session.New("u", "d")

	// The named Parse originally reached only backend 0 (backend 1 was
	// down); its query context remembers the per-backend progress.
	owner := session.NewQueryContext("SELECT * FROM accounts WHERE id=$1", parsetree.SelectStmt{}, 2)
	owner.WhereToSend[0] = true
	owner.RecomputeVirtualMainNodeID()
	ownerH := s.Arena().Alloc(owner)
	owner.StatePerBackend[0] = session.StateParseComplete
	s.SentMessages().Add(&session.SentMessage{
		Kind:        session.SentByParse,
		Name:        "stmt",
		Bytes:       []byte("stmt\x00SELECT * FROM accounts WHERE id=$1\x00\x00\x00"),
		Query:       ownerH,
		Destination: parsetree.Either,
		WhereToSend: []bool{true, false},
	})

	// The Bind goes to both backends now that backend 1 is back.
	qc := session.NewQueryContext("SELECT * FROM accounts WHERE id=$1", parsetree.SelectStmt{}, 2)
	qc.WhereToSend[0] = true
	qc.WhereToSend[1] = true
	qc.RecomputeVirtualMainNodeID()
	h := s.BeginStatement(qc)

	e := NewEngine(nil, s, []*wire.Codec{engC0, engC1}, false)

	kinds0 := make(chan []byte, 1)
	kinds1 := make(chan []byte, 1)
	go func() {
		m, _ := beC0.ReadMessage()
		kinds0 <- []byte{m.Kind}
	}()
	go func() {
		var ks []byte
		for i := 0; i < 2; i++ {
			m, err := beC1.ReadMessage()
			if err != nil {
				break
			}
			ks = append(ks, m.Kind)
		}
		kinds1 <- ks
	}()

	if err := e.Send(qc, h, 'B', []byte("\x00stmt\x00"), "stmt", ""); err != nil {
		t.Fatal(err)
	}

	if ks := <-kinds0; string(ks) != "B" {
		t.Fatalf("backend 0 saw %q, want only Bind (already parsed)", ks)
	}
	if ks := <-kinds1; string(ks) != "PB" {
		t.Fatalf("backend 1 saw %q, want re-issued Parse then Bind", ks)
	}

	// The re-issued Parse's ParseComplete must be swallowed; the client has
	// already seen one.
	pm := e.Pending().Head()
	if pm == nil || pm.Kind != 'P' || !pm.NotForwardToFrontend {
		t.Fatal("re-issued Parse must be pending and marked not-forward")
	}

	go beC1.WriteAndFlush('1', nil)
	r, err := e.ReadRound()
	if err != nil {
		t.Fatal(err)
	}
	if r.Forward {
		t.Fatal("re-issued ParseComplete must not be forwarded")
	}
	if owner.State(1) != session.StateParseComplete {
		t.Fatalf("backend 1 state = %v, want PARSE_COMPLETE", owner.State(1))
	}
}

func TestKindMismatchPrimaryWins(t *testing.T) {
	engC0, beC0 := pipeBackend(t)
	engC1, beC1 := pipeBackend(t)

	s, qc, h := startSession("UPDATE t SET v=1", []bool{true, true})
	e := NewEngine(nil, s, []*wire.Codec{engC0, engC1}, false)

	go beC0.ReadMessage()
	go beC1.ReadMessage()
	if err := e.Send(qc, h, 'E', nil, "", ""); err != nil {
		t.Fatal(err)
	}

	go beC0.WriteAndFlush('C', []byte("UPDATE 1\x00"))
	go beC1.WriteAndFlush('E', []byte("SERROR\x00\x00"))

	r, err := e.ReadRound()
	if err != nil {
		t.Fatal(err)
	}
	// Virtual main is backend 0; its kind wins the conflict.
	if r.Kind != 'C' || r.MainBackend != 0 {
		t.Fatalf("round kind %q main %d, want C from backend 0", r.Kind, r.MainBackend)
	}
}

func TestInjectedResultWaitsForEarlierResponses(t *testing.T) {
	engC, beC := pipeBackend(t)
	s, qc, h := startSession("SELECT 1", []bool{true})
	e := NewEngine(nil, s, []*wire.Codec{engC}, false)

	// A Bind is in flight ahead of the cache-injected Execute.
	go beC.ReadMessage()
	if err := e.Send(qc, h, 'B', nil, "", ""); err != nil {
		t.Fatal(err)
	}
	e.TrackInjected(qc, h, 'E', nil, "", []wire.Message{
		{Kind: 'D', Payload: []byte("row")},
		{Kind: 'C', Payload: []byte("SELECT 1\x00")},
	})

	// The Bind's real response drains first; the injected messages must not
	// jump the queue.
	go beC.WriteAndFlush('2', nil)
	r, err := e.ReadRound()
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != '2' {
		t.Fatalf("first round kind = %q, want BindComplete", r.Kind)
	}

	r, err = e.ReadRound()
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != 'D' || string(r.Messages[0].Payload) != "row" {
		t.Fatalf("injected round = %q %q", r.Kind, r.Messages[0].Payload)
	}
	r, err = e.ReadRound()
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != 'C' {
		t.Fatalf("final injected round kind = %q, want CommandComplete", r.Kind)
	}
	if e.Pending().Len() != 0 {
		t.Fatal("injected Execute must pop on its CommandComplete")
	}
}

func TestOnReadyForQueryResetsPipeline(t *testing.T) {
	engC, beC := pipeBackend(t)
	s, qc, h := startSession("SELECT 1", []bool{true})
	e := NewEngine(nil, s, []*wire.Codec{engC}, false)

	go beC.ReadMessage()
	if err := e.Send(qc, h, 'S', nil, "", ""); err != nil {
		t.Fatal(err)
	}

	e.OnReadyForQuery('I')
	if e.Pending().Len() != 0 {
		t.Fatal("RFQ must reset the pending FIFO")
	}
	if s.InProgress() {
		t.Fatal("RFQ must clear the in-progress flag")
	}
}
