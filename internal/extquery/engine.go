package extquery

import (
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/poolrouter/poolrouter/internal/poolerr"
	"github.com/poolrouter/poolrouter/internal/session"
	"github.com/poolrouter/poolrouter/internal/wire"
)

// Engine fans extended-query messages out to the routed backends and drains
// their responses in pending-FIFO order. One Engine serves one session; it
// is not safe for concurrent use (the session is single-threaded, spec.md
// §5).
type Engine struct {
	log     *slog.Logger
	sess    *session.Session
	codecs  []*wire.Codec // indexed by backend slot; nil where unattached
	pending *PendingQueue

	// streaming enables the internal Flush after Parse/Execute/Close that
	// forces early backend responses in streaming-replication mode.
	streaming bool
}

// NewEngine builds an engine over the session's per-backend codecs.
func NewEngine(log *slog.Logger, sess *session.Session, codecs []*wire.Codec, streaming bool) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:       log,
		sess:      sess,
		codecs:    codecs,
		pending:   NewPendingQueue(),
		streaming: streaming,
	}
}

// Pending exposes the pending-message FIFO.
func (e *Engine) Pending() *PendingQueue { return e.pending }

// flushForcing reports whether kind gets an internal Flush appended in
// streaming-replication mode (spec.md §4.7: Parse, Execute, Close).
func flushForcing(kind byte) bool {
	return kind == 'P' || kind == 'E' || kind == 'C'
}

// Send writes one extended-query message to every backend selected in qc's
// where_to_send bitmap and records it in the pending FIFO. For a Bind it
// first lazily re-issues the named Parse on any selected backend that has
// not parsed the statement yet (spec.md §4.7 "named-statement re-issue").
func (e *Engine) Send(qc *session.QueryContext, h session.Handle, kind byte, payload []byte, stmtName, portalName string) error {
	if kind == 'B' && stmtName != "" {
		if err := e.reissueParseWhereNeeded(qc, h, stmtName); err != nil {
			return err
		}
	}

	sentTo := make([]bool, len(e.codecs))
	for i, c := range e.codecs {
		if i >= len(qc.WhereToSend) || !qc.WhereToSend[i] || c == nil {
			continue
		}
		if err := c.WriteMessage(kind, payload); err != nil {
			return err
		}
		if e.streaming && flushForcing(kind) {
			if err := c.WriteMessage('H', nil); err != nil {
				return err
			}
		}
		if err := c.Flush(); err != nil {
			return err
		}
		sentTo[i] = true
	}

	e.pending.Push(&PendingMessage{
		Kind:          kind,
		Payload:       payload,
		QueryText:     qc.Text,
		StatementName: stmtName,
		PortalName:    portalName,
		SentTo:        sentTo,
		Query:         h,
		FlushPending:  e.streaming && flushForcing(kind),
	})
	return nil
}

// TrackInjected records a pending entry whose responses come from the
// cache rather than a backend round-trip. The injected messages are held on
// the entry and surface through the target backend's read path only when
// the entry reaches the head of the FIFO, as if the backend had replied
// (spec.md §4.9 lifecycle step 4b).
func (e *Engine) TrackInjected(qc *session.QueryContext, h session.Handle, kind byte, payload []byte, portalName string, injected []wire.Message) {
	sentTo := make([]bool, len(e.codecs))
	for i := range e.codecs {
		if i < len(qc.WhereToSend) && qc.WhereToSend[i] && e.codecs[i] != nil {
			sentTo[i] = true
		}
	}
	e.pending.Push(&PendingMessage{
		Kind:       kind,
		Payload:    payload,
		QueryText:  qc.Text,
		PortalName: portalName,
		SentTo:     sentTo,
		Query:      h,
		Injected:   injected,
	})
}

// reissueParseWhereNeeded re-sends the original Parse bytes to any backend
// selected for the coming Bind that has not reached PARSE_COMPLETE for the
// named statement — typically a backend that was down when the client's
// Parse was processed. The resulting ParseComplete is swallowed so the
// client sees exactly one.
func (e *Engine) reissueParseWhereNeeded(qc *session.QueryContext, h session.Handle, stmtName string) error {
	sm, ok := e.sess.SentMessages().Get(session.SentByParse, stmtName)
	if !ok {
		return nil
	}
	owner, ok := e.sess.Arena().Get(sm.Query)
	if !ok {
		return nil
	}

	sentTo := make([]bool, len(e.codecs))
	reissued := false
	for i, c := range e.codecs {
		if i >= len(qc.WhereToSend) || !qc.WhereToSend[i] || c == nil {
			continue
		}
		if owner.State(i) >= session.StateParseComplete {
			continue
		}
		if e.pending.HasPendingParse(stmtName, i) {
			// The client's own Parse is still in flight to this backend.
			continue
		}
		if err := c.WriteMessage('P', sm.Bytes); err != nil {
			return err
		}
		if e.streaming {
			if err := c.WriteMessage('H', nil); err != nil {
				return err
			}
		}
		if err := c.Flush(); err != nil {
			return err
		}
		sentTo[i] = true
		reissued = true
	}
	if !reissued {
		return nil
	}

	e.log.Debug("re-issued Parse for named statement", "statement", stmtName)
	e.pending.Push(&PendingMessage{
		Kind:                 'P',
		Payload:              sm.Bytes,
		QueryText:            owner.Text,
		StatementName:        stmtName,
		SentTo:               sentTo,
		Query:                sm.Query,
		FlushPending:         e.streaming,
		NotForwardToFrontend: true,
	})
	return nil
}

// Round is the result of draining one response from every backend expected
// to answer the head pending message.
type Round struct {
	// Messages holds each backend's response, indexed by backend slot; nil
	// entries were not expected to respond.
	Messages []*wire.Message
	// Kind is the agreed (or primary-chosen) response kind.
	Kind byte
	// MainBackend is the backend whose response is authoritative for
	// forwarding.
	MainBackend int
	// Forward is false when the response must be swallowed rather than sent
	// to the client (a re-issued Parse's ParseComplete).
	Forward bool
}

// ReadRound reads the next message from every backend the head pending
// entry was sent to, concurrently, and verifies they agree on the kind.
// When they disagree, each backend's observed kind is logged and the main
// backend's kind wins (spec.md §4.7).
//
// The head entry is popped once its terminal response has been seen; data
// rows and other streaming responses leave it in place, so callers loop
// ReadRound until the pending queue drains.
func (e *Engine) ReadRound() (*Round, error) {
	pm := e.pending.Head()
	if pm == nil {
		return nil, poolerr.New(poolerr.KindProtocolViolation, "no pending message to correlate a backend response with")
	}

	// A cache-injected entry surfaces its stored messages through the
	// target backend's read path the moment it becomes head, after every
	// earlier pending response has drained.
	if len(pm.Injected) > 0 && !pm.injectedPushed {
		if target := e.mainBackend(pm); target >= 0 {
			for i := len(pm.Injected) - 1; i >= 0; i-- {
				e.codecs[target].Push(pm.Injected[i])
			}
			pm.injectedPushed = true
		}
	}

	msgs := make([]*wire.Message, len(e.codecs))
	var g errgroup.Group
	for i := range e.codecs {
		if !pm.SentTo[i] || e.codecs[i] == nil {
			continue
		}
		i := i
		g.Go(func() error {
			m, err := e.codecs[i].ReadMessage()
			if err != nil {
				return fmt.Errorf("backend %d: %w", i, err)
			}
			msgs[i] = &m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	main := e.mainBackend(pm)
	kind := byte(0)
	if main >= 0 && msgs[main] != nil {
		kind = msgs[main].Kind
	}
	agreed := true
	for i, m := range msgs {
		if m == nil {
			continue
		}
		if kind == 0 {
			kind = m.Kind
			main = i
		}
		if m.Kind != kind {
			agreed = false
		}
	}
	if main < 0 || msgs[main] == nil {
		return nil, poolerr.New(poolerr.KindBackendDown, "no backend produced a response for the pending message")
	}
	if !agreed {
		attrs := make([]any, 0, 2*len(msgs)+2)
		attrs = append(attrs, "chosen", string(kind))
		for i, m := range msgs {
			if m != nil {
				attrs = append(attrs, fmt.Sprintf("backend_%d", i), string(m.Kind))
			}
		}
		e.log.Warn("backend response kind mismatch", attrs...)
	}

	r := &Round{Messages: msgs, Kind: kind, MainBackend: main, Forward: !pm.NotForwardToFrontend}
	e.advanceStates(pm, kind)
	if terminalFor(pm.Kind, kind) {
		e.pending.Pop()
	}
	return r, nil
}

// mainBackend picks the authoritative responder for pm: the owning query
// context's virtual main if it was sent there, else the first sent backend.
func (e *Engine) mainBackend(pm *PendingMessage) int {
	if qc, ok := e.sess.Arena().Get(pm.Query); ok {
		if v := qc.VirtualMainNodeID; v >= 0 && v < len(pm.SentTo) && pm.SentTo[v] {
			return v
		}
	}
	for i, sent := range pm.SentTo {
		if sent {
			return i
		}
	}
	return -1
}

// advanceStates moves the owning query context's per-backend states forward
// when a completion response arrives. States never regress (spec.md §4.5);
// a backend already past the target state is left alone.
func (e *Engine) advanceStates(pm *PendingMessage, kind byte) {
	var next session.BackendState
	switch kind {
	case '1': // ParseComplete
		next = session.StateParseComplete
	case '2': // BindComplete
		next = session.StateBindComplete
	case 'C', 'I': // CommandComplete / EmptyQueryResponse
		next = session.StateExecuteComplete
	default:
		return
	}

	qc, ok := e.sess.Arena().Get(pm.Query)
	if !ok {
		return
	}
	for i, sent := range pm.SentTo {
		if !sent || i >= len(qc.StatePerBackend) {
			continue
		}
		if session.StateCmp(qc.State(i), next) < 0 {
			qc.StatePerBackend[i] = next
		}
	}
}

// terminalFor reports whether response kind completes the request kind, so
// the pending entry can be popped. Execute streams DataRows ('D') before its
// CommandComplete; Describe answers with RowDescription/NoData and is done.
func terminalFor(req, resp byte) bool {
	switch req {
	case 'P':
		return resp == '1' || resp == 'E'
	case 'B':
		return resp == '2' || resp == 'E'
	case 'C':
		return resp == '3' || resp == 'E'
	case 'D':
		// Describe of a statement answers ParameterDescription ('t') first,
		// then RowDescription/NoData; only the latter pair completes it.
		return resp == 'T' || resp == 'n' || resp == 'E'
	case 'E':
		return resp == 'C' || resp == 'I' || resp == 's' || resp == 'E'
	case 'S':
		return resp == 'Z'
	default:
		return true
	}
}

// OnReadyForQuery settles the session at a Sync boundary: transaction state
// is updated from the RFQ status byte, the pending FIFO is reset, and the
// in-progress query context is released (spec.md §4.7).
func (e *Engine) OnReadyForQuery(txStatus byte) {
	e.pending.Reset()
	e.sess.OnReadyForQuery(txStatus)
}
