package proxy

import (
	"github.com/poolrouter/poolrouter/internal/cache"
	"github.com/poolrouter/poolrouter/internal/parsetree"
	"github.com/poolrouter/poolrouter/internal/poolerr"
	"github.com/poolrouter/poolrouter/internal/reconcile"
	"github.com/poolrouter/poolrouter/internal/session"
	"github.com/poolrouter/poolrouter/internal/wire"
)

// extState is the extended-query state carried on the clientConn between
// messages of one pipeline (Parse…Sync): the most recent query context and
// its handle, plus the failed latch that discards messages until Sync.
type extState struct {
	qc     *session.QueryContext
	h      session.Handle
	failed bool
	// served marks an Execute answered from the cache, so its result is not
	// re-cached at Sync.
	served bool
}

// handleExtended dispatches one P/B/D/E/C/H frontend message.
func (cc *clientConn) handleExtended(m wire.Message) error {
	if cc.ext.failed {
		return nil // discarded until Sync
	}
	if err := cc.srv.lock.Gate(); err != nil {
		return err
	}

	var err error
	switch m.Kind {
	case 'P':
		err = cc.handleParse(m.Payload)
	case 'B':
		err = cc.handleBind(m.Payload)
	case 'D':
		err = cc.handleDescribe(m.Payload)
	case 'E':
		err = cc.handleExecute(m.Payload)
	case 'C':
		err = cc.handleClose(m.Payload)
	case 'H':
		err = cc.handleFlush()
	}
	if err != nil {
		cc.ext.failed = true
	}
	return err
}

// handleParse classifies and routes the named statement, records it in the
// sent-message registry, and fans the Parse out.
func (cc *clientConn) handleParse(payload []byte) error {
	name, n, ok := wire.ReadString(payload, 0)
	if !ok {
		return poolerr.New(poolerr.KindProtocolViolation, "malformed Parse")
	}
	query, _, ok := wire.ReadString(payload, n)
	if !ok {
		return poolerr.New(poolerr.KindProtocolViolation, "malformed Parse")
	}

	node, err := cc.srv.parser.Parse(query)
	if err != nil {
		return err
	}

	qc := session.NewQueryContext(query, node, cc.srv.cluster.Len())
	dest, err := cc.srv.router.Route(cc.sess, qc)
	if err != nil {
		return err
	}
	if cc.srv.metrics != nil {
		cc.srv.metrics.RouteDecision(dest.String())
	}
	qc.IsCacheSafe = cc.cacheEnabled() && parsetree.IsCacheable(node, cc.srv.router.UnsafeTables())

	// The named statement owns its query context for as long as the name is
	// live; a previous statement under the same name is replaced.
	if old, exists := cc.sess.SentMessages().Get(session.SentByParse, name); exists {
		cc.sess.Arena().Free(old.Query)
	}
	h := cc.sess.Arena().Alloc(qc)

	wts := make([]bool, len(qc.WhereToSend))
	copy(wts, qc.WhereToSend)
	cc.sess.SentMessages().Add(&session.SentMessage{
		Kind:        session.SentByParse,
		Name:        name,
		Bytes:       append([]byte(nil), payload...),
		Query:       h,
		Destination: dest,
		WhereToSend: wts,
	})

	cc.ext.qc, cc.ext.h = qc, h
	return cc.engine.Send(qc, h, 'P', payload, name, "")
}

// handleBind binds a portal over the named statement, inheriting its query
// context and routing bitmap; the engine lazily re-Parses on backends that
// missed the original Parse.
func (cc *clientConn) handleBind(payload []byte) error {
	portal, n, ok := wire.ReadString(payload, 0)
	if !ok {
		return poolerr.New(poolerr.KindProtocolViolation, "malformed Bind")
	}
	stmt, _, ok := wire.ReadString(payload, n)
	if !ok {
		return poolerr.New(poolerr.KindProtocolViolation, "malformed Bind")
	}

	sm, qc, h, err := cc.lookupStatement(stmt)
	if err != nil {
		return err
	}

	cc.sess.SentMessages().Add(&session.SentMessage{
		Kind:        session.SentByBind,
		Name:        portal,
		Bytes:       append([]byte(nil), payload...),
		Query:       h,
		Destination: sm.Destination,
		WhereToSend: sm.WhereToSend,
	})

	cc.ext.qc, cc.ext.h = qc, h
	return cc.engine.Send(qc, h, 'B', payload, stmt, portal)
}

func (cc *clientConn) handleDescribe(payload []byte) error {
	if len(payload) < 2 {
		return poolerr.New(poolerr.KindProtocolViolation, "malformed Describe")
	}
	name, _, _ := wire.ReadString(payload, 1)

	qc, h := cc.ext.qc, cc.ext.h
	if payload[0] == 'S' {
		if _, sqc, sh, err := cc.lookupStatement(name); err == nil {
			qc, h = sqc, sh
		}
	} else if sm, ok := cc.sess.SentMessages().Get(session.SentByBind, name); ok {
		if pqc, live := cc.sess.Arena().Get(sm.Query); live {
			qc, h = pqc, sm.Query
		}
	}
	if qc == nil {
		return poolerr.New(poolerr.KindProtocolViolation, "Describe with no statement in flight")
	}
	return cc.engine.Send(qc, h, 'D', payload, "", name)
}

// handleExecute runs the named portal. A cache-safe statement with a live
// cached result is answered by injecting the stored messages into the
// target backend's read path, preserving pipeline ordering without touching
// the backend (spec.md §4.9 lifecycle step 4b).
func (cc *clientConn) handleExecute(payload []byte) error {
	portal, _, ok := wire.ReadString(payload, 0)
	if !ok {
		return poolerr.New(poolerr.KindProtocolViolation, "malformed Execute")
	}

	qc, h := cc.ext.qc, cc.ext.h
	if sm, found := cc.sess.SentMessages().Get(session.SentByBind, portal); found {
		if pqc, live := cc.sess.Arena().Get(sm.Query); live {
			qc, h = pqc, sm.Query
		}
	}
	if qc == nil {
		return poolerr.New(poolerr.KindProtocolViolation, "Execute with no portal in flight")
	}
	cc.ext.qc, cc.ext.h = qc, h

	if qc.IsCacheSafe && !cc.sess.InsideTransaction() {
		key := cache.Fingerprint(cc.sess.User, qc.Text, cc.sess.Database)
		if data, ok := cc.srv.cache.Lookup(key); ok {
			if injected := cc.injectCachedResult(qc, h, payload, portal, data); injected {
				if cc.srv.metrics != nil {
					cc.srv.metrics.CacheHit()
				}
				cc.ext.served = true
				return nil
			}
		}
		if cc.srv.metrics != nil {
			cc.srv.metrics.CacheMiss()
		}
	}

	if qc.IsCacheSafe && !cc.sess.InsideTransaction() && qc.TempCache == nil {
		qc.TempCache = session.NewTempCache(cc.srv.cfg.Cache.MaxCache)
	}
	return cc.engine.Send(qc, h, 'E', payload, "", portal)
}

// injectCachedResult hands the cached response messages to the engine as a
// tracked pending entry; they surface through the target backend's read
// path when the entry reaches the head of the FIFO, preserving pipeline
// ordering. Only results consisting of extended-protocol response kinds
// are injectable.
func (cc *clientConn) injectCachedResult(qc *session.QueryContext, h session.Handle, payload []byte, portal string, data []byte) bool {
	target := qc.VirtualMainNodeID
	if target < 0 || target >= len(cc.codecs) || cc.codecs[target] == nil {
		return false
	}
	msgs, err := wire.SplitMessages(data)
	if err != nil {
		cc.srv.cache.Reset()
		return false
	}
	// Only entries consisting purely of Execute-phase responses can stand
	// in for an Execute round-trip; a simple-protocol entry carrying its
	// RowDescription is left for the simple path to replay.
	for _, m := range msgs {
		switch m.Kind {
		case 'D', 'C', 'I', 's':
		default:
			return false
		}
	}
	cc.engine.TrackInjected(qc, h, 'E', payload, portal, msgs)
	return true
}

func (cc *clientConn) handleClose(payload []byte) error {
	if len(payload) < 2 {
		return poolerr.New(poolerr.KindProtocolViolation, "malformed Close")
	}
	name, _, _ := wire.ReadString(payload, 1)

	kind := session.SentByBind
	if payload[0] == 'S' {
		kind = session.SentByParse
	}
	if sm, ok := cc.sess.SentMessages().Get(kind, name); ok {
		if kind == session.SentByParse {
			cc.sess.Arena().Free(sm.Query)
		}
		cc.sess.SentMessages().Close(kind, name)
	}

	qc, h := cc.ext.qc, cc.ext.h
	if qc == nil {
		// Closing an unknown name still needs a backend round-trip for the
		// CloseComplete; aim it at the primary.
		p, err := cc.srv.cluster.ResolvePrimaryOrMain()
		if err != nil {
			return err
		}
		qc = session.NewQueryContext("", parsetree.GenericStmt{}, cc.srv.cluster.Len())
		qc.WhereToSend[p] = true
		qc.RecomputeVirtualMainNodeID()
		h = cc.sess.Arena().Alloc(qc)
		cc.ext.qc, cc.ext.h = qc, h
	}
	return cc.engine.Send(qc, h, 'C', payload, "", name)
}

// handleFlush forwards the client's Flush to every backend of the current
// pipeline; Flush has no response of its own.
func (cc *clientConn) handleFlush() error {
	qc := cc.ext.qc
	if qc == nil {
		return nil
	}
	for i, selected := range qc.WhereToSend {
		if !selected || cc.codecs[i] == nil {
			continue
		}
		if err := cc.codecs[i].WriteMessage('H', nil); err != nil {
			return err
		}
		if err := cc.codecs[i].Flush(); err != nil {
			return err
		}
	}
	return nil
}

// handleSync ends the pipeline: the Sync fans out, then responses are
// drained in pending-FIFO order until ReadyForQuery, reconciling replicated
// write counts before the single RFQ the client sees.
func (cc *clientConn) handleSync() error {
	if cc.ext.failed && cc.engine.Pending().Len() == 0 {
		// The pipeline died before anything reached a backend; answer the
		// Sync ourselves.
		cc.ext = extState{}
		status := byte('I')
		if cc.sess.InsideTransaction() {
			status = 'E'
		}
		cc.sess.OnReadyForQuery(status)
		return cc.writeReadyForQuery(status)
	}

	qc, h := cc.ext.qc, cc.ext.h
	if qc == nil {
		p, err := cc.srv.cluster.ResolvePrimaryOrMain()
		if err != nil {
			return err
		}
		qc = session.NewQueryContext("", parsetree.GenericStmt{}, cc.srv.cluster.Len())
		qc.WhereToSend[p] = true
		qc.RecomputeVirtualMainNodeID()
		h = cc.sess.Arena().Alloc(qc)
	}

	if err := cc.engine.Send(qc, h, 'S', nil, "", ""); err != nil {
		return err
	}

	tags := make(map[int]string)
	txStatus := byte('I')
	for cc.engine.Pending().Len() > 0 {
		reqKind := byte(0)
		if head := cc.engine.Pending().Head(); head != nil {
			reqKind = head.Kind
		}
		r, err := cc.engine.ReadRound()
		if err != nil {
			return err
		}
		main := r.Messages[r.MainBackend]

		switch r.Kind {
		case 'Z':
			if len(main.Payload) > 0 {
				txStatus = main.Payload[0]
			}
			if res := reconcile.Compare(tags); res.Mismatch {
				cc.sendError(res.Error(cc.srv.log, qc.Text))
				if cc.srv.metrics != nil {
					cc.srv.metrics.MismatchedTuples()
				}
			}
			cc.settleExtended(qc, txStatus)
			cc.engine.OnReadyForQuery(txStatus)
			cc.ext = extState{}
			return cc.writeReadyForQuery(txStatus)

		case 'C':
			for i, m := range r.Messages {
				if m != nil {
					tag, _ := wire.DecodeCString(m.Payload, 0)
					tags[i] = tag
				}
			}
			if r.Forward {
				cc.relayRound(qc, *main, reqKind)
			}

		case 'E':
			if r.MainBackend == qc.VirtualMainNodeID {
				cc.sess.NoteError()
			}
			qc.TempCache = nil
			if r.Forward {
				cc.codec.WriteMessage(main.Kind, main.Payload)
			}

		default:
			if r.Forward {
				cc.relayRound(qc, *main, reqKind)
			}
		}
	}

	// The queue drained without an RFQ (all entries errored out); close the
	// round ourselves.
	status := byte('I')
	if cc.sess.InsideTransaction() {
		status = 'E'
	}
	cc.engine.OnReadyForQuery(status)
	cc.ext = extState{}
	return cc.writeReadyForQuery(status)
}

// relayRound forwards one drained response. Only Execute-phase responses
// feed the temp cache: a Describe's RowDescription belongs to the exchange,
// and re-storing it would make the entry unreplayable as an Execute
// stand-in.
func (cc *clientConn) relayRound(qc *session.QueryContext, m wire.Message, reqKind byte) {
	if reqKind == 'E' {
		cc.forwardToClient(qc, m)
		return
	}
	cc.codec.WriteMessage(m.Kind, m.Payload)
}

// settleExtended mirrors the simple-query statement settlement at a Sync
// boundary.
func (cc *clientConn) settleExtended(qc *session.QueryContext, txStatus byte) {
	if cc.ext.served {
		qc.TempCache = nil
	}
	cc.settleStatement(qc, qc.Node, parsetree.Either, qc.Text, txStatus)
}

// lookupStatement resolves a named (or unnamed) Parse to its sent-message
// record and live query context.
func (cc *clientConn) lookupStatement(name string) (*session.SentMessage, *session.QueryContext, session.Handle, error) {
	sm, ok := cc.sess.SentMessages().Get(session.SentByParse, name)
	if !ok {
		return nil, nil, session.Handle{}, poolerr.New(poolerr.KindProtocolViolation,
			"unknown prepared statement \""+name+"\"")
	}
	qc, live := cc.sess.Arena().Get(sm.Query)
	if !live {
		return nil, nil, session.Handle{}, poolerr.New(poolerr.KindProtocolViolation,
			"prepared statement \""+name+"\" has no live query context")
	}
	return sm, qc, sm.Query, nil
}

// forwardCopyMessage relays a copy-subprotocol frame (CopyData/CopyDone/
// CopyFail) to every backend of the statement in flight.
func (cc *clientConn) forwardCopyMessage(m wire.Message) error {
	qc := cc.sess.Current()
	if qc == nil {
		qc = cc.ext.qc
	}
	if qc == nil {
		return poolerr.New(poolerr.KindProtocolViolation, "COPY message outside a COPY operation")
	}
	for i, selected := range qc.WhereToSend {
		if !selected || cc.codecs[i] == nil {
			continue
		}
		if err := cc.codecs[i].WriteAndFlush(m.Kind, m.Payload); err != nil {
			return err
		}
	}
	return nil
}
