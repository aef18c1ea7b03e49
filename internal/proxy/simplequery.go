package proxy

import (
	"fmt"
	"strings"

	"github.com/poolrouter/poolrouter/internal/backend"
	"github.com/poolrouter/poolrouter/internal/cache"
	"github.com/poolrouter/poolrouter/internal/parsetree"
	"github.com/poolrouter/poolrouter/internal/poolerr"
	"github.com/poolrouter/poolrouter/internal/reconcile"
	"github.com/poolrouter/poolrouter/internal/session"
	"github.com/poolrouter/poolrouter/internal/wire"
)

// handleSimpleQuery runs one 'Q' message end to end: classify, route,
// consult the cache, fan out, drain, reconcile, and settle session state at
// ReadyForQuery (spec.md §2 data flow).
func (cc *clientConn) handleSimpleQuery(text string) error {
	if err := cc.srv.lock.Gate(); err != nil {
		return err
	}

	node, err := cc.srv.parser.Parse(text)
	if err != nil {
		return err
	}

	qc := session.NewQueryContext(text, node, cc.srv.cluster.Len())
	cc.sess.BeginStatement(qc)

	// A failed transaction short-circuits everything except its exit
	// (spec.md §4.4).
	if cc.sess.FailedTransaction() && !isTransactionExit(node) {
		cc.codec.WriteMessage('E', wire.EncodeErrorResponse(map[byte]string{
			'S': "ERROR", 'V': "ERROR", 'C': "25P02",
			'M': "current transaction is aborted, commands ignored until end of transaction block",
		}))
		cc.sess.OnReadyForQuery('E')
		return cc.writeReadyForQuery('E')
	}

	dest, err := cc.srv.router.Route(cc.sess, qc)
	if err != nil {
		cc.sess.OnReadyForQuery(cc.txStatus)
		return err
	}
	if cc.srv.metrics != nil {
		cc.srv.metrics.RouteDecision(dest.String())
	}

	// pg_terminate_backend(pid) must reach the exact node hosting the pid,
	// overriding the normal read/write policy.
	if pid, ok := terminateBackendPID(text); ok {
		if target := cc.backendHostingPID(pid); target >= 0 {
			if err := cc.srv.router.RouteTerminateBackend(qc, target); err != nil {
				cc.sess.OnReadyForQuery(cc.txStatus)
				return err
			}
		}
	}

	// Cache consultation happens before any backend is touched (spec.md
	// §4.9 lifecycle step 4).
	cacheable := cc.cacheEnabled() &&
		parsetree.StatementCount(text) == 1 &&
		parsetree.IsCacheable(node, cc.srv.router.UnsafeTables())
	qc.IsCacheSafe = cacheable

	if cacheable && !cc.sess.InsideTransaction() {
		key := cache.Fingerprint(cc.sess.User, text, cc.sess.Database)
		if data, ok := cc.srv.cache.Lookup(key); ok && replayableAsSimple(data) {
			if cc.srv.metrics != nil {
				cc.srv.metrics.CacheHit()
			}
			return cc.serveFromCache(data)
		}
		if cc.srv.metrics != nil {
			cc.srv.metrics.CacheMiss()
		}
	}
	if cacheable {
		qc.TempCache = session.NewTempCache(cc.srv.cfg.Cache.MaxCache)
	}

	if err := cc.forwardSimple(qc, node); err != nil {
		cc.sess.OnReadyForQuery(cc.txStatus)
		return err
	}

	return cc.drainSimple(qc, node, dest, text)
}

// terminateBackendPID extracts the pid argument of a top-level
// pg_terminate_backend call, if the text contains one.
func terminateBackendPID(text string) (uint32, bool) {
	idx := strings.Index(strings.ToLower(text), "pg_terminate_backend")
	if idx < 0 {
		return 0, false
	}
	rest := text[idx+len("pg_terminate_backend"):]
	open := strings.IndexByte(rest, '(')
	if open < 0 {
		return 0, false
	}
	closeIdx := strings.IndexByte(rest[open:], ')')
	if closeIdx < 0 {
		return 0, false
	}
	arg := strings.TrimSpace(rest[open+1 : open+closeIdx])
	var pid uint32
	if _, err := fmt.Sscanf(arg, "%d", &pid); err != nil {
		return 0, false
	}
	return pid, true
}

// backendHostingPID finds the backend slot whose session connection carries
// the given backend pid, or -1.
func (cc *clientConn) backendHostingPID(pid uint32) int {
	for i, bc := range cc.backends {
		if bc != nil && bc.BackendPID == pid {
			return i
		}
	}
	return -1
}

func (cc *clientConn) cacheEnabled() bool {
	return cc.srv.cache != nil && cc.srv.cfg.Cache.Enabled
}

func isTransactionExit(node parsetree.Node) bool {
	t, ok := node.(parsetree.TransactionStmt)
	if !ok {
		return false
	}
	switch t.Kind {
	case parsetree.TxnCommit, parsetree.TxnRollback, parsetree.TxnRollbackTo:
		return true
	default:
		return false
	}
}

// replayableAsSimple reports whether a cached entry can answer a simple
// query: rows need their RowDescription, which an entry stored from an
// extended-protocol Execute does not carry.
func replayableAsSimple(data []byte) bool {
	msgs, err := wire.SplitMessages(data)
	if err != nil {
		return false
	}
	hasT, hasD := false, false
	for _, m := range msgs {
		switch m.Kind {
		case 'T':
			hasT = true
		case 'D':
			hasD = true
		}
	}
	return hasT || !hasD
}

// serveFromCache replays the stored result bytes verbatim and synthesizes
// ReadyForQuery; no backend is touched.
func (cc *clientConn) serveFromCache(data []byte) error {
	msgs, err := wire.SplitMessages(data)
	if err != nil {
		cc.srv.cache.Reset()
		cc.sess.OnReadyForQuery(cc.txStatus)
		return err
	}
	for _, m := range msgs {
		if err := cc.codec.WriteMessage(m.Kind, m.Payload); err != nil {
			return err
		}
	}
	cc.sess.OnReadyForQuery('I')
	return cc.writeReadyForQuery('I')
}

// forwardSimple writes the statement to every routed backend, substituting
// the standby rewrite where one applies (BEGIN READ WRITE / START
// TRANSACTION SERIALIZABLE become plain BEGIN off the primary).
func (cc *clientConn) forwardSimple(qc *session.QueryContext, node parsetree.Node) error {
	rewritten, hasRewrite := "", false
	if cc.srv.cluster.Mode == backend.ModeReplica {
		rewritten, hasRewrite = session.RewriteForStandby(node)
	}
	primary := cc.srv.cluster.PrimaryIndex()

	for i, selected := range qc.WhereToSend {
		if !selected || cc.codecs[i] == nil {
			continue
		}
		text := qc.Text
		if hasRewrite && i != primary {
			qc.RewrittenText = rewritten
			text = rewritten
		}
		if err := cc.codecs[i].WriteAndFlush('Q', append([]byte(text), 0)); err != nil {
			return err
		}
	}
	return nil
}

// drainSimple consumes every routed backend's response stream through
// ReadyForQuery. The virtual main's messages are forwarded to the client;
// the others are drained for their CommandComplete tags, reconciled before
// the single RFQ the client sees (spec.md §4.8, P7).
func (cc *clientConn) drainSimple(qc *session.QueryContext, node parsetree.Node, dest parsetree.Destination, text string) error {
	main := qc.VirtualMainNodeID
	tags := make(map[int]string)
	txStatus := byte('I')

	for i, selected := range qc.WhereToSend {
		if !selected || cc.codecs[i] == nil {
			continue
		}
		status, err := cc.drainBackend(qc, i, i == main, tags)
		if err != nil {
			return err
		}
		if i == main {
			txStatus = status
		}
	}

	if res := reconcile.Compare(tags); res.Mismatch {
		cc.sendError(res.Error(cc.srv.log, text))
		if cc.srv.metrics != nil {
			cc.srv.metrics.MismatchedTuples()
		}
	}

	cc.settleStatement(qc, node, dest, text, txStatus)
	cc.engine.OnReadyForQuery(txStatus)
	return cc.writeReadyForQuery(txStatus)
}

// drainBackend reads one backend's stream until RFQ. forward controls
// whether messages are relayed to the client; tags collects CommandComplete
// tags for reconciliation.
func (cc *clientConn) drainBackend(qc *session.QueryContext, i int, forward bool, tags map[int]string) (byte, error) {
	c := cc.codecs[i]
	for {
		m, err := c.ReadMessage()
		if err != nil {
			return 0, err
		}
		switch m.Kind {
		case 'Z':
			status := byte('I')
			if len(m.Payload) > 0 {
				status = m.Payload[0]
			}
			return status, nil

		case 'C':
			tag, _ := wire.DecodeCString(m.Payload, 0)
			tags[i] = tag
			if forward {
				cc.forwardToClient(qc, m)
			}

		case 'E':
			if i == qc.VirtualMainNodeID {
				cc.sess.NoteError()
			}
			if qc.TempCache != nil {
				// An errored statement must never be cached.
				qc.TempCache = nil
			}
			if forward {
				cc.codec.WriteMessage(m.Kind, m.Payload)
			}

		case 'G':
			// CopyInResponse: the backend now expects data frames from the
			// client; relay them before reading further backend messages.
			if forward {
				cc.codec.WriteAndFlush(m.Kind, m.Payload)
				if err := cc.relayCopyIn(qc); err != nil {
					return 0, err
				}
			}

		default:
			if forward {
				cc.forwardToClient(qc, m)
			}
		}
	}
}

// relayCopyIn pumps the client's CopyData/CopyDone/CopyFail frames to every
// routed backend until the copy ends.
func (cc *clientConn) relayCopyIn(qc *session.QueryContext) error {
	for {
		m, err := cc.codec.ReadMessage()
		if err != nil {
			return err
		}
		switch m.Kind {
		case 'd', 'c', 'f':
			for i, selected := range qc.WhereToSend {
				if selected && cc.codecs[i] != nil {
					if err := cc.codecs[i].WriteAndFlush(m.Kind, m.Payload); err != nil {
						return err
					}
				}
			}
			if m.Kind != 'd' {
				return nil
			}
		default:
			return poolerr.New(poolerr.KindProtocolViolation,
				"unexpected message during COPY FROM")
		}
	}
}

// forwardToClient relays one backend message, feeding the statement's temp
// cache when one is accumulating. Only result-bearing kinds are buffered;
// pipeline acknowledgements (ParseComplete, BindComplete, CloseComplete)
// belong to the exchange, not the result, and must not replay on a hit.
func (cc *clientConn) forwardToClient(qc *session.QueryContext, m wire.Message) {
	if qc.TempCache != nil {
		switch m.Kind {
		case 'T', 'D', 'C', 'I', 'n', 't', 's':
			qc.TempCache.Append(wire.EncodeMessage(m.Kind, m.Payload))
		}
	}
	cc.codec.WriteMessage(m.Kind, m.Payload)
}

// settleStatement performs the bookkeeping owed at a statement boundary:
// write tracking, temp-table tracking, cache commit/invalidation (deferred
// to COMMIT inside a transaction), and transaction-exit settlement.
func (cc *clientConn) settleStatement(qc *session.QueryContext, node parsetree.Node, dest parsetree.Destination, text string, txStatus byte) {
	writeTargets := cc.collectWriteTargets(text, node)

	if len(writeTargets) > 0 {
		cc.sess.NoteWrite(writeTargets)
		oids := make([]parsetree.Oid, 0, len(writeTargets))
		for _, rv := range writeTargets {
			if oid, ok := cc.srv.resolve(rv.Schema, rv.Name); ok {
				oids = append(oids, oid)
			}
		}
		if cc.cacheEnabled() && len(oids) > 0 {
			if cc.sess.InsideTransaction() && txStatus != 'I' {
				cc.pendingInvalidOids = append(cc.pendingInvalidOids, oids...)
			} else {
				cc.invalidateNow(oids)
			}
		}
	}

	cc.trackTempTables(text)

	if t, ok := node.(parsetree.TransactionStmt); ok {
		switch t.Kind {
		case parsetree.TxnCommit:
			cc.sess.NoteCommit()
			cc.flushPendingCacheWork()
		case parsetree.TxnRollback:
			cc.sess.NoteRollback()
			cc.pendingStores = nil
			cc.pendingInvalidOids = nil
		}
	}

	cc.commitTempCache(qc, text, txStatus)
}

// collectWriteTargets scans every top-level statement of a multi-statement
// text for write targets — not just the first (spec.md §9 Open Question).
func (cc *clientConn) collectWriteTargets(text string, node parsetree.Node) []parsetree.RangeVar {
	if parsetree.StatementCount(text) <= 1 {
		return parsetree.WriteTargets(node)
	}
	nodes, err := parsetree.ScanTopLevel(text, cc.srv.parser)
	if err != nil {
		return parsetree.WriteTargets(node)
	}
	var targets []parsetree.RangeVar
	for _, n := range nodes {
		targets = append(targets, parsetree.WriteTargets(n)...)
	}
	return targets
}

// trackTempTables records CREATE/DROP of temporary tables for the router's
// temp-table check.
func (cc *clientConn) trackTempTables(text string) {
	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "CREATE TEMP TABLE"), strings.Contains(upper, "CREATE TEMPORARY TABLE"):
		if name := tableNameAfter(text, "TABLE"); name != "" {
			cc.sess.TempTables().NoteCreate(name)
		}
	case strings.HasPrefix(upper, "DROP TABLE"):
		if name := tableNameAfter(text, "TABLE"); name != "" && cc.sess.TempTables().IsTempTable(name) {
			cc.sess.TempTables().NoteDrop(name)
		}
	}
}

func tableNameAfter(text, keyword string) string {
	upper := strings.ToUpper(text)
	idx := strings.LastIndex(upper, keyword)
	if idx < 0 {
		return ""
	}
	fields := strings.FieldsFunc(text[idx+len(keyword):], func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '(' || r == ';'
	})
	for _, f := range fields {
		switch strings.ToUpper(f) {
		case "IF", "NOT", "EXISTS":
			continue
		}
		return f
	}
	return ""
}

// commitTempCache commits a completed cache-safe SELECT's buffered result:
// immediately when outside a transaction, deferred to COMMIT inside one
// (spec.md §4.9 lifecycle step 3).
func (cc *clientConn) commitTempCache(qc *session.QueryContext, text string, txStatus byte) {
	tc := qc.TempCache
	if tc == nil || tc.Exceeded() || tc.Len() == 0 {
		return
	}
	key := cache.Fingerprint(cc.sess.User, text, cc.sess.Database)

	var tables []parsetree.Oid
	if sel, ok := qc.Node.(parsetree.SelectStmt); ok {
		for _, rv := range sel.Tables {
			if oid, resolved := cc.srv.resolve(rv.Schema, rv.Name); resolved {
				tables = append(tables, oid)
			}
		}
	}

	if txStatus == 'I' {
		cc.storeInCache(cacheCandidate{key: key, tables: tables, data: tc.Bytes()})
	} else {
		cc.pendingStores = append(cc.pendingStores, cacheCandidate{key: key, tables: tables, data: tc.Bytes()})
	}
}

func (cc *clientConn) storeInCache(cand cacheCandidate) {
	err := cc.srv.cache.Store(cand.key, cc.databaseOid(), cand.tables, cc.srv.cfg.Cache.DefaultTTL, cand.data)
	if err != nil {
		cc.srv.log.Warn("cache store failed", "err", err)
	}
}

func (cc *clientConn) invalidateNow(oids []parsetree.Oid) {
	n := cc.srv.cache.InvalidateTables(cc.databaseOid(), oids)
	if n > 0 && cc.srv.metrics != nil {
		cc.srv.metrics.CacheInvalidation()
	}
}

// flushPendingCacheWork settles cache work deferred to COMMIT: first the
// invalidations for tables written in the transaction, then the stores —
// order matters so the transaction's own SELECTs never resurrect results
// that predate its writes (P4).
func (cc *clientConn) flushPendingCacheWork() {
	if !cc.cacheEnabled() {
		cc.pendingStores = nil
		cc.pendingInvalidOids = nil
		return
	}
	invalid := make(map[parsetree.Oid]bool, len(cc.pendingInvalidOids))
	for _, oid := range cc.pendingInvalidOids {
		invalid[oid] = true
	}
	if len(cc.pendingInvalidOids) > 0 {
		cc.invalidateNow(cc.pendingInvalidOids)
		cc.pendingInvalidOids = nil
	}

	for _, cand := range cc.pendingStores {
		// A SELECT whose table was also written in this transaction may
		// predate the write; discard rather than cache a stale result.
		stale := false
		for _, t := range cand.tables {
			if invalid[t] {
				stale = true
				break
			}
		}
		if !stale {
			cc.storeInCache(cand)
		}
	}
	cc.pendingStores = nil
}
