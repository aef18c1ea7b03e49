package proxy

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"net"
	"sync/atomic"
	"time"

	"github.com/poolrouter/poolrouter/internal/auth"
	"github.com/poolrouter/poolrouter/internal/backend"
	"github.com/poolrouter/poolrouter/internal/cache"
	"github.com/poolrouter/poolrouter/internal/extquery"
	"github.com/poolrouter/poolrouter/internal/parsetree"
	"github.com/poolrouter/poolrouter/internal/poolconn"
	"github.com/poolrouter/poolrouter/internal/poolerr"
	"github.com/poolrouter/poolrouter/internal/session"
	"github.com/poolrouter/poolrouter/internal/wire"
)

const (
	protocolV3        = 3 << 16
	protocolV2        = 2 << 16
	sslRequestCode    = 80877103
	cancelRequestCode = 80877102
)

var (
	// processNonce seeds the mock SCRAM verifier for unknown users; one per
	// process lifetime (spec.md §4.2).
	processNonce = func() []byte {
		b := make([]byte, 32)
		rand.Read(b)
		return b
	}()

	localPIDCounter atomic.Uint32
)

// clientConn is one client session: the frontend codec, the per-backend
// connections held for the session's lifetime, and the session/engine state
// driving each statement.
type clientConn struct {
	srv   *Server
	codec *wire.Codec

	sess     *session.Session
	backends []*poolconn.Conn
	codecs   []*wire.Codec
	engine   *extquery.Engine

	txStatus byte // last RFQ status forwarded to the client

	// ext is the extended-query pipeline state between Parse and Sync.
	ext extState

	// uncommitted cache entries and invalidations deferred to COMMIT when
	// produced inside a transaction (spec.md §4.9 lifecycle steps 3 and
	// "Invalidation").
	pendingStores      []cacheCandidate
	pendingInvalidOids []parsetree.Oid
}

type cacheCandidate struct {
	key    cache.Key
	tables []parsetree.Oid
	data   []byte
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	codec, user, db, ok := s.negotiateStartup(conn)
	if !ok {
		return
	}

	cc := &clientConn{srv: s, codec: codec, txStatus: 'I'}
	if err := cc.authenticate(user, db); err != nil {
		cc.sendError(err)
		return
	}

	cc.sess = session.New(user, db)
	s.lock.SessionStarted()
	defer s.lock.SessionEnded()

	if err := cc.attachBackends(); err != nil {
		cc.sendError(err)
		return
	}
	defer cc.releaseBackends()

	cc.sess.SetIsolationResolver(cc.resolveIsolation)

	pid := localPIDCounter.Add(1)
	var keyBuf [4]byte
	rand.Read(keyBuf[:])
	key := binary.BigEndian.Uint32(keyBuf[:])
	cc.sess.BackendPID = pid
	cc.sess.BackendKey = key
	s.registerCancelKey(pid, key, cc)
	defer s.unregisterCancelKey(pid, key)

	if err := cc.completeStartup(pid, key); err != nil {
		return
	}

	s.log.Info("session started", "session", cc.sess.ID, "user", user, "database", db)
	start := time.Now()
	cc.run()
	if s.metrics != nil {
		s.metrics.SessionDuration(time.Since(start))
	}
	s.log.Info("session ended", "session", cc.sess.ID)
}

// negotiateStartup consumes SSLRequest/CancelRequest preambles and parses
// the StartupMessage, returning the (possibly TLS-wrapped) codec and the
// startup parameters.
func (s *Server) negotiateStartup(conn net.Conn) (codec *wire.Codec, user, db string, ok bool) {
	codec = wire.NewCodec(conn)

	for {
		payload, err := codec.ReadUntyped()
		if err != nil {
			return nil, "", "", false
		}
		if len(payload) < 4 {
			return nil, "", "", false
		}
		code := binary.BigEndian.Uint32(payload[:4])

		switch code {
		case sslRequestCode:
			// SSL negotiation is a pass-through of S/N ahead of the
			// StartupMessage (spec.md §6).
			if s.tlsConfig != nil {
				conn.Write([]byte{'S'})
				tlsConn := tlsServer(conn, s.tlsConfig)
				conn = tlsConn
				codec = wire.NewCodec(tlsConn)
			} else {
				conn.Write([]byte{'N'})
			}
			continue

		case cancelRequestCode:
			s.handleCancelRequest(payload)
			return nil, "", "", false

		case protocolV2:
			// Recognized only far enough to refuse it.
			writeStartupError(codec, "0A000", "protocol version 2 is not supported")
			return nil, "", "", false

		case protocolV3:
			params := parseStartupParams(payload[4:])
			return codec, params["user"], params["database"], true

		default:
			writeStartupError(codec, "08P01", "unrecognized startup packet")
			return nil, "", "", false
		}
	}
}

func parseStartupParams(data []byte) map[string]string {
	params := make(map[string]string)
	off := 0
	for off < len(data) {
		k, n, ok := wire.ReadString(data, off)
		if !ok || k == "" {
			break
		}
		off += n
		v, n, ok := wire.ReadString(data, off)
		if !ok {
			break
		}
		off += n
		params[k] = v
	}
	return params
}

// authenticate runs the server side of client authentication, choosing the
// method from the stored password form; an unknown user still runs the full
// mock SCRAM exchange (spec.md §4.2).
func (cc *clientConn) authenticate(user, db string) error {
	store := cc.srv.passwordStore()
	if store == nil {
		return auth.ServerAuthenticate(cc.codec, auth.MethodTrust, user, nil, auth.Entry{}, false, processNonce, [4]byte{})
	}

	entry, ok := store.Lookup(user)
	method := auth.MethodSCRAM
	if ok && entry.Form == auth.FormMD5 {
		method = auth.MethodMD5
	}

	var salt [4]byte
	rand.Read(salt[:])
	err := auth.ServerAuthenticate(cc.codec, method, user, store, entry, ok, processNonce, salt)
	if cc.srv.metrics != nil && method == auth.MethodSCRAM {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		cc.srv.metrics.SCRAMExchange(outcome)
	}
	return err
}

// attachBackends acquires one pooled connection per UP backend slot for the
// session's lifetime. A down standby is tolerated (left nil); a missing
// primary/main is fatal.
func (cc *clientConn) attachBackends() error {
	cluster := cc.srv.cluster
	cc.backends = make([]*poolconn.Conn, cluster.Len())
	cc.codecs = make([]*wire.Codec, cluster.Len())

	required, err := cluster.ResolvePrimaryOrMain()
	if err != nil {
		return poolerr.Wrap(poolerr.KindBackendDown, "no backend available", err)
	}

	for i := 0; i < cluster.Len(); i++ {
		if cluster.Slot(i).Status() != backend.StatusUp {
			continue
		}
		c, err := cc.srv.pools.Pool(i).Acquire(cc.srv.ctx)
		if err != nil {
			if i == required {
				return err
			}
			cc.srv.log.Warn("standby unavailable for session", "backend", i, "err", err)
			continue
		}
		cc.backends[i] = c
		cc.codecs[i] = c.Codec()
	}

	streaming := cluster.Mode == backend.ModeReplica
	cc.engine = extquery.NewEngine(cc.srv.log, cc.sess, cc.codecs, streaming)
	return nil
}

func (cc *clientConn) releaseBackends() {
	for i, c := range cc.backends {
		if c != nil {
			c.Return()
			cc.backends[i] = nil
		}
	}
}

// completeStartup emits the post-auth preamble: ParameterStatus,
// BackendKeyData, and the first ReadyForQuery.
func (cc *clientConn) completeStartup(pid, key uint32) error {
	for _, kv := range [][2]string{
		{"server_encoding", "UTF8"},
		{"client_encoding", "UTF8"},
	} {
		payload := append([]byte(kv[0]), 0)
		payload = append(payload, kv[1]...)
		payload = append(payload, 0)
		if err := cc.codec.WriteMessage('S', payload); err != nil {
			return err
		}
	}

	var kd [8]byte
	binary.BigEndian.PutUint32(kd[:4], pid)
	binary.BigEndian.PutUint32(kd[4:], key)
	if err := cc.codec.WriteMessage('K', kd[:]); err != nil {
		return err
	}
	return cc.writeReadyForQuery('I')
}

func (cc *clientConn) writeReadyForQuery(status byte) error {
	cc.txStatus = status
	return cc.codec.WriteAndFlush('Z', []byte{status})
}

// run is the session's statement loop.
func (cc *clientConn) run() {
	for {
		m, err := cc.codec.ReadMessage()
		if err != nil {
			cc.abortOnDisconnect()
			return
		}

		switch m.Kind {
		case 'Q':
			text, _ := wire.DecodeCString(m.Payload, 0)
			err = cc.handleSimpleQuery(text)
		case 'P', 'B', 'D', 'E', 'C', 'H':
			err = cc.handleExtended(m)
		case 'S':
			err = cc.handleSync()
		case 'd', 'c', 'f':
			err = cc.forwardCopyMessage(m)
		case 'X':
			return
		default:
			err = poolerr.New(poolerr.KindProtocolViolation,
				"unexpected frontend message "+string(m.Kind))
		}

		if err != nil {
			cc.sendError(err)
			if poolerr.IsSessionFatal(err) {
				return
			}
			switch m.Kind {
			case 'P', 'B', 'D', 'E', 'C', 'H':
				// Extended-protocol errors settle at the coming Sync.
			default:
				cc.sess.OnReadyForQuery(cc.txStatus)
				cc.writeReadyForQuery(cc.txStatus)
			}
		}
	}
}

// abortOnDisconnect handles an abrupt client close: cancel any in-flight
// statement on every backend and roll back an open transaction on the
// primary, best-effort (spec.md §5 "Cancellation semantics").
func (cc *clientConn) abortOnDisconnect() {
	if cc.sess.InProgress() {
		cc.forwardCancelToBackends()
	}
	if cc.sess.InsideTransaction() {
		if p, err := cc.srv.cluster.ResolvePrimaryOrMain(); err == nil && cc.codecs[p] != nil {
			cc.codecs[p].WriteAndFlush('Q', []byte("ROLLBACK\x00"))
			drainUntilReadyForQuery(cc.codecs[p])
		}
	}
}

// drainUntilReadyForQuery discards backend messages through the next RFQ.
func drainUntilReadyForQuery(c *wire.Codec) byte {
	for {
		m, err := c.ReadMessage()
		if err != nil {
			return 0
		}
		if m.Kind == 'Z' {
			if len(m.Payload) > 0 {
				return m.Payload[0]
			}
			return 'I'
		}
	}
}

// resolveIsolation lazily answers SHOW transaction_isolation from the
// primary (spec.md §4.4).
func (cc *clientConn) resolveIsolation() (string, error) {
	p, err := cc.srv.cluster.ResolvePrimaryOrMain()
	if err != nil || cc.codecs[p] == nil {
		return "", poolerr.New(poolerr.KindBackendDown, "no primary to resolve isolation from")
	}
	c := cc.codecs[p]
	if err := c.WriteAndFlush('Q', []byte("SHOW transaction_isolation\x00")); err != nil {
		return "", err
	}

	iso := "read committed"
	for {
		m, err := c.ReadMessage()
		if err != nil {
			return "", err
		}
		switch m.Kind {
		case 'D':
			if len(m.Payload) >= 6 {
				n := int(binary.BigEndian.Uint32(m.Payload[2:6]))
				if n > 0 && 6+n <= len(m.Payload) {
					iso = string(m.Payload[6 : 6+n])
				}
			}
		case 'Z':
			return iso, nil
		}
	}
}

// sendError reports err to the client as an ErrorResponse. poolerr kinds
// carry their SQLSTATE; anything else maps to an internal error.
func (cc *clientConn) sendError(err error) {
	fields := map[byte]string{
		'S': "ERROR",
		'V': "ERROR",
		'C': "XX000",
		'M': err.Error(),
	}
	var pe *poolerr.Error
	if errors.As(err, &pe) {
		fields['C'] = pe.SQLState()
		fields['M'] = pe.Message
		if pe.Detail != "" {
			fields['D'] = pe.Detail
		}
		if pe.Hint != "" {
			fields['H'] = pe.Hint
		}
	}
	cc.codec.WriteAndFlush('E', wire.EncodeErrorResponse(fields))
}

func writeStartupError(c *wire.Codec, sqlstate, msg string) {
	c.WriteAndFlush('E', wire.EncodeErrorResponse(map[byte]string{
		'S': "FATAL",
		'V': "FATAL",
		'C': sqlstate,
		'M': msg,
	}))
}

// databaseOid derives a stable OID for the session's database for oid-map
// bookkeeping, preferring the relcache's pg_database answer when one is
// wired and falling back to a stable hash.
func (cc *clientConn) databaseOid() parsetree.Oid {
	if cc.srv.dbOid != nil {
		if oid, ok := cc.srv.dbOid(cc.sess.Database); ok {
			return oid
		}
	}
	h := fnv.New32a()
	h.Write([]byte(cc.sess.Database))
	return parsetree.Oid(h.Sum32())
}
