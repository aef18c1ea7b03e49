// Package proxy ties the session-level engine together: it accepts client
// connections, authenticates them, and drives each session's statement loop
// over the routed backend connections (spec.md §2 data flow; the teacher's
// proxy server generalized from byte-level relaying to protocol-aware
// session handling).
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/poolrouter/poolrouter/internal/auth"
	"github.com/poolrouter/poolrouter/internal/backend"
	"github.com/poolrouter/poolrouter/internal/cache"
	"github.com/poolrouter/poolrouter/internal/config"
	"github.com/poolrouter/poolrouter/internal/lifecheck"
	"github.com/poolrouter/poolrouter/internal/metrics"
	"github.com/poolrouter/poolrouter/internal/parsetree"
	"github.com/poolrouter/poolrouter/internal/poolconn"
	"github.com/poolrouter/poolrouter/internal/router"
)

// Server is the client-facing listener and session supervisor.
type Server struct {
	log     *slog.Logger
	cfg     *config.Config
	cluster *backend.Cluster
	pools   *poolconn.Manager
	router  *router.Router
	cache   *cache.Cache // nil when caching is disabled
	lock    *lifecheck.Interlock
	metrics *metrics.Collector
	parser  parsetree.Parser
	resolve parsetree.OidResolver

	passwords *auth.PasswordStore
	dbOid     func(database string) (parsetree.Oid, bool)

	tlsConfig *tls.Config

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	// cancelKeys maps the BackendKeyData this pooler issued to each client
	// onto the live session, for CancelRequest matching (spec.md §4.7).
	mu         sync.Mutex
	cancelKeys map[uint64]*clientConn
}

// Options collects the collaborators a Server needs.
type Options struct {
	Log     *slog.Logger
	Config  *config.Config
	Cluster *backend.Cluster
	Pools   *poolconn.Manager
	Router  *router.Router
	Cache   *cache.Cache
	Lock    *lifecheck.Interlock
	Metrics *metrics.Collector
	Parser  parsetree.Parser
	Resolve parsetree.OidResolver

	// Passwords enables client authentication; nil means trust.
	Passwords *auth.PasswordStore
	// DBOid resolves a database name to its OID for oid-map bookkeeping;
	// nil falls back to a stable hash.
	DBOid func(database string) (parsetree.Oid, bool)
}

// NewServer builds a Server. Parser defaults to the keyword recognizer and
// Resolve to a nil-safe no-op when unset.
func NewServer(opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:        opts.Log,
		cfg:        opts.Config,
		cluster:    opts.Cluster,
		pools:      opts.Pools,
		router:     opts.Router,
		cache:      opts.Cache,
		lock:       opts.Lock,
		metrics:    opts.Metrics,
		parser:     opts.Parser,
		resolve:    opts.Resolve,
		passwords:  opts.Passwords,
		dbOid:      opts.DBOid,
		ctx:        ctx,
		cancel:     cancel,
		cancelKeys: make(map[uint64]*clientConn),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.parser == nil {
		s.parser = parsetree.KeywordParser{}
	}
	if s.resolve == nil {
		s.resolve = func(schema, name string) (parsetree.Oid, bool) { return 0, false }
	}
	if s.lock == nil {
		s.lock = lifecheck.New(s.log)
	}

	if lc := opts.Config.Listen; lc.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
		if err != nil {
			log.Printf("[proxy] WARNING: failed to load TLS cert/key: %v — TLS disabled", err)
		} else {
			s.tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			log.Printf("[proxy] TLS enabled (cert: %s)", lc.TLSCert)
		}
	}
	return s
}

// Listen starts accepting client connections on port.
func (s *Server) Listen(port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	log.Printf("[proxy] listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

// Serve handles connections from an externally created listener; used by
// tests with in-memory listeners.
func (s *Server) Serve(ln net.Listener) {
	s.listener = ln
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops the listener and waits for in-flight sessions.
func (s *Server) Shutdown(timeout time.Duration) {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("shutdown timed out with sessions still live")
	}
}

func (s *Server) passwordStore() *auth.PasswordStore { return s.passwords }

// tlsServer wraps an accepted connection for a client that requested SSL.
func tlsServer(conn net.Conn, cfg *tls.Config) net.Conn {
	return tls.Server(conn, cfg)
}

func cancelKey(pid, key uint32) uint64 {
	return uint64(pid)<<32 | uint64(key)
}

func (s *Server) registerCancelKey(pid, key uint32, cc *clientConn) {
	s.mu.Lock()
	s.cancelKeys[cancelKey(pid, key)] = cc
	s.mu.Unlock()
}

func (s *Server) unregisterCancelKey(pid, key uint32) {
	s.mu.Lock()
	delete(s.cancelKeys, cancelKey(pid, key))
	s.mu.Unlock()
}

// handleCancelRequest matches an incoming CancelRequest to a session via
// the key data this pooler issued and forwards a cancel packet to every
// live backend of that session.
func (s *Server) handleCancelRequest(payload []byte) {
	if len(payload) < 12 {
		return
	}
	pid := binary.BigEndian.Uint32(payload[4:8])
	key := binary.BigEndian.Uint32(payload[8:12])

	s.mu.Lock()
	cc := s.cancelKeys[cancelKey(pid, key)]
	s.mu.Unlock()
	if cc == nil {
		s.log.Debug("cancel request for unknown session", "pid", pid)
		return
	}
	cc.forwardCancelToBackends()
}

// forwardCancelToBackends opens a fresh short-lived connection to each
// backend the session holds and writes the v3 CancelRequest packet with
// that backend's own (pid, key).
func (cc *clientConn) forwardCancelToBackends() {
	for i, bc := range cc.backends {
		if bc == nil {
			continue
		}
		slot := cc.srv.cluster.Slot(i)
		addr := net.JoinHostPort(slot.Host, fmt.Sprintf("%d", slot.Port))
		conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
		if err != nil {
			cc.srv.log.Warn("cancel dial failed", "backend", addr, "err", err)
			continue
		}
		pkt := make([]byte, 16)
		binary.BigEndian.PutUint32(pkt[0:4], 16)
		binary.BigEndian.PutUint32(pkt[4:8], cancelRequestCode)
		binary.BigEndian.PutUint32(pkt[8:12], bc.BackendPID)
		binary.BigEndian.PutUint32(pkt[12:16], bc.BackendKey)
		conn.Write(pkt)
		conn.Close()
	}
}
