// Package poolconn manages pooled physical connections to one backend slot,
// grounded on the teacher's internal/pool (conn.go/pool.go), generalized from
// per-tenant MySQL/Postgres pools keyed by tenant ID to per-backend-slot
// Postgres-only pools keyed by backend.Slot index, authenticating over the
// real PostgreSQL wire protocol via internal/auth/internal/wire rather than
// the teacher's inline handshake code.
package poolconn

import (
	"net"
	"sync"
	"time"

	"github.com/poolrouter/poolrouter/internal/wire"
)

// ConnState represents the state of a pooled connection.
type ConnState int

const (
	ConnStateIdle ConnState = iota
	ConnStateActive
	ConnStateClosed
)

// Conn wraps a physical backend connection and its wire codec with pooling
// metadata. A Conn always belongs to exactly one BackendPool.
type Conn struct {
	mu        sync.Mutex
	netConn   net.Conn
	codec     *wire.Codec
	state     ConnState
	createdAt time.Time
	lastUsed  time.Time
	backend   int // index into the backend.Cluster this conn targets
	pool      *BackendPool

	// BackendPID/BackendKey are captured from BackendKeyData during startup,
	// needed to relay CancelRequest to this physical connection.
	BackendPID uint32
	BackendKey uint32
}

// newConn wraps conn for pool management, targeting the given backend index.
func newConn(conn net.Conn, backendIndex int, p *BackendPool) *Conn {
	now := time.Now()
	return &Conn{
		netConn:   conn,
		codec:     wire.NewCodec(conn),
		state:     ConnStateIdle,
		createdAt: now,
		lastUsed:  now,
		backend:   backendIndex,
		pool:      p,
	}
}

// Codec returns the wire codec wrapping this connection.
func (c *Conn) Codec() *wire.Codec { return c.codec }

// NetConn returns the underlying net.Conn, e.g. for CancelRequest which
// opens a fresh short-lived connection instead of reusing a pooled one.
func (c *Conn) NetConn() net.Conn { return c.netConn }

// BackendIndex returns the backend.Cluster index this connection targets.
func (c *Conn) BackendIndex() int { return c.backend }

// MarkActive marks this connection as in-use.
func (c *Conn) MarkActive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateActive
	c.lastUsed = time.Now()
}

// MarkIdle marks this connection as idle (returned to pool).
func (c *Conn) MarkIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateIdle
	c.lastUsed = time.Now()
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreatedAt returns when this connection was established.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastUsed returns when this connection was last used.
func (c *Conn) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// IsExpired checks if the connection has exceeded its max lifetime.
func (c *Conn) IsExpired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(c.createdAt) > maxLifetime
}

// IsIdle checks if the connection has been idle longer than the timeout.
func (c *Conn) IsIdle(idleTimeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idleTimeout <= 0 {
		return false
	}
	return c.state == ConnStateIdle && time.Since(c.lastUsed) > idleTimeout
}

// Close closes the underlying connection and marks it as closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ConnStateClosed
	return c.codec.Close()
}

// Ping performs a lightweight liveness probe: a 1-byte read with a short
// deadline. A timeout means the connection is alive with nothing pending;
// any other error means it is dead. Only safe between statements, never
// mid-extended-query-pipeline.
func (c *Conn) Ping() error {
	c.netConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := c.netConn.Read(buf)
	c.netConn.SetReadDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}

// Return releases this connection back to its pool.
func (c *Conn) Return() {
	if c.pool != nil {
		c.pool.Return(c)
	}
}
