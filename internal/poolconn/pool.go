package poolconn

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/poolrouter/poolrouter/internal/auth"
	"github.com/poolrouter/poolrouter/internal/backend"
	"github.com/poolrouter/poolrouter/internal/config"
	"github.com/poolrouter/poolrouter/internal/poolerr"
)

// Stats holds connection pool statistics for one backend slot.
type Stats struct {
	Backend   string `json:"backend"`
	Role      string `json:"role"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// OnPoolExhausted is called when a pool reaches max connections and a
// goroutine must wait.
type OnPoolExhausted func(backendIndex int)

// BackendPool manages physical connections to one backend slot.
type BackendPool struct {
	mu             sync.Mutex
	cond           *sync.Cond // broadcast when a connection is returned
	index          int
	slot           *backend.Slot
	database       string
	username       string
	password       string
	minConns       int
	maxConns       int
	idleTimeout    time.Duration
	maxLifetime    time.Duration
	acquireTimeout time.Duration
	dialTimeout    time.Duration

	idle      []*Conn
	active    map[*Conn]struct{}
	total     int
	waiting   int
	exhausted int64

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
}

// NewBackendPool creates a connection pool for one backend slot.
func NewBackendPool(index int, slot *backend.Slot, database, username, password string, defaults config.PoolDefaults) *BackendPool {
	bp := &BackendPool{
		index:          index,
		slot:           slot,
		database:       database,
		username:       username,
		password:       password,
		minConns:       defaults.MinConnections,
		maxConns:       defaults.MaxConnections,
		idleTimeout:    defaults.IdleTimeout,
		maxLifetime:    defaults.MaxLifetime,
		acquireTimeout: defaults.AcquireTimeout,
		dialTimeout:    defaults.DialTimeout,
		idle:           make([]*Conn, 0),
		active:         make(map[*Conn]struct{}),
		stopCh:         make(chan struct{}),
	}
	bp.cond = sync.NewCond(&bp.mu)

	go bp.reapLoop()
	if bp.minConns > 0 {
		go bp.warmUp()
	}
	return bp
}

func (bp *BackendPool) label() string {
	return fmt.Sprintf("%s:%d", bp.slot.Host, bp.slot.Port)
}

// warmUp pre-creates minConns idle connections so the pool is ready for traffic.
func (bp *BackendPool) warmUp() {
	for i := 0; i < bp.minConns; i++ {
		bp.mu.Lock()
		if bp.closed || bp.total >= bp.minConns {
			bp.mu.Unlock()
			return
		}
		bp.total++
		bp.mu.Unlock()

		c, err := bp.dial(context.Background())
		if err != nil {
			bp.mu.Lock()
			bp.total--
			bp.mu.Unlock()
			slog.Warn("warm-up connection failed", "index", i+1, "total", bp.minConns, "backend", bp.label(), "err", err)
			return
		}

		bp.mu.Lock()
		if bp.closed {
			bp.mu.Unlock()
			c.Close()
			return
		}
		c.MarkIdle()
		bp.idle = append(bp.idle, c)
		bp.mu.Unlock()
	}
	slog.Info("pre-warmed connections", "count", bp.minConns, "backend", bp.label())
}

// Acquire gets a connection from the pool, creating one if needed. The
// context is used for cancellation and deadline propagation.
func (bp *BackendPool) Acquire(ctx context.Context) (*Conn, error) {
	deadlineAt := time.Now().Add(bp.acquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}

	bp.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			bp.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if bp.closed {
			bp.mu.Unlock()
			return nil, poolerr.New(poolerr.KindBackendDown, fmt.Sprintf("pool closed for backend %s", bp.label()))
		}

		for len(bp.idle) > 0 {
			c := bp.idle[len(bp.idle)-1]
			bp.idle = bp.idle[:len(bp.idle)-1]

			if c.IsExpired(bp.maxLifetime) {
				c.Close()
				bp.total--
				continue
			}
			if err := c.Ping(); err != nil {
				c.Close()
				bp.total--
				continue
			}

			c.MarkActive()
			bp.active[c] = struct{}{}
			bp.mu.Unlock()
			return c, nil
		}

		if bp.total < bp.maxConns {
			bp.total++
			bp.mu.Unlock()

			c, err := bp.dial(ctx)
			if err != nil {
				bp.mu.Lock()
				bp.total--
				bp.mu.Unlock()
				return nil, poolerr.Wrap(poolerr.KindBackendDown, fmt.Sprintf("connecting to %s", bp.label()), err)
			}

			c.MarkActive()
			bp.mu.Lock()
			bp.active[c] = struct{}{}
			bp.mu.Unlock()
			return c, nil
		}

		bp.waiting++
		bp.exhausted++
		cb := bp.onPoolExhausted
		bp.mu.Unlock()

		if cb != nil {
			cb(bp.index)
		}

		bp.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			bp.waiting--
			bp.mu.Unlock()
			return nil, poolerr.New(poolerr.KindBackendDown, fmt.Sprintf("acquire timeout (%s) for backend %s: pool exhausted", bp.acquireTimeout, bp.label()))
		}

		timer := time.AfterFunc(remaining, func() { bp.cond.Broadcast() })
		bp.cond.Wait()
		timer.Stop()

		bp.waiting--

		if bp.closed {
			bp.mu.Unlock()
			return nil, poolerr.New(poolerr.KindBackendDown, fmt.Sprintf("pool closing for backend %s", bp.label()))
		}
		if time.Now().After(deadlineAt) {
			bp.mu.Unlock()
			return nil, poolerr.New(poolerr.KindBackendDown, fmt.Sprintf("acquire timeout (%s) for backend %s: pool exhausted", bp.acquireTimeout, bp.label()))
		}
		// Retry from the top of the loop (mu is held).
	}
}

// InjectTestConn adds a pre-built Conn directly into the pool's idle list.
// Only intended for testing — bypasses dial() and authentication.
func (bp *BackendPool) InjectTestConn(c *Conn) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	c.MarkIdle()
	bp.idle = append(bp.idle, c)
	bp.total++
	bp.cond.Signal()
}

// Return releases a connection back to the pool.
func (bp *BackendPool) Return(c *Conn) {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	delete(bp.active, c)

	if bp.closed || c.IsExpired(bp.maxLifetime) {
		c.Close()
		bp.total--
		bp.cond.Signal()
		return
	}

	c.MarkIdle()
	bp.idle = append(bp.idle, c)
	bp.cond.Signal()
}

// Stats returns current pool statistics.
func (bp *BackendPool) Stats() Stats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	role := "standby"
	if bp.slot.Role == backend.RolePrimary {
		role = "primary"
	}
	return Stats{
		Backend:   bp.label(),
		Role:      role,
		Active:    len(bp.active),
		Idle:      len(bp.idle),
		Total:     bp.total,
		Waiting:   bp.waiting,
		MaxConns:  bp.maxConns,
		MinConns:  bp.minConns,
		Exhausted: bp.exhausted,
	}
}

// Drain closes all idle connections and waits for active ones to be returned.
func (bp *BackendPool) Drain() {
	bp.mu.Lock()
	for _, c := range bp.idle {
		c.Close()
		bp.total--
	}
	bp.idle = bp.idle[:0]
	activeCount := len(bp.active)
	bp.mu.Unlock()

	if activeCount > 0 {
		slog.Info("draining active connections", "count", activeCount, "backend", bp.label())
		timeout := time.After(30 * time.Second)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				bp.mu.Lock()
				if len(bp.active) == 0 {
					bp.mu.Unlock()
					return
				}
				bp.mu.Unlock()
			case <-timeout:
				bp.mu.Lock()
				for c := range bp.active {
					c.Close()
					bp.total--
				}
				bp.active = make(map[*Conn]struct{})
				bp.mu.Unlock()
				slog.Warn("force-closed active connections after drain timeout", "backend", bp.label())
				return
			}
		}
	}
}

// Close shuts down the pool.
func (bp *BackendPool) Close() {
	bp.mu.Lock()
	if bp.closed {
		bp.mu.Unlock()
		return
	}
	bp.closed = true
	close(bp.stopCh)
	bp.cond.Broadcast()
	bp.mu.Unlock()

	bp.Drain()
}

func (bp *BackendPool) dial(ctx context.Context) (*Conn, error) {
	addr := net.JoinHostPort(bp.slot.Host, fmt.Sprintf("%d", bp.slot.Port))
	dialer := net.Dialer{Timeout: bp.dialTimeout, KeepAlive: 30 * time.Second}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := newConn(netConn, bp.index, bp)

	if err := bp.startup(c); err != nil {
		c.Close()
		return nil, fmt.Errorf("backend startup: %w", err)
	}
	return c, nil
}

// startup performs the PostgreSQL v3 startup handshake: send the StartupMessage
// then drive the auth exchange via auth.BackendAuthenticate, then consume
// ParameterStatus/BackendKeyData/ReadyForQuery.
func (bp *BackendPool) startup(c *Conn) error {
	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16)
	body = append(body, ver...)
	body = append(body, "user"...)
	body = append(body, 0)
	body = append(body, bp.username...)
	body = append(body, 0)
	body = append(body, "database"...)
	body = append(body, 0)
	body = append(body, bp.database...)
	body = append(body, 0)
	body = append(body, 0) // terminator

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(4+len(body)))
	if err := writeRaw(c.netConn, append(msgLen, body...)); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	if err := auth.BackendAuthenticate(c.codec, bp.username, bp.password); err != nil {
		return err
	}

	for {
		m, err := c.codec.ReadMessage()
		if err != nil {
			return err
		}
		switch m.Kind {
		case 'S': // ParameterStatus, ignored beyond consuming it
		case 'K': // BackendKeyData
			if len(m.Payload) >= 8 {
				c.BackendPID = binary.BigEndian.Uint32(m.Payload[:4])
				c.BackendKey = binary.BigEndian.Uint32(m.Payload[4:8])
			}
		case 'Z': // ReadyForQuery
			return nil
		case 'E':
			return poolerr.New(poolerr.KindBackendDown, "backend error during startup")
		default:
			// Ignore unexpected messages during startup.
		}
	}
}

func writeRaw(conn net.Conn, b []byte) error {
	_, err := conn.Write(b)
	return err
}

func (bp *BackendPool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			bp.reapIdle()
		case <-bp.stopCh:
			return
		}
	}
}

func (bp *BackendPool) reapIdle() {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if len(bp.idle) <= bp.minConns {
		return
	}
	kept := make([]*Conn, 0, len(bp.idle))
	excess := len(bp.idle) - bp.minConns
	for i, c := range bp.idle {
		if i < excess && (c.IsIdle(bp.idleTimeout) || c.IsExpired(bp.maxLifetime)) {
			c.Close()
			bp.total--
		} else {
			kept = append(kept, c)
		}
	}
	bp.idle = kept
}

// StatsCallback is called periodically with pool stats for each backend.
type StatsCallback func(stats Stats)

// Manager manages connection pools for every backend slot in a cluster.
type Manager struct {
	mu              sync.RWMutex
	pools           []*BackendPool
	defaults        config.PoolDefaults
	onPoolExhausted OnPoolExhausted
	statsStopCh     chan struct{}
	closeOnce       sync.Once
}

// NewManager creates one BackendPool per slot in cluster, using database,
// username, and password for every slot's startup handshake (pgpool-II's
// pooled session credentials are cluster-wide, not per-backend).
func NewManager(cluster *backend.Cluster, database, username, password string, defaults config.PoolDefaults) *Manager {
	m := &Manager{
		pools:       make([]*BackendPool, cluster.Len()),
		defaults:    defaults,
		statsStopCh: make(chan struct{}),
	}
	for i := 0; i < cluster.Len(); i++ {
		m.pools[i] = NewBackendPool(i, cluster.Slot(i), database, username, password, defaults)
	}
	return m
}

// SetOnPoolExhausted sets the callback for pool exhaustion events on every
// existing pool. Must be called before traffic starts.
func (m *Manager) SetOnPoolExhausted(cb OnPoolExhausted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPoolExhausted = cb
	for _, p := range m.pools {
		p.onPoolExhausted = cb
	}
}

// StartStatsLoop starts a periodic goroutine that calls cb with stats for
// every backend pool.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-m.statsStopCh:
				return
			}
		}
	}()
}

// Pool returns the pool for backend index i.
func (m *Manager) Pool(i int) *BackendPool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pools[i]
}

// AllStats returns stats for every backend pool.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// DrainAll drains every backend pool, e.g. ahead of a recovery_online_stage_2
// barrier (internal/lifecheck).
func (m *Manager) DrainAll() {
	m.mu.RLock()
	pools := m.pools
	m.mu.RUnlock()
	for _, p := range pools {
		p.Drain()
	}
}

// Close shuts down every pool. Safe to call multiple times.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.statsStopCh) })

	m.mu.Lock()
	pools := m.pools
	m.pools = nil
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
