package proxy

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poolrouter/poolrouter/internal/backend"
	"github.com/poolrouter/poolrouter/internal/cache"
	"github.com/poolrouter/poolrouter/internal/config"
	"github.com/poolrouter/poolrouter/internal/lifecheck"
	"github.com/poolrouter/poolrouter/internal/poolconn"
	"github.com/poolrouter/poolrouter/internal/router"
	"github.com/poolrouter/poolrouter/internal/wire"
)

// fakeBackend is a scripted PostgreSQL backend: it completes the startup
// handshake with trust auth and answers simple and extended-query messages
// with canned SELECT-1-shaped responses, recording every query text it
// receives.
type fakeBackend struct {
	ln net.Listener

	mu      sync.Mutex
	queries []string

	simpleQueries atomic.Int64
	executes      atomic.Int64
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBackend{ln: ln}
	go fb.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBackend) port() int {
	return fb.ln.Addr().(*net.TCPAddr).Port
}

func (fb *fakeBackend) recorded() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]string, len(fb.queries))
	copy(out, fb.queries)
	return out
}

func (fb *fakeBackend) acceptLoop() {
	for {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		go fb.serve(conn)
	}
}

func (fb *fakeBackend) serve(conn net.Conn) {
	defer conn.Close()
	c := wire.NewCodec(conn)

	if _, err := c.ReadUntyped(); err != nil {
		return
	}
	authOK := make([]byte, 4)
	c.WriteMessage('R', authOK)
	kd := make([]byte, 8)
	binary.BigEndian.PutUint32(kd[:4], 4242)
	binary.BigEndian.PutUint32(kd[4:], 777)
	c.WriteMessage('K', kd)
	c.WriteAndFlush('Z', []byte{'I'})

	for {
		m, err := c.ReadMessage()
		if err != nil {
			return
		}
		switch m.Kind {
		case 'Q':
			text, _ := wire.DecodeCString(m.Payload, 0)
			fb.mu.Lock()
			fb.queries = append(fb.queries, text)
			fb.mu.Unlock()
			fb.simpleQueries.Add(1)
			fb.answerSimple(c, text)
		case 'P':
			c.WriteMessage('1', nil)
		case 'B':
			c.WriteMessage('2', nil)
		case 'D':
			c.WriteMessage('T', rowDescription("?column?"))
		case 'E':
			fb.executes.Add(1)
			c.WriteMessage('D', dataRow("1"))
			c.WriteMessage('C', []byte("SELECT 1\x00"))
		case 'C':
			c.WriteMessage('3', nil)
		case 'H':
			c.Flush()
		case 'S':
			c.WriteAndFlush('Z', []byte{'I'})
		case 'X':
			return
		}
	}
}

func (fb *fakeBackend) answerSimple(c *wire.Codec, text string) {
	switch {
	case text == "BEGIN" || text == "BEGIN READ WRITE" || text == "BEGIN READ WRITE;":
		c.WriteMessage('C', []byte("BEGIN\x00"))
		c.WriteAndFlush('Z', []byte{'T'})
	case text == "COMMIT":
		c.WriteMessage('C', []byte("COMMIT\x00"))
		c.WriteAndFlush('Z', []byte{'I'})
	default:
		c.WriteMessage('T', rowDescription("?column?"))
		c.WriteMessage('D', dataRow("1"))
		c.WriteMessage('C', []byte("SELECT 1\x00"))
		c.WriteAndFlush('Z', []byte{'I'})
	}
}

func rowDescription(col string) []byte {
	var b []byte
	b = append(b, 0, 1)
	b = append(b, col...)
	b = append(b, 0)
	b = append(b, make([]byte, 18)...)
	return b
}

func dataRow(val string) []byte {
	var b []byte
	b = append(b, 0, 1)
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(val)))
	b = append(b, l...)
	b = append(b, val...)
	return b
}

// testServer wires a Server over the given fake backends (first is
// primary). Caching is enabled when withCache is set.
func testServer(t *testing.T, mode backend.ClusterMode, withCache bool, fbs ...*fakeBackend) (*Server, string) {
	t.Helper()

	slots := make([]*backend.Slot, len(fbs))
	bcfgs := make([]config.BackendConfig, len(fbs))
	for i, fb := range fbs {
		role := backend.RoleStandby
		crole := config.RoleStandby
		if i == 0 {
			role = backend.RolePrimary
			crole = config.RolePrimary
		}
		slots[i] = &backend.Slot{Host: "127.0.0.1", Port: fb.port(), Role: role}
		slots[i].SetStatus(backend.StatusUp)
		bcfgs[i] = config.BackendConfig{Host: "127.0.0.1", Port: fb.port(), Role: crole}
	}
	cluster := backend.NewCluster(mode, slots)

	cfg := &config.Config{
		Cluster: config.ClusterConfig{Database: "d", Backends: bcfgs},
		Cache: config.CacheConfig{
			Enabled:     withCache,
			NumBlocks:   8,
			BlockSize:   8192,
			MaxNumCache: 64,
			MaxCache:    4096,
			DefaultTTL:  time.Minute,
			OidMapDir:   t.TempDir(),
		},
		Defaults: config.PoolDefaults{
			MinConnections: 0,
			MaxConnections: 4,
			IdleTimeout:    time.Minute,
			MaxLifetime:    time.Minute,
			AcquireTimeout: 2 * time.Second,
			DialTimeout:    2 * time.Second,
		},
	}

	pools := poolconn.NewManager(cluster, "d", "u", "pw", cfg.Defaults)
	t.Cleanup(pools.Close)

	var qcache *cache.Cache
	if withCache {
		var err error
		qcache, err = cache.New(nil, cfg.Cache)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(qcache.Close)
	}

	srv := NewServer(Options{
		Config:  cfg,
		Cluster: cluster,
		Pools:   pools,
		Router:  router.New(cluster, config.RoutingConfig{}),
		Cache:   qcache,
		Lock:    lifecheck.New(nil),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv, ln.Addr().String()
}

// connectClient performs the client side of startup with trust auth and
// returns a codec positioned after the first ReadyForQuery.
func connectClient(t *testing.T, addr string) *wire.Codec {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	c := wire.NewCodec(conn)

	var body []byte
	ver := make([]byte, 4)
	binary.BigEndian.PutUint32(ver, 3<<16)
	body = append(body, ver...)
	body = append(body, "user\x00u\x00database\x00d\x00\x00"...)
	pkt := make([]byte, 4)
	binary.BigEndian.PutUint32(pkt, uint32(4+len(body)))
	if _, err := conn.Write(append(pkt, body...)); err != nil {
		t.Fatal(err)
	}

	for {
		m, err := c.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if m.Kind == 'R' {
			if binary.BigEndian.Uint32(m.Payload[:4]) != 0 {
				t.Fatalf("expected trust AuthOK, got auth type %d", binary.BigEndian.Uint32(m.Payload[:4]))
			}
		}
		if m.Kind == 'Z' {
			return c
		}
	}
}

// collectUntilRFQ reads messages through the next ReadyForQuery.
func collectUntilRFQ(t *testing.T, c *wire.Codec) []wire.Message {
	t.Helper()
	var msgs []wire.Message
	for {
		m, err := c.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
		if m.Kind == 'Z' {
			return msgs
		}
	}
}

func kinds(msgs []wire.Message) string {
	var b []byte
	for _, m := range msgs {
		b = append(b, m.Kind)
	}
	return string(b)
}

func TestSimpleQueryRoundTrip(t *testing.T) {
	fb := newFakeBackend(t)
	_, addr := testServer(t, backend.ModeRaw, false, fb)
	c := connectClient(t, addr)

	if err := c.WriteAndFlush('Q', []byte("SELECT 1\x00")); err != nil {
		t.Fatal(err)
	}
	msgs := collectUntilRFQ(t, c)
	if got := kinds(msgs); got != "TDCZ" {
		t.Fatalf("response kinds = %q, want TDCZ", got)
	}
}

func TestSimpleQueryCacheHit(t *testing.T) {
	// Scenario 1: the repeat SELECT is served from the cache with identical
	// bytes and the backend's query counter unchanged.
	fb := newFakeBackend(t)
	_, addr := testServer(t, backend.ModeRaw, true, fb)
	c := connectClient(t, addr)

	c.WriteAndFlush('Q', []byte("SELECT 1\x00"))
	first := collectUntilRFQ(t, c)
	before := fb.simpleQueries.Load()

	c.WriteAndFlush('Q', []byte("SELECT 1\x00"))
	second := collectUntilRFQ(t, c)

	if fb.simpleQueries.Load() != before {
		t.Fatal("cache hit must not touch the backend")
	}
	if kinds(first) != kinds(second) {
		t.Fatalf("cached replay kinds %q != original %q", kinds(second), kinds(first))
	}
	for i := range first {
		if first[i].Kind == 'Z' {
			continue
		}
		if !bytes.Equal(first[i].Payload, second[i].Payload) {
			t.Fatalf("cached payload differs at message %d", i)
		}
	}
}

func TestBeginReadWriteRewrite(t *testing.T) {
	// Scenario 3: the primary receives BEGIN READ WRITE, every standby a
	// plain BEGIN, and the client exactly one CommandComplete.
	primary := newFakeBackend(t)
	standby := newFakeBackend(t)
	_, addr := testServer(t, backend.ModeReplica, false, primary, standby)
	c := connectClient(t, addr)

	c.WriteAndFlush('Q', []byte("BEGIN READ WRITE\x00"))
	msgs := collectUntilRFQ(t, c)

	ccs := 0
	for _, m := range msgs {
		if m.Kind == 'C' {
			ccs++
			if tag, _ := wire.DecodeCString(m.Payload, 0); tag != "BEGIN" {
				t.Fatalf("CommandComplete tag = %q, want BEGIN", tag)
			}
		}
	}
	if ccs != 1 {
		t.Fatalf("client saw %d CommandComplete messages, want 1", ccs)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(primary.recorded()) > 0 && len(standby.recorded()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := primary.recorded(); len(got) == 0 || got[0] != "BEGIN READ WRITE" {
		t.Fatalf("primary received %v, want BEGIN READ WRITE", got)
	}
	if got := standby.recorded(); len(got) == 0 || got[0] != "BEGIN" {
		t.Fatalf("standby received %v, want plain BEGIN", got)
	}
}

func TestExtendedQueryPipeline(t *testing.T) {
	fb := newFakeBackend(t)
	_, addr := testServer(t, backend.ModeRaw, false, fb)
	c := connectClient(t, addr)

	c.WriteMessage('P', []byte("stmt\x00SELECT * FROM accounts WHERE id=$1\x00\x00\x00"))
	c.WriteMessage('B', []byte("\x00stmt\x00\x00\x00\x00\x01\x00\x00\x00\x0242\x00\x00"))
	c.WriteMessage('D', []byte("P\x00"))
	c.WriteMessage('E', []byte("\x00\x00\x00\x00\x00"))
	c.WriteAndFlush('S', nil)

	msgs := collectUntilRFQ(t, c)
	if got := kinds(msgs); got != "12TDCZ" {
		t.Fatalf("pipeline response kinds = %q, want 12TDCZ", got)
	}
}

func TestExtendedQueryCacheInjection(t *testing.T) {
	// Scenario 4 meets the cache: a repeat of the same prepared SELECT is
	// answered by injecting the stored Execute responses; the backend sees
	// no second Execute, and the client sees an identical pipeline.
	fb := newFakeBackend(t)
	_, addr := testServer(t, backend.ModeRaw, true, fb)
	c := connectClient(t, addr)

	runPipeline := func() []wire.Message {
		c.WriteMessage('P', []byte("stmt\x00SELECT * FROM accounts WHERE id=$1\x00\x00\x00"))
		c.WriteMessage('B', []byte("\x00stmt\x00\x00\x00\x00\x01\x00\x00\x00\x0242\x00\x00"))
		c.WriteMessage('D', []byte("P\x00"))
		c.WriteMessage('E', []byte("\x00\x00\x00\x00\x00"))
		c.WriteAndFlush('S', nil)
		return collectUntilRFQ(t, c)
	}

	first := runPipeline()
	if got := kinds(first); got != "12TDCZ" {
		t.Fatalf("first pipeline kinds = %q, want 12TDCZ", got)
	}
	before := fb.executes.Load()

	second := runPipeline()
	if got := kinds(second); got != "12TDCZ" {
		t.Fatalf("cached pipeline kinds = %q, want 12TDCZ", got)
	}
	if fb.executes.Load() != before {
		t.Fatal("cached Execute must not reach the backend")
	}
}

func TestTerminateClosesCleanly(t *testing.T) {
	fb := newFakeBackend(t)
	_, addr := testServer(t, backend.ModeRaw, false, fb)
	c := connectClient(t, addr)

	c.WriteAndFlush('Q', []byte("SELECT 1\x00"))
	collectUntilRFQ(t, c)
	if err := c.WriteAndFlush('X', nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReadMessage(); err == nil {
		t.Fatal("connection must close after Terminate")
	}
}

func TestFailoverGateRefusesStatements(t *testing.T) {
	fb := newFakeBackend(t)
	srv, addr := testServer(t, backend.ModeRaw, false, fb)
	c := connectClient(t, addr)

	srv.lock.SetFailover(true)
	c.WriteAndFlush('Q', []byte("SELECT 1\x00"))

	m, err := c.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if m.Kind != 'E' {
		t.Fatalf("expected ErrorResponse during failover, got %q", m.Kind)
	}
	// The session terminates; the client reconnects.
	if _, err := c.ReadMessage(); err == nil {
		t.Fatal("failover must terminate the session")
	}
}
