package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/poolrouter/poolrouter/internal/config"
	"github.com/poolrouter/poolrouter/internal/parsetree"
)

func newTestCache(t *testing.T, numBlocks, blockSize int) *Cache {
	t.Helper()
	c, err := New(nil, config.CacheConfig{
		Enabled:     true,
		NumBlocks:   numBlocks,
		BlockSize:   blockSize,
		MaxNumCache: 64,
		DefaultTTL:  time.Minute,
		OidMapDir:   t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestFingerprintStability(t *testing.T) {
	// P5: same user, database, and byte-identical text → same fingerprint.
	a := Fingerprint("u", "SELECT 1", "d")
	b := Fingerprint("u", "SELECT 1", "d")
	if a != b {
		t.Fatal("identical inputs must produce identical fingerprints")
	}

	for _, other := range []Key{
		Fingerprint("u2", "SELECT 1", "d"),
		Fingerprint("u", "SELECT 2", "d"),
		Fingerprint("u", "SELECT 1", "d2"),
		Fingerprint("u", "select 1", "d"), // case matters: byte-identical only
	} {
		if other == a {
			t.Fatal("distinct inputs must produce distinct fingerprints")
		}
	}
}

func TestStoreLookupRoundTrip(t *testing.T) {
	c := newTestCache(t, 4, 8192)
	key := Fingerprint("u", "SELECT 1", "d")
	data := []byte("T...D...C...Z...")

	if err := c.Store(key, 1, []parsetree.Oid{100}, time.Minute, data); err != nil {
		t.Fatal(err)
	}

	got, ok := c.Lookup(key)
	if !ok || !bytes.Equal(got, data) {
		t.Fatalf("Lookup = %q, %v; want stored bytes", got, ok)
	}

	// Scenario 1: a repeated lookup serves identical bytes.
	again, ok := c.Lookup(key)
	if !ok || !bytes.Equal(again, data) {
		t.Fatal("repeated lookup must return identical bytes")
	}
}

func TestLookupMiss(t *testing.T) {
	c := newTestCache(t, 4, 8192)
	if _, ok := c.Lookup(Fingerprint("u", "SELECT missing", "d")); ok {
		t.Fatal("lookup of an absent key must miss")
	}
	if s := c.Stats(); s.Misses != 1 {
		t.Fatalf("misses = %d, want 1", s.Misses)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, 4, 8192)
	key := Fingerprint("u", "SELECT 1", "d")
	if err := c.Store(key, 1, nil, time.Second, []byte("x")); err != nil {
		t.Fatal(err)
	}

	// Backdate the stored timestamp past the TTL.
	blockid, itemid, ok := c.hash.Lookup(key)
	if !ok {
		t.Fatal("entry not indexed")
	}
	p := c.seg.readItemPtr(int(blockid), int(itemid))
	blk := c.seg.block(int(blockid))
	past := time.Now().Add(-time.Hour).Unix()
	for i := 7; i >= 0; i-- {
		blk[int(p.offset)+i] = byte(past)
		past >>= 8
	}

	if _, ok := c.Lookup(key); ok {
		t.Fatal("expired entry must not be served")
	}
	if _, _, ok := c.hash.Lookup(key); ok {
		t.Fatal("expired entry must be deleted on lookup")
	}
}

func TestWriteInvalidatesCache(t *testing.T) {
	// Scenario 2: a committed write on a dependent table deletes the entry,
	// including its hash-index slot (P4 at the cache layer).
	c := newTestCache(t, 4, 8192)
	key := Fingerprint("u", "SELECT count(*) FROM t", "d")
	if err := c.Store(key, 1, []parsetree.Oid{100}, time.Minute, []byte("count=3")); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup(key); !ok {
		t.Fatal("entry must be cached before the write")
	}

	if n := c.InvalidateTables(1, []parsetree.Oid{100}); n != 1 {
		t.Fatalf("invalidated %d entries, want 1", n)
	}
	if _, ok := c.Lookup(key); ok {
		t.Fatal("entry must be gone after invalidation")
	}
	if _, _, ok := c.hash.Lookup(key); ok {
		t.Fatal("hash-index slot must be deleted")
	}

	// Re-caching after the write stores the new result.
	if err := c.Store(key, 1, []parsetree.Oid{100}, time.Minute, []byte("count=4")); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Lookup(key)
	if !ok || string(got) != "count=4" {
		t.Fatalf("re-cached entry = %q, %v", got, ok)
	}
}

func TestInvalidationIgnoresUnrelatedTables(t *testing.T) {
	c := newTestCache(t, 4, 8192)
	key := Fingerprint("u", "SELECT * FROM a", "d")
	if err := c.Store(key, 1, []parsetree.Oid{100}, time.Minute, []byte("x")); err != nil {
		t.Fatal(err)
	}

	if n := c.InvalidateTables(1, []parsetree.Oid{200}); n != 0 {
		t.Fatalf("unrelated invalidation deleted %d entries", n)
	}
	if _, ok := c.Lookup(key); !ok {
		t.Fatal("unrelated invalidation must not delete the entry")
	}
}

func TestClockHandEviction(t *testing.T) {
	// P8: when no FSMM entry satisfies the allocation, the clock-hand block
	// is evicted wholesale and its items vanish from the hash index.
	c := newTestCache(t, 2, 256)

	big := make([]byte, 150) // one per block at 256-byte blocks
	var keys []Key
	for i := 0; i < 3; i++ {
		k := Fingerprint("u", fmt.Sprintf("SELECT %d", i), "d")
		keys = append(keys, k)
		if err := c.Store(k, 1, nil, time.Minute, big); err != nil {
			t.Fatal(err)
		}
	}

	if s := c.Stats(); s.Evictions == 0 {
		t.Fatal("third store must have evicted a block")
	}
	// The evicted block's entry is gone from the hash index.
	if _, _, ok := c.hash.Lookup(keys[0]); ok {
		t.Fatal("evicted block's items must leave the hash index")
	}
	// The newest entry is alive.
	if _, ok := c.Lookup(keys[2]); !ok {
		t.Fatal("newest entry must survive eviction")
	}
}

func TestFSMMEncodingResolution(t *testing.T) {
	// The FSMM encodes free bytes at blockSize/256 granularity: 32-byte
	// buckets at an 8192-byte block, preserved exactly.
	s := newSegment(8192, 1)
	if g := s.encodeFreeSpace(8191); g != 255 {
		t.Fatalf("encode(8191) = %d, want 255", g)
	}
	if g := s.encodeFreeSpace(64); g != 2 {
		t.Fatalf("encode(64) = %d, want 2", g)
	}
	if g := s.encodeFreeSpace(63); g != 1 {
		t.Fatalf("encode(63) = %d, want 1 (rounds down)", g)
	}
	if g := s.encodeFreeSpace(31); g != 0 {
		t.Fatalf("encode(31) = %d, want 0", g)
	}
}

func TestReplaceSameFingerprint(t *testing.T) {
	c := newTestCache(t, 4, 8192)
	key := Fingerprint("u", "SELECT 1", "d")

	if err := c.Store(key, 1, nil, time.Minute, []byte("old")); err != nil {
		t.Fatal(err)
	}
	if err := c.Store(key, 1, nil, time.Minute, []byte("new")); err != nil {
		t.Fatal(err)
	}
	got, ok := c.Lookup(key)
	if !ok || string(got) != "new" {
		t.Fatalf("Lookup = %q, %v; want replacement", got, ok)
	}
	if c.Entries() != 1 {
		t.Fatalf("entries = %d, want 1 (replaced, not duplicated)", c.Entries())
	}
}

func TestInvalidateDatabase(t *testing.T) {
	c := newTestCache(t, 4, 8192)
	k1 := Fingerprint("u", "SELECT * FROM a", "d1")
	k2 := Fingerprint("u", "SELECT * FROM b", "d2")
	if err := c.Store(k1, 1, []parsetree.Oid{100}, time.Minute, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := c.Store(k2, 2, []parsetree.Oid{200}, time.Minute, []byte("b")); err != nil {
		t.Fatal(err)
	}

	if err := c.InvalidateDatabase(1); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Lookup(k1); ok {
		t.Fatal("database 1's entry must be gone")
	}
	if _, ok := c.Lookup(k2); !ok {
		t.Fatal("database 2's entry must survive")
	}

	// The database's oid-map subtree is removed.
	if _, err := os.Stat(filepath.Join(c.cfg.OidMapDir, "1")); !os.IsNotExist(err) {
		t.Fatal("oid-map subtree for database 1 must be removed")
	}
}

func TestResetRecoversService(t *testing.T) {
	c := newTestCache(t, 4, 8192)
	key := Fingerprint("u", "SELECT 1", "d")
	if err := c.Store(key, 1, nil, time.Minute, []byte("x")); err != nil {
		t.Fatal(err)
	}

	c.Reset()
	if _, ok := c.Lookup(key); ok {
		t.Fatal("reset must discard all entries")
	}
	if err := c.Store(key, 1, nil, time.Minute, []byte("y")); err != nil {
		t.Fatalf("store after reset: %v", err)
	}
}

func TestHashIndexChaining(t *testing.T) {
	h := newHashIndex(8)

	// Keys colliding into one bucket chain and resolve independently.
	var keys []Key
	for i := 0; i < 4; i++ {
		var k Key
		k[15] = byte(i) // same top-4-bytes → same bucket
		keys = append(keys, k)
		if !h.Insert(k, uint32(i), uint16(i)) {
			t.Fatal("insert failed")
		}
	}
	for i, k := range keys {
		b, it, ok := h.Lookup(k)
		if !ok || b != uint32(i) || it != uint16(i) {
			t.Fatalf("Lookup(key %d) = (%d,%d,%v)", i, b, it, ok)
		}
	}

	// Deleting a middle element keeps the chain intact.
	h.Delete(keys[1])
	if _, _, ok := h.Lookup(keys[1]); ok {
		t.Fatal("deleted key must not resolve")
	}
	for _, i := range []int{0, 2, 3} {
		if _, _, ok := h.Lookup(keys[i]); !ok {
			t.Fatalf("chain broken for key %d", i)
		}
	}

	// Freed elements are reused.
	var k Key
	k[14] = 0xFF
	if !h.Insert(k, 9, 9) {
		t.Fatal("freelist reuse failed")
	}
}

func TestHashIndexFull(t *testing.T) {
	h := newHashIndex(2)
	var a, b, c Key
	a[0], b[0], c[0] = 1, 2, 3
	if !h.Insert(a, 0, 0) || !h.Insert(b, 0, 1) {
		t.Fatal("first two inserts must succeed")
	}
	if h.Insert(c, 0, 2) {
		t.Fatal("insert past the element arena must fail")
	}
}

func TestOidMapRecordsPersist(t *testing.T) {
	dir := t.TempDir()
	m, err := newOidMap(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer m.close()

	k := Fingerprint("u", "SELECT 1", "d")
	if err := m.appendKey(5, 500, k); err != nil {
		t.Fatal(err)
	}
	if err := m.appendKey(5, 500, k); err != nil {
		t.Fatal(err)
	}

	recs, found, err := m.readRecords(5, 500, oidRecordKey)
	if err != nil || !found {
		t.Fatalf("readRecords: %v, found=%v", err, found)
	}
	if len(recs) != 2 || !bytes.Equal(recs[0], k[:]) {
		t.Fatalf("records = %d, want 2 fingerprints", len(recs))
	}

	if err := m.remove(5, 500); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := m.readRecords(5, 500, oidRecordKey); found {
		t.Fatal("removed file must not be found")
	}
}
