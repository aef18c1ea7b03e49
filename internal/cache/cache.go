// Package cache implements the query result cache (spec.md §4.9, C9): a
// block store shaped like pgpool-II's shared-memory segment — equal-size
// blocks with a free-space map, clock-hand eviction, and a chained hash
// index over 128-bit query fingerprints — plus the on-disk table-OID
// dependency map driving invalidation, and an optional external memcached
// backend.
package cache

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poolrouter/poolrouter/internal/config"
	"github.com/poolrouter/poolrouter/internal/parsetree"
	"github.com/poolrouter/poolrouter/internal/poolerr"
)

// Key is the 128-bit cache fingerprint: md5 over the ASCII concatenation
// user ‖ query_text ‖ database (spec.md §6).
type Key [16]byte

// Fingerprint computes the cache key for one statement.
func Fingerprint(user, query, database string) Key {
	h := md5.New()
	h.Write([]byte(user))
	h.Write([]byte(query))
	h.Write([]byte(database))
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Stats is a point-in-time view of cache effectiveness, exposed on the
// admin API.
type Stats struct {
	Entries       int   `json:"entries"`
	NumBlocks     int   `json:"num_blocks"`
	BlockSize     int   `json:"block_size"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`
}

// Cache is the shared query result cache. A single writer / multi-reader
// lock guards the whole structure; it is held for the duration of one
// insert, lookup, delete, or invalidation call and never across network
// I/O (spec.md §5).
type Cache struct {
	mu  sync.RWMutex
	log *slog.Logger
	cfg config.CacheConfig

	seg       *segment
	hash      *hashIndex
	clockHand int

	oids *oidMap
	memc *memcachedClient

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
}

// New builds the cache: the block segment and hash index are allocated
// once, sized from cfg; the oid-map directory is created if missing.
func New(log *slog.Logger, cfg config.CacheConfig) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BlockSize < blockHeaderSize+itemPtrSize+itemBodyOverhead {
		return nil, fmt.Errorf("cache: block_size %d too small", cfg.BlockSize)
	}
	oids, err := newOidMap(cfg.OidMapDir)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		log:  log,
		cfg:  cfg,
		seg:  newSegment(cfg.BlockSize, cfg.NumBlocks),
		hash: newHashIndex(cfg.MaxNumCache),
		oids: oids,
	}
	if cfg.MemcachedAddr != "" {
		c.memc = newMemcachedClient(cfg.MemcachedAddr)
	}
	return c, nil
}

// Close releases the oid-map lock file and any memcached connection.
func (c *Cache) Close() {
	if c.memc != nil {
		c.memc.Close()
	}
	c.oids.close()
}

// Store commits one statement's accumulated result bytes under key,
// recording the table OIDs it depends on in the oid map.
func (c *Cache) Store(key Key, db parsetree.Oid, tables []parsetree.Oid, ttl time.Duration, data []byte) error {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	if c.memc != nil {
		if err := c.memc.Set(key, ttl, data); err != nil {
			return err
		}
		for _, t := range tables {
			if err := c.oids.appendKey(db, t, key); err != nil {
				return err
			}
		}
		return nil
	}

	c.mu.Lock()
	blockid, itemid, err := c.storeLocked(key, ttl, data)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	for _, t := range tables {
		if err := c.oids.appendLocation(db, t, blockid, itemid); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) storeLocked(key Key, ttl time.Duration, data []byte) (uint32, uint16, error) {
	need := itemSpace(len(data))
	if need > c.cfg.BlockSize-blockHeaderSize {
		return 0, 0, fmt.Errorf("cache: result of %d bytes exceeds block capacity", len(data))
	}

	// An existing entry for the same fingerprint is replaced, not duplicated.
	if blockid, itemid, ok := c.hash.Lookup(key); ok {
		c.seg.deleteItem(int(blockid), int(itemid))
		c.hash.Delete(key)
	}

	b := c.seg.findBlock(need)
	if b < 0 {
		// No block satisfies the allocation: advance the clock hand and
		// evict the pointed-to block wholesale (approximate FIFO; there is
		// no reference bit).
		b = c.clockHand
		c.clockHand = (c.clockHand + 1) % c.seg.numBlocks
		removed := c.hash.DeleteByLocation(uint32(b))
		c.seg.initBlock(b)
		c.evictions.Add(1)
		c.log.Debug("evicted cache block", "block", b, "items", removed)
	}

	itemid := c.seg.addItem(b, key, ttl, time.Now(), data)
	if !c.hash.Insert(key, uint32(b), uint16(itemid)) {
		c.seg.deleteItem(b, itemid)
		return 0, 0, poolerr.New(poolerr.KindCacheCorrupt, "cache hash index full")
	}
	return uint32(b), uint16(itemid), nil
}

// Lookup returns the cached result bytes for key, if present and not
// expired. An expired entry is deleted on the way out.
func (c *Cache) Lookup(key Key) ([]byte, bool) {
	if c.memc != nil {
		data, ok, err := c.memc.Get(key)
		if err != nil || !ok {
			c.misses.Add(1)
			return nil, false
		}
		c.hits.Add(1)
		return data, true
	}

	c.mu.RLock()
	blockid, itemid, ok := c.hash.Lookup(key)
	var (
		data     []byte
		storedAt time.Time
		ttl      time.Duration
	)
	if ok {
		data, storedAt, ttl, ok = c.seg.item(int(blockid), int(itemid))
	}
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if ttl > 0 && time.Since(storedAt) > ttl {
		c.Delete(key)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return data, true
}

// Delete removes key's entry.
func (c *Cache) Delete(key Key) {
	if c.memc != nil {
		c.memc.Delete(key)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if blockid, itemid, ok := c.hash.Lookup(key); ok {
		c.seg.deleteItem(int(blockid), int(itemid))
		c.hash.Delete(key)
	}
}

// InvalidateTables deletes every cache entry depending on any of the given
// table OIDs, consuming and unlinking their oid-map files. Called at the
// ReadyForQuery (or COMMIT) following a write (spec.md §4.9 "Invalidation").
func (c *Cache) InvalidateTables(db parsetree.Oid, tables []parsetree.Oid) int {
	deleted := 0
	for _, t := range tables {
		if c.memc != nil {
			recs, found, err := c.oids.readRecords(db, t, oidRecordKey)
			if err != nil || !found {
				continue
			}
			for _, rec := range recs {
				var k Key
				copy(k[:], rec)
				c.memc.Delete(k)
				deleted++
			}
		} else {
			recs, found, err := c.oids.readRecords(db, t, oidRecordLoc)
			if err != nil || !found {
				continue
			}
			c.mu.Lock()
			for _, rec := range recs {
				blockid := binary.BigEndian.Uint32(rec[:4])
				itemid := binary.BigEndian.Uint16(rec[4:6])
				if c.deleteByLocationLocked(blockid, itemid) {
					deleted++
				}
			}
			c.mu.Unlock()
		}
		c.oids.remove(db, t)
	}
	if deleted > 0 {
		c.invalidations.Add(int64(deleted))
	}
	return deleted
}

// deleteByLocationLocked removes the entry at (blockid, itemid), verifying
// the location still holds a live item whose fingerprint is indexed — a
// stale oid-map record pointing at an evicted slot is ignored.
func (c *Cache) deleteByLocationLocked(blockid uint32, itemid uint16) bool {
	b, i := int(blockid), int(itemid)
	if b >= c.seg.numBlocks || i >= c.seg.numItems(b) {
		return false
	}
	p := c.seg.readItemPtr(b, i)
	if p.flags&itemFlagLive == 0 {
		return false
	}
	if gotB, gotI, ok := c.hash.Lookup(p.hash); !ok || gotB != blockid || gotI != itemid {
		return false
	}
	c.hash.Delete(p.hash)
	c.seg.deleteItem(b, i)
	return true
}

// InvalidateDatabase clears every cached entry and oid-map file belonging
// to one database OID (DROP DATABASE).
func (c *Cache) InvalidateDatabase(db parsetree.Oid) error {
	files, err := c.oids.removeDatabase(db)
	if err != nil {
		return err
	}
	deleted := 0
	for _, data := range files {
		if c.memc != nil {
			for off := 0; off+oidRecordKey <= len(data); off += oidRecordKey {
				var k Key
				copy(k[:], data[off:off+oidRecordKey])
				c.memc.Delete(k)
				deleted++
			}
		} else {
			c.mu.Lock()
			for off := 0; off+oidRecordLoc <= len(data); off += oidRecordLoc {
				blockid := binary.BigEndian.Uint32(data[off : off+4])
				itemid := binary.BigEndian.Uint16(data[off+4 : off+6])
				if c.deleteByLocationLocked(blockid, itemid) {
					deleted++
				}
			}
			c.mu.Unlock()
		}
	}
	if deleted > 0 {
		c.invalidations.Add(int64(deleted))
	}
	return nil
}

// Reset discards the entire in-memory cache, recovering from any internal
// consistency failure; service continues with a cold cache (spec.md §7
// CacheCorrupt).
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seg = newSegment(c.cfg.BlockSize, c.cfg.NumBlocks)
	c.hash = newHashIndex(c.cfg.MaxNumCache)
	c.clockHand = 0
	c.log.Warn("query cache reset")
}

// Entries returns the number of live cached results.
func (c *Cache) Entries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash.Len()
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:       c.Entries(),
		NumBlocks:     c.cfg.NumBlocks,
		BlockSize:     c.cfg.BlockSize,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
