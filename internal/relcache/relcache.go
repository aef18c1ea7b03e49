// Package relcache resolves schema-qualified table names to PostgreSQL
// OIDs, caching the result. It backs parsetree.ExtractTableOIDs and the
// query cache's OID-map invalidation path (SPEC_FULL.md §11 DOMAIN STACK),
// and is itself the one place this module touches Postgres through
// database/sql rather than the hand-rolled wire codec — relation lookups
// are administrative queries against pg_catalog, not client/backend
// session traffic, and must not be proxied at the byte level.
package relcache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/poolrouter/poolrouter/internal/parsetree"
)

type key struct {
	schema string
	table  string
}

type entry struct {
	oid      parsetree.Oid
	cachedAt time.Time
}

// Cache resolves schema.table -> OID against the primary's pg_catalog,
// memoizing results until explicitly invalidated (on DROP/ALTER/TRUNCATE,
// the OID a statement references may no longer exist, so callers should
// call Invalidate after DDL that renames or drops a relation).
type Cache struct {
	db  *sql.DB
	ttl time.Duration

	mu      sync.RWMutex
	entries map[key]entry
}

// New opens a database/sql connection pool against dsn (the primary's
// connection string) using the lib/pq driver, and returns a Cache with the
// given memoization TTL (zero means entries never expire on their own —
// only explicit Invalidate calls evict them).
func New(dsn string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("relcache: open: %w", err)
	}
	return &Cache{db: db, ttl: ttl, entries: make(map[key]entry)}, nil
}

// Close closes the underlying connection pool.
func (c *Cache) Close() error { return c.db.Close() }

// OID resolves schema.table, consulting the memoized entry first. An empty
// schema defaults to "public", matching PostgreSQL's default search_path
// behavior for unqualified names.
func (c *Cache) OID(ctx context.Context, schema, table string) (parsetree.Oid, bool) {
	if schema == "" {
		schema = "public"
	}
	k := key{schema: schema, table: table}

	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if ok && (c.ttl == 0 || time.Since(e.cachedAt) < c.ttl) {
		return e.oid, true
	}

	var oid uint32
	err := c.db.QueryRowContext(ctx, `
		SELECT c.oid FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`, schema, table).Scan(&oid)
	if err != nil {
		return 0, false
	}

	c.mu.Lock()
	c.entries[k] = entry{oid: parsetree.Oid(oid), cachedAt: time.Now()}
	c.mu.Unlock()
	return parsetree.Oid(oid), true
}

// Resolver adapts OID to parsetree.OidResolver's synchronous signature,
// using context.Background() for the lookup (relation-name resolution is
// not expected to be cancelled mid-statement).
func (c *Cache) Resolver() parsetree.OidResolver {
	return func(schema, table string) (parsetree.Oid, bool) {
		return c.OID(context.Background(), schema, table)
	}
}

// DatabaseOID resolves a database name to its pg_database OID, for the
// query cache's per-database oid-map directory.
func (c *Cache) DatabaseOID(ctx context.Context, name string) (parsetree.Oid, bool) {
	var oid uint32
	err := c.db.QueryRowContext(ctx,
		`SELECT oid FROM pg_database WHERE datname = $1`, name).Scan(&oid)
	if err != nil {
		return 0, false
	}
	return parsetree.Oid(oid), true
}

// Invalidate evicts one memoized schema.table entry, e.g. after observing a
// DDL statement that renames or drops it.
func (c *Cache) Invalidate(schema, table string) {
	if schema == "" {
		schema = "public"
	}
	c.mu.Lock()
	delete(c.entries, key{schema: schema, table: table})
	c.mu.Unlock()
}

// InvalidateAll clears every memoized entry (used on a full schema reload).
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[key]entry)
	c.mu.Unlock()
}
