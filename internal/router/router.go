// Package router turns a classified statement into a where_to_send bitmap
// over the backend cluster and picks the load-balance target for read-only
// traffic (spec.md §4.6, C6). Policy is held in an immutable snapshot behind
// an atomic.Value so the hot path never takes a lock; config hot-reload
// swaps in a new snapshot under a write mutex.
package router

import (
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/poolrouter/poolrouter/internal/backend"
	"github.com/poolrouter/poolrouter/internal/config"
	"github.com/poolrouter/poolrouter/internal/parsetree"
	"github.com/poolrouter/poolrouter/internal/poolerr"
	"github.com/poolrouter/poolrouter/internal/session"
)

// policySnapshot is an immutable point-in-time view of the routing policy.
type policySnapshot struct {
	delayThreshold            int64
	statementLevelLoadBalance bool
	preferLeastDelayed        bool
	dmlAdaptive               bool
	primaryPatterns           []*regexp.Regexp
	unsafeTables              []parsetree.RangeVar
}

func buildSnapshot(cfg config.RoutingConfig) *policySnapshot {
	s := &policySnapshot{
		delayThreshold:            cfg.DelayThreshold,
		statementLevelLoadBalance: cfg.StatementLevelLoadBalance,
		preferLeastDelayed:        cfg.PreferLeastDelayed,
		dmlAdaptive:               cfg.DMLAdaptive,
	}
	for _, p := range cfg.PrimaryRoutingQueryPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			// A bad pattern cannot force primary routing; skip it rather
			// than refuse the whole config.
			continue
		}
		s.primaryPatterns = append(s.primaryPatterns, re)
	}
	for _, t := range cfg.UnsafeTableList {
		if dot := strings.IndexByte(t, '.'); dot >= 0 {
			s.unsafeTables = append(s.unsafeTables, parsetree.RangeVar{Schema: t[:dot], Name: t[dot+1:]})
		} else {
			s.unsafeTables = append(s.unsafeTables, parsetree.RangeVar{Name: t})
		}
	}
	return s
}

// Router computes routing bitmaps for one backend cluster.
type Router struct {
	cluster *backend.Cluster
	snap    atomic.Value // holds *policySnapshot
	wmu     sync.Mutex   // serializes policy reloads (rare)
}

// New creates a Router over cluster with the given policy.
func New(cluster *backend.Cluster, cfg config.RoutingConfig) *Router {
	r := &Router{cluster: cluster}
	r.snap.Store(buildSnapshot(cfg))
	return r
}

// Reload swaps in a new routing policy.
func (r *Router) Reload(cfg config.RoutingConfig) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.snap.Store(buildSnapshot(cfg))
}

func (r *Router) load() *policySnapshot {
	return r.snap.Load().(*policySnapshot)
}

// UnsafeTables returns the operator's unsafe-table list for the cache-safety
// check (spec.md §3).
func (r *Router) UnsafeTables() []parsetree.RangeVar {
	return r.load().unsafeTables
}

// StatementLevelLoadBalance reports whether the load-balance target is
// re-chosen per statement.
func (r *Router) StatementLevelLoadBalance() bool {
	return r.load().statementLevelLoadBalance
}

// Route fills qc.WhereToSend, qc.LoadBalanceNodeID, and
// qc.VirtualMainNodeID per the algorithm in spec.md §4.6, and returns the
// classifier's destination verdict.
func (r *Router) Route(s *session.Session, qc *session.QueryContext) (parsetree.Destination, error) {
	p := r.load()
	clear(qc.WhereToSend)
	qc.LoadBalanceNodeID = -1

	// Raw mode: everything goes to the main node.
	if r.cluster.Mode == backend.ModeRaw {
		main := r.cluster.MainIndex()
		if main < 0 {
			return parsetree.Primary, poolerr.New(poolerr.KindBackendDown, "no backend is UP")
		}
		qc.WhereToSend[main] = true
		qc.RecomputeVirtualMainNodeID()
		return parsetree.Either, nil
	}

	// Multi-statement simple queries are classified only by their first
	// statement, so they go to the primary alone.
	if parsetree.StatementCount(qc.Text) > 1 {
		if err := r.setPrimary(qc); err != nil {
			return parsetree.Primary, err
		}
		qc.RecomputeVirtualMainNodeID()
		return parsetree.Primary, nil
	}

	// EXECUTE/DEALLOCATE copy the bitmap of the statement they name instead
	// of being classified independently (spec.md §4.6 step 7).
	switch v := qc.Node.(type) {
	case parsetree.ExecuteStmt:
		if done, err := r.inheritBitmap(s, qc, v.Name); done || err != nil {
			return parsetree.Either, err
		}
	case parsetree.DeallocateStmt:
		if v.All {
			for _, i := range r.cluster.AllUp() {
				qc.WhereToSend[i] = true
			}
			qc.RecomputeVirtualMainNodeID()
			return parsetree.Both, nil
		}
		if done, err := r.inheritBitmap(s, qc, v.Name); done || err != nil {
			return parsetree.Both, err
		}
	}

	dest, err := parsetree.SendDestination(qc.Node, s.SentMessages())
	if err != nil {
		return dest, err
	}

	switch dest {
	case parsetree.Primary:
		if err := r.setPrimary(qc); err != nil {
			return dest, err
		}

	case parsetree.Both:
		primary, err := r.cluster.ResolvePrimaryOrMain()
		if err != nil {
			return dest, poolerr.Wrap(poolerr.KindBackendDown, "routing BOTH", err)
		}
		qc.WhereToSend[primary] = true
		for _, i := range r.cluster.AllUp() {
			qc.WhereToSend[i] = true
		}

	default: // EITHER / STANDBY: a SELECT-like load-balance candidate
		target, err := r.selectReadTarget(p, s, qc)
		if err != nil {
			return dest, err
		}
		qc.WhereToSend[target] = true
	}

	qc.RecomputeVirtualMainNodeID()
	return dest, nil
}

// inheritBitmap copies where_to_send from the sent-message entry for name.
// Returns done=true when the bitmap was inherited.
func (r *Router) inheritBitmap(s *session.Session, qc *session.QueryContext, name string) (bool, error) {
	m, ok := s.SentMessages().Get(session.SentByParse, name)
	if !ok {
		m, ok = s.SentMessages().Get(session.SentByQuery, name)
	}
	if !ok || len(m.WhereToSend) != len(qc.WhereToSend) {
		return false, nil
	}
	copy(qc.WhereToSend, m.WhereToSend)
	qc.RecomputeVirtualMainNodeID()
	return true, nil
}

func (r *Router) setPrimary(qc *session.QueryContext) error {
	primary, err := r.cluster.ResolvePrimaryOrMain()
	if err != nil {
		return poolerr.Wrap(poolerr.KindBackendDown, "routing PRIMARY", err)
	}
	qc.WhereToSend[primary] = true
	return nil
}

// selectReadTarget decides where a SELECT-like statement goes: the
// load-balance replica when allowed, the primary otherwise (spec.md §4.6
// step 6).
func (r *Router) selectReadTarget(p *policySnapshot, s *session.Session, qc *session.QueryContext) (int, error) {
	primary, err := r.cluster.ResolvePrimaryOrMain()
	if err != nil {
		return -1, poolerr.Wrap(poolerr.KindBackendDown, "routing SELECT", err)
	}

	// Inside a transaction that has written, or under SERIALIZABLE, reads
	// must see the primary's state.
	if s.InsideTransaction() && (s.WritingTransaction() || s.IsSerializable()) {
		return primary, nil
	}

	if sel, ok := qc.Node.(parsetree.SelectStmt); ok {
		if sel.ReferencesCatalog || sel.ReferencesTempTable || sel.ReferencesUnloggedTable {
			return primary, nil
		}
		if sel.HasVolatileFunctionCall {
			return primary, nil
		}
		for _, t := range sel.Tables {
			if s.TempTables().IsTempTable(t.Name) {
				return primary, nil
			}
			if p.dmlAdaptive && s.WroteTable(t) {
				return primary, nil
			}
		}
	}
	for _, re := range p.primaryPatterns {
		if re.MatchString(qc.Text) {
			return primary, nil
		}
	}

	target := r.loadBalanceTarget(p, s)
	if target < 0 {
		return primary, nil
	}

	// Streaming-replication delay gate.
	if p.delayThreshold > 0 && r.cluster.Slot(target).ReplicationDelayBytes() > p.delayThreshold {
		if p.preferLeastDelayed {
			if least := r.leastDelayedStandby(p); least >= 0 {
				qc.LoadBalanceNodeID = least
				return least, nil
			}
		}
		return primary, nil
	}

	qc.LoadBalanceNodeID = target
	return target, nil
}

// loadBalanceTarget returns the session's pinned replica, picking one first
// if needed — or re-picking per statement under statement-level load
// balancing.
func (r *Router) loadBalanceTarget(p *policySnapshot, s *session.Session) int {
	if !p.statementLevelLoadBalance {
		if n := s.LoadBalanceNode(); n >= 0 && r.cluster.Slot(n).Status() == backend.StatusUp {
			return n
		}
	}
	target := r.weightedPick()
	if target >= 0 && !p.statementLevelLoadBalance {
		s.SetLoadBalanceNode(target)
	}
	return target
}

// weightedPick chooses a live standby, biased by slot weight.
func (r *Router) weightedPick() int {
	standbys := r.cluster.StandbyIndices()
	if len(standbys) == 0 {
		return -1
	}
	total := 0
	for _, i := range standbys {
		total += weightOf(r.cluster.Slot(i))
	}
	n := rand.Intn(total)
	for _, i := range standbys {
		n -= weightOf(r.cluster.Slot(i))
		if n < 0 {
			return i
		}
	}
	return standbys[len(standbys)-1]
}

func weightOf(s *backend.Slot) int {
	if s.Weight <= 0 {
		return 1
	}
	return s.Weight
}

func (r *Router) leastDelayedStandby(p *policySnapshot) int {
	best, bestDelay := -1, int64(0)
	for _, i := range r.cluster.StandbyIndices() {
		d := r.cluster.Slot(i).ReplicationDelayBytes()
		if best < 0 || d < bestDelay {
			best, bestDelay = i, d
		}
	}
	if best >= 0 && p.delayThreshold > 0 && bestDelay > p.delayThreshold {
		return -1
	}
	return best
}

// RouteTerminateBackend routes a pg_terminate_backend(pid) call to the exact
// node hosting the target pid, overriding the normal read/write policy
// (spec.md §9, preserved observed behavior).
func (r *Router) RouteTerminateBackend(qc *session.QueryContext, hostingBackend int) error {
	if hostingBackend < 0 || hostingBackend >= r.cluster.Len() {
		return poolerr.New(poolerr.KindBackendDown, "terminate-backend target not found")
	}
	clear(qc.WhereToSend)
	qc.WhereToSend[hostingBackend] = true
	qc.RecomputeVirtualMainNodeID()
	return nil
}
