// Package backend holds the fixed-size, process-wide backend descriptor
// array (spec.md §3 "Backend descriptor"). Status transitions are performed
// only by the single process that owns the lifecheck signal (spec.md §5),
// but status reads happen from every session goroutine, so the status word
// is read and written atomically.
package backend

import (
	"fmt"
	"sync/atomic"
)

// Status is a backend slot's live status.
type Status int32

const (
	StatusUnused Status = iota
	StatusConnectWait
	StatusUp
	StatusDown
	StatusQuarantined
)

func (s Status) String() string {
	switch s {
	case StatusUnused:
		return "UNUSED"
	case StatusConnectWait:
		return "CONNECT_WAIT"
	case StatusUp:
		return "UP"
	case StatusDown:
		return "DOWN"
	case StatusQuarantined:
		return "QUARANTINED"
	default:
		return "UNKNOWN"
	}
}

// Role distinguishes a primary-capable backend from a read-only standby.
// Only meaningful in replica-cluster modes; ignored in raw mode.
type Role int

const (
	RolePrimary Role = iota
	RoleStandby
)

// Slot describes one backend connection target.
type Slot struct {
	Host  string
	Port  int
	Role  Role
	Flags uint32
	// Weight biases the load-balance pick toward this slot; zero means 1.
	Weight int

	status atomic.Int32
	// ReplicationDelayBytes is updated by the external lifecheck/health
	// subsystem; the router reads it to decide load-balance eligibility.
	replicationDelay atomic.Int64
}

// Status returns the slot's current status (atomic read).
func (s *Slot) Status() Status { return Status(s.status.Load()) }

// SetStatus atomically transitions the slot's status.
func (s *Slot) SetStatus(st Status) { s.status.Store(int32(st)) }

// ReplicationDelayBytes returns the last-observed replication lag in bytes.
func (s *Slot) ReplicationDelayBytes() int64 { return s.replicationDelay.Load() }

// SetReplicationDelayBytes records the last-observed replication lag.
func (s *Slot) SetReplicationDelayBytes(n int64) { s.replicationDelay.Store(n) }

// ClusterMode distinguishes a passthrough single-backend deployment from a
// primary/standby replica cluster.
type ClusterMode int

const (
	ModeRaw ClusterMode = iota
	ModeReplica
)

// Cluster is the fixed-size ordered array of backend slots, [0..N).
type Cluster struct {
	Mode  ClusterMode
	slots []*Slot
}

// NewCluster builds a Cluster over the given ordered slots. The slice order
// is the backend index order used throughout the router and session state
// (where_to_send bitmaps are indexed positionally into this array).
func NewCluster(mode ClusterMode, slots []*Slot) *Cluster {
	return &Cluster{Mode: mode, slots: slots}
}

// Len returns the number of backend slots.
func (c *Cluster) Len() int { return len(c.slots) }

// Slot returns the slot at index i.
func (c *Cluster) Slot(i int) *Slot { return c.slots[i] }

// MainIndex returns the lowest-indexed UP backend, or -1 if none is up.
// This is the "main node" of the glossary: used when no primary concept
// applies (raw mode), or as a fallback in replica mode.
func (c *Cluster) MainIndex() int {
	for i, s := range c.slots {
		if s.Status() == StatusUp {
			return i
		}
	}
	return -1
}

// PrimaryIndex returns the index of the UP backend with RolePrimary, or -1
// if none is up. Only meaningful in ModeReplica.
//
// Invariant (spec.md §3): at most one slot is primary.
func (c *Cluster) PrimaryIndex() int {
	for i, s := range c.slots {
		if s.Role == RolePrimary && s.Status() == StatusUp {
			return i
		}
	}
	return -1
}

// ResolvePrimaryOrMain returns the primary index if one is up; otherwise
// falls back to the main index. Returns an error if neither exists, per
// spec.md §3's stated invariant ("whenever primary is unset and a routing
// decision needs one, the router falls back to the main or fails with a
// well-defined error").
func (c *Cluster) ResolvePrimaryOrMain() (int, error) {
	if i := c.PrimaryIndex(); i >= 0 {
		return i, nil
	}
	if i := c.MainIndex(); i >= 0 {
		return i, nil
	}
	return -1, fmt.Errorf("backend: no primary or main backend is UP")
}

// StandbyIndices returns the indices of all UP non-primary backends.
func (c *Cluster) StandbyIndices() []int {
	var out []int
	for i, s := range c.slots {
		if s.Role == RoleStandby && s.Status() == StatusUp {
			out = append(out, i)
		}
	}
	return out
}

// AllUp returns the indices of every UP backend.
func (c *Cluster) AllUp() []int {
	var out []int
	for i, s := range c.slots {
		if s.Status() == StatusUp {
			out = append(out, i)
		}
	}
	return out
}
