// Package health runs the periodic backend probes that keep the cluster's
// slot statuses and replication-delay readings current. The probes are this
// process's stand-in for the external lifecheck subsystem's status feed
// (spec.md §4.10 scopes the watchdog protocol out; the status array itself
// still needs a writer).
package health

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/poolrouter/poolrouter/internal/backend"
	"github.com/poolrouter/poolrouter/internal/config"
	"github.com/poolrouter/poolrouter/internal/metrics"
)

// BackendHealth holds probe results for one backend slot.
type BackendHealth struct {
	Status              string    `json:"status"`
	Role                string    `json:"role"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	ReplicationDelay    int64     `json:"replication_delay_bytes"`
}

// Checker performs periodic health checks on every backend slot.
type Checker struct {
	mu      sync.RWMutex
	slots   []*BackendHealth
	cluster *backend.Cluster
	metrics *metrics.Collector

	interval          time.Duration
	failureThreshold  int
	connectionTimeout time.Duration
	monitorDSN        string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a health checker over cluster.
func NewChecker(cluster *backend.Cluster, m *metrics.Collector, cfg config.HealthCheckConfig) *Checker {
	slots := make([]*BackendHealth, cluster.Len())
	for i := range slots {
		slots[i] = &BackendHealth{Status: "unknown"}
	}
	return &Checker{
		slots:             slots,
		cluster:           cluster,
		metrics:           m,
		interval:          cfg.Interval,
		failureThreshold:  cfg.FailureThreshold,
		connectionTimeout: cfg.ConnectionTimeout,
		monitorDSN:        cfg.MonitorDSNTemplate,
		stopCh:            make(chan struct{}),
	}
}

// Start begins periodic health checking.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "interval", c.interval, "threshold", c.failureThreshold)
}

// Stop stops the health checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

func (c *Checker) run() {
	// Run immediately on start.
	c.CheckAll()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckAll()
		case <-c.stopCh:
			return
		}
	}
}

// CheckAll probes every backend slot in parallel.
func (c *Checker) CheckAll() {
	var wg sync.WaitGroup
	for i := 0; i < c.cluster.Len(); i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			healthy, delay, err := c.probe(c.cluster.Slot(i))
			if c.metrics != nil {
				c.metrics.HealthCheckCompleted(c.label(i), time.Since(start), healthy)
			}
			c.updateStatus(i, healthy, delay, err)
		}()
	}
	wg.Wait()
}

func (c *Checker) label(i int) string {
	s := c.cluster.Slot(i)
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// probe checks one backend. With a monitor DSN configured it runs a
// SQL-level check that also reads recovery state and replay lag; otherwise
// a raw TCP connect validates reachability only.
func (c *Checker) probe(slot *backend.Slot) (healthy bool, delay int64, err error) {
	addr := net.JoinHostPort(slot.Host, fmt.Sprintf("%d", slot.Port))

	if c.monitorDSN == "" {
		conn, dialErr := net.DialTimeout("tcp", addr, c.connectionTimeout)
		if dialErr != nil {
			return false, 0, dialErr
		}
		conn.Close()
		return true, slot.ReplicationDelayBytes(), nil
	}

	dsn := fmt.Sprintf(c.monitorDSN, slot.Host, slot.Port)
	db, openErr := sql.Open("postgres", dsn)
	if openErr != nil {
		return false, 0, openErr
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.connectionTimeout)
	defer cancel()

	var inRecovery bool
	var lag sql.NullInt64
	row := db.QueryRowContext(ctx, `
		SELECT pg_is_in_recovery(),
		       CASE WHEN pg_is_in_recovery()
		            THEN pg_wal_lsn_diff(pg_last_wal_receive_lsn(), pg_last_wal_replay_lsn())
		            ELSE 0 END`)
	if scanErr := row.Scan(&inRecovery, &lag); scanErr != nil {
		return false, 0, scanErr
	}
	if lag.Valid {
		delay = lag.Int64
	}
	return true, delay, nil
}

// updateStatus applies one probe result: failures accumulate toward the
// threshold before a slot is marked DOWN; a single success marks it UP and
// refreshes the replication delay the router reads.
func (c *Checker) updateStatus(i int, healthy bool, delay int64, probeErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := c.slots[i]
	h.LastCheck = time.Now()
	slot := c.cluster.Slot(i)
	h.Role = "standby"
	if slot.Role == backend.RolePrimary {
		h.Role = "primary"
	}

	if healthy {
		h.ConsecutiveFailures = 0
		h.LastError = ""
		h.Status = "up"
		h.ReplicationDelay = delay
		slot.SetReplicationDelayBytes(delay)
		if slot.Status() != backend.StatusUp {
			slog.Info("backend recovered", "backend", c.label(i))
		}
		slot.SetStatus(backend.StatusUp)
	} else {
		h.ConsecutiveFailures++
		if probeErr != nil {
			h.LastError = probeErr.Error()
			if c.metrics != nil {
				c.metrics.HealthCheckError(c.label(i), "probe")
			}
		}
		if h.ConsecutiveFailures >= c.failureThreshold {
			if slot.Status() == backend.StatusUp {
				slog.Warn("backend marked down", "backend", c.label(i), "failures", h.ConsecutiveFailures, "err", h.LastError)
			}
			slot.SetStatus(backend.StatusDown)
			h.Status = "down"
		}
	}

	if c.metrics != nil {
		c.metrics.SetBackendStatus(c.label(i), h.Role, slot.Status() == backend.StatusUp)
	}
}

// Snapshot returns a copy of every slot's health for the admin API.
func (c *Checker) Snapshot() []BackendHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]BackendHealth, len(c.slots))
	for i, h := range c.slots {
		out[i] = *h
	}
	return out
}
