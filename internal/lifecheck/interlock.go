// Package lifecheck carries the two signals the external watchdog subsystem
// imposes on the core (spec.md §4.10, C10): failover-in-progress, which
// aborts sessions immediately, and recovery stage 2, which quiesces new
// statements until every client connection has drained.
package lifecheck

import (
	"log/slog"
	"sync"

	"github.com/poolrouter/poolrouter/internal/poolerr"
)

// Interlock gates query forwarding during failover and online recovery.
// Sessions call Gate before each statement; the watchdog side calls
// SetFailover / EnterRecoveryStage2.
type Interlock struct {
	mu   sync.Mutex
	cond *sync.Cond
	log  *slog.Logger

	failover    bool
	recovering  bool
	connCounter int
}

// New returns an open interlock.
func New(log *slog.Logger) *Interlock {
	if log == nil {
		log = slog.Default()
	}
	il := &Interlock{log: log}
	il.cond = sync.NewCond(&il.mu)
	return il
}

// SessionStarted counts one client connection in.
func (il *Interlock) SessionStarted() {
	il.mu.Lock()
	il.connCounter++
	il.mu.Unlock()
}

// SessionEnded counts one client connection out, waking a recovery waiter
// when the count reaches zero.
func (il *Interlock) SessionEnded() {
	il.mu.Lock()
	il.connCounter--
	if il.connCounter <= 0 {
		il.cond.Broadcast()
	}
	il.mu.Unlock()
}

// ConnCounter returns the live client-connection count.
func (il *Interlock) ConnCounter() int {
	il.mu.Lock()
	defer il.mu.Unlock()
	return il.connCounter
}

// SetFailover raises or clears the failover-in-progress signal.
func (il *Interlock) SetFailover(on bool) {
	il.mu.Lock()
	il.failover = on
	if !on {
		il.cond.Broadcast()
	}
	il.mu.Unlock()
	il.log.Info("failover signal changed", "in_progress", on)
}

// Gate is called by a session before accepting a new statement. During
// failover it fails immediately with InternalFailover — the session aborts
// and the client reconnects. During recovery stage 2 the statement is
// refused the same way a new connection would be; the barrier itself is
// waited on by the recovery orchestrator, not by sessions.
func (il *Interlock) Gate() error {
	il.mu.Lock()
	defer il.mu.Unlock()
	if il.failover {
		return poolerr.New(poolerr.KindInternalFailover, "failover in progress; reconnect")
	}
	if il.recovering {
		return poolerr.New(poolerr.KindInternalFailover, "online recovery in progress; reconnect")
	}
	return nil
}

// EnterRecoveryStage2 stops acceptance of new statements and blocks until
// the connection counter reaches zero (the idle barrier of spec.md §4.10),
// then returns with the interlock still closed; call LeaveRecovery when the
// recovery completes.
func (il *Interlock) EnterRecoveryStage2() {
	il.mu.Lock()
	il.recovering = true
	for il.connCounter > 0 {
		il.cond.Wait()
	}
	il.mu.Unlock()
	il.log.Info("recovery stage 2 barrier reached; all sessions drained")
}

// LeaveRecovery reopens the interlock after online recovery.
func (il *Interlock) LeaveRecovery() {
	il.mu.Lock()
	il.recovering = false
	il.mu.Unlock()
	il.log.Info("recovery finished; accepting statements")
}
