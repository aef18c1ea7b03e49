package lifecheck

import (
	"errors"
	"testing"
	"time"

	"github.com/poolrouter/poolrouter/internal/poolerr"
)

func TestGateOpenByDefault(t *testing.T) {
	il := New(nil)
	if err := il.Gate(); err != nil {
		t.Fatalf("open interlock refused a statement: %v", err)
	}
}

func TestFailoverAbortsSessions(t *testing.T) {
	il := New(nil)
	il.SetFailover(true)

	err := il.Gate()
	var pe *poolerr.Error
	if !errors.As(err, &pe) || pe.Kind != poolerr.KindInternalFailover {
		t.Fatalf("Gate during failover = %v, want InternalFailover", err)
	}

	il.SetFailover(false)
	if err := il.Gate(); err != nil {
		t.Fatalf("cleared failover still refuses: %v", err)
	}
}

func TestRecoveryBarrierWaitsForDrain(t *testing.T) {
	il := New(nil)
	il.SessionStarted()
	il.SessionStarted()

	reached := make(chan struct{})
	go func() {
		il.EnterRecoveryStage2()
		close(reached)
	}()

	// The barrier must not pass while sessions are live.
	select {
	case <-reached:
		t.Fatal("barrier passed with live sessions")
	case <-time.After(50 * time.Millisecond):
	}

	il.SessionEnded()
	il.SessionEnded()

	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatal("barrier did not pass after the last session ended")
	}

	// New statements stay refused until recovery finishes.
	if err := il.Gate(); err == nil {
		t.Fatal("statements must be refused during recovery")
	}
	il.LeaveRecovery()
	if err := il.Gate(); err != nil {
		t.Fatalf("reopened interlock refused a statement: %v", err)
	}
}
