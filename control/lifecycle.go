package control

import (
	"fmt"

	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
)

// HartLifecycleState is the HSM state of a confidential hart.
type HartLifecycleState uint8

const (
	Started HartLifecycleState = iota
	Suspended
	Stopped
	// Shutdown is terminal. A shut down hart is never executed again.
	Shutdown
)

func (s HartLifecycleState) String() string {
	switch s {
	case Started:
		return "started"
	case Suspended:
		return "suspended"
	case Stopped:
		return "stopped"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("HartLifecycleState(%d)", uint8(s))
	}
}

// HartStatus returns the value reported by the HSM get status call.
func (s HartLifecycleState) HartStatus() uint64 {
	switch s {
	case Started:
		return riscv.HartStatusStarted
	case Suspended:
		return riscv.HartStatusSuspended
	default:
		return riscv.HartStatusStopped
	}
}

// CanTransition reports whether the lifecycle allows moving from s to to.
//
//	started   -> suspended, stopped, shutdown
//	suspended -> started, shutdown
//	stopped   -> started, shutdown
func (s HartLifecycleState) CanTransition(to HartLifecycleState) bool {
	switch s {
	case Started:
		return to == Suspended || to == Stopped || to == Shutdown
	case Suspended, Stopped:
		return to == Started || to == Shutdown
	default:
		return false
	}
}

func (s HartLifecycleState) transition(to HartLifecycleState) (HartLifecycleState, error) {
	if s.CanTransition(to) {
		return to, nil
	}

	switch {
	case s == to && s == Started:
		return s, fmt.Errorf("%w: %v", smerr.ErrHartAlreadyStarted, s)
	case s == to && s == Stopped:
		return s, fmt.Errorf("%w: %v", smerr.ErrHartAlreadyStopped, s)
	default:
		return s, fmt.Errorf("%w: %v to %v", smerr.ErrInvalidHartStateTransition, s, to)
	}
}
