package audit

import (
	"fmt"
	"time"
)

// Direction tells which world a monitor exit returned to.
type Direction uint8

const (
	ToConfidentialHart Direction = iota
	ToHypervisor
)

func (d Direction) String() string {
	switch d {
	case ToConfidentialHart:
		return "confidential"
	case ToHypervisor:
		return "hypervisor"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Record describes one exit of the monitor. VM and ConfidentialHart are
// zero and -1 for exits not related to a confidential hart.
type Record struct {
	Seq              uint64
	Time             time.Time
	HardwareHart     int
	VM               uint64
	ConfidentialHart int
	Direction        Direction
	Transformation   string
}

func (r *Record) String() string {
	return fmt.Sprintf("%6d hart=%d vm=%d confidential_hart=%d -> %s: %s",
		r.Seq, r.HardwareHart, r.VM, r.ConfidentialHart, r.Direction, r.Transformation)
}
