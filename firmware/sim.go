// Package firmware simulates the machine-mode firmware services the monitor
// depends on: physical inter-processor interrupts between hardware harts.
package firmware

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/sirupsen/logrus"
)

var (
	ErrScratchMismatch = errors.New("mscratch does not hold the firmware's context")
	ErrUnknownHart     = errors.New("hardware hart is not registered with the firmware")
)

type line struct {
	scratch uint64
	pending bool
	notify  chan struct{}
}

// Sim delivers IPIs through one channel per hardware hart. Like real
// firmware it requires the caller's mscratch to point at the firmware's
// per-hart context.
type Sim struct {
	mu    sync.Mutex
	lines [control.MaxHardwareHarts]*line
	log   *logrus.Logger
}

func NewSim(log *logrus.Logger) *Sim {
	return &Sim{log: log}
}

// Register makes hh reachable by IPIs. The returned channel is signalled
// when an IPI becomes pending on hh.
func (s *Sim) Register(hh *control.HardwareHart) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := &line{scratch: hh.FirmwareScratch(), notify: make(chan struct{}, 1)}
	s.lines[hh.ID()] = l

	return l.notify
}

// SendIPI implements control.Firmware.
func (s *Sim) SendIPI(sender *control.HardwareHart, mask uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l := s.lines[sender.ID()]; l == nil || sender.CSRs().ReadCSR(riscv.Mscratch) != l.scratch {
		return fmt.Errorf("%w: hardware hart %d", ErrScratchMismatch, sender.ID())
	}

	for m := mask; m != 0; m &= m - 1 {
		if id := bits.TrailingZeros64(m); s.lines[id] == nil {
			return fmt.Errorf("%w: %d", ErrUnknownHart, id)
		}
	}

	for m := mask; m != 0; m &= m - 1 {
		l := s.lines[bits.TrailingZeros64(m)]
		l.pending = true

		select {
		case l.notify <- struct{}{}:
		default:
		}
	}

	s.log.WithFields(logrus.Fields{"hart": sender.ID(), "mask": fmt.Sprintf("%#x", mask)}).Debug("sent IPI")

	return nil
}

// ClearIPI implements control.Firmware.
func (s *Sim) ClearIPI(hh *control.HardwareHart) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l := s.lines[hh.ID()]; l != nil {
		l.pending = false
	}
}

// Pending reports whether an IPI is pending on hardware hart id.
func (s *Sim) Pending(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.lines[id]

	return l != nil && l.pending
}
