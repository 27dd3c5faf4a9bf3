package flow

import (
	"fmt"

	"github.com/bobuhiro11/goace/audit"
	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/transform"
	"github.com/sirupsen/logrus"
)

// NonConfidentialFlow is the guard over a hardware hart serving a call of
// the hypervisor.
type NonConfidentialFlow struct {
	r  *Router
	hh *control.HardwareHart
}

func (r *Router) newNonConfidentialFlow(hh *control.HardwareHart) *NonConfidentialFlow {
	if !hh.ConfidentialHart().IsDummy() {
		panic(fmt.Sprintf("Bug: hypervisor call on hardware hart %d executing a confidential hart", hh.ID()))
	}

	hh.EnterPhase(control.PhaseNonConfidential)

	return &NonConfidentialFlow{r: r, hh: hh}
}

func (nf *NonConfidentialFlow) hardwareHart() *control.HardwareHart {
	if nf.hh == nil {
		panic("Bug: non-confidential flow used after it exited")
	}

	return nf.hh
}

func (nf *NonConfidentialFlow) consume() *control.HardwareHart {
	hh := nf.hardwareHart()
	nf.hh = nil

	return hh
}

func (nf *NonConfidentialFlow) logger() *logrus.Entry {
	return nf.r.log.WithField("hart", nf.hardwareHart().ID())
}

func (nf *NonConfidentialFlow) HardwareHartID() int {
	return nf.hardwareHart().ID()
}

// Arg returns argument register r of the hypervisor's call.
func (nf *NonConfidentialFlow) Arg(r riscv.GPR) uint64 {
	return nf.hardwareHart().HypervisorArg(r)
}

// HypervisorState returns a copy of the hypervisor's saved state.
func (nf *NonConfidentialFlow) HypervisorState() riscv.HartState {
	return nf.hardwareHart().HypervisorState()
}

// ExitToHypervisor returns from the hypervisor's call with its registers
// transformed by t.
func (nf *NonConfidentialFlow) ExitToHypervisor(t transform.ExposeToHypervisor) Exit {
	return nf.exitToHypervisor(t, 0, -1)
}

func (nf *NonConfidentialFlow) exitToHypervisor(t transform.ExposeToHypervisor, vmID uint64, hartID int) Exit {
	hh := nf.consume()

	hh.ApplyToHypervisor(t)
	hh.LeavePhase(control.PhaseNonConfidential)

	nf.r.metrics.exitsToHypervisor.Add(1)
	nf.r.record(hh.ID(), vmID, hartID, audit.ToHypervisor, t)

	return Exit{direction: audit.ToHypervisor}
}

// IntoConfidentialFlow takes hart hartID of VM vmID onto the hardware hart
// and turns the guard into a confidential one. On error the guard is left
// unchanged.
func (nf *NonConfidentialFlow) IntoConfidentialFlow(vmID control.ConfidentialVMID, hartID int) (*ConfidentialFlow, error) {
	hh := nf.hardwareHart()

	err := nf.r.controlData.TryConfidentialVM(vmID, func(vm *control.ConfidentialVM) error {
		return vm.StealConfidentialHart(hartID, hh)
	})
	if err != nil {
		return nil, err
	}

	nf.hh = nil
	hh.SwitchPhase(control.PhaseNonConfidential, control.PhaseConfidential)

	return &ConfidentialFlow{r: nf.r, hh: hh}, nil
}
