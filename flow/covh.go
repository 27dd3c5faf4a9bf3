package flow

import (
	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
)

// handlePromoteToConfidentialVM creates a confidential VM. The hypervisor
// passes hgatp in a0, the boot hart's entry point in a1, its boot argument
// in a2 and the number of harts in a3.
func handlePromoteToConfidentialVM(nf *NonConfidentialFlow) Exit {
	boot := riscv.HartState{CSRs: riscv.CSRMap{
		riscv.Hgatp:   nf.Arg(riscv.A0),
		riscv.Mepc:    nf.Arg(riscv.A1),
		riscv.Mstatus: riscv.MstatusMPPSupervisor | riscv.MstatusMPV,
	}}
	boot.GPRs.Set(riscv.A1, nf.Arg(riscv.A2))

	harts := int(nf.Arg(riscv.A3))
	if nf.Arg(riscv.A3) == 0 {
		harts = nf.r.defaultHarts
	}

	id, err := nf.r.controlData.CreateConfidentialVM(nf.r.layout, transform.ConvertToConfidentialVM{State: boot, Harts: harts})
	if err != nil {
		nf.logger().WithError(err).Warn("promote to confidential VM")

		return nf.ExitToHypervisor(transform.HypervisorError(err))
	}

	nf.r.metrics.vmsCreated.Add(1)

	return nf.ExitToHypervisor(transform.HypervisorVMCreated{VMID: uint64(id)})
}

// handleRunConfidentialHart runs hart a1 of VM a0 on the calling hardware
// hart.
func handleRunConfidentialHart(nf *NonConfidentialFlow) Exit {
	vmID := control.ConfidentialVMID(nf.Arg(riscv.A0))
	hartID := int(nf.Arg(riscv.A1))

	f, err := nf.IntoConfidentialFlow(vmID, hartID)
	if err != nil {
		nf.logger().WithError(err).WithField("vm", vmID).Debug("run confidential hart")

		return nf.ExitToHypervisor(transform.HypervisorError(err))
	}

	return resumeConfidentialHart(f)
}

func handleDestroyConfidentialVM(nf *NonConfidentialFlow) Exit {
	vmID := control.ConfidentialVMID(nf.Arg(riscv.A0))

	if err := nf.r.controlData.RemoveConfidentialVM(vmID); err != nil {
		return nf.ExitToHypervisor(transform.HypervisorError(err))
	}

	nf.r.metrics.vmsRemoved.Add(1)

	return nf.ExitToHypervisor(transform.HypervisorSbiResult{})
}

func handleUnknownHypervisorCall(nf *NonConfidentialFlow) Exit {
	return nf.ExitToHypervisor(transform.HypervisorError(smerr.ErrNotSupported))
}
