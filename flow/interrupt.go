package flow

import (
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/transform"
)

// handleInterrupt handles an interrupt taken while a confidential hart was
// running. Machine software interrupts announce inter hart requests and are
// handled here; every other interrupt belongs to the hypervisor.
func handleInterrupt(f *ConfidentialFlow) Exit {
	cause := f.hart().TrapReason().Cause

	if riscv.CauseCode(cause) != riscv.MachineSoftwareInterrupt {
		return f.ExitToHypervisor(transform.HypervisorInterrupt{Cause: cause})
	}

	f.r.firmware.ClearIPI(f.hardwareHart())
	f.ProcessInterHartRequests()

	if f.IsConfidentialHartShutdown() {
		// A sibling reset the system. The hypervisor learns it the same way
		// it learns about the sibling's call.
		return f.ExitToHypervisor(transform.HypervisorSbiRequest{
			Request: transform.SbiRequest{Call: riscv.Call{Extension: riscv.SRSTExtension, Function: riscv.SRSTSystemReset}},
		})
	}

	return f.ExitToConfidentialHart(transform.Resume{})
}
