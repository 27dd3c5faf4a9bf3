package flow

import (
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/transform"
)

// handleLoadPageFault forwards an MMIO load to the hypervisor. Loads the
// monitor cannot decode raise an access fault in the confidential hart.
func handleLoadPageFault(f *ConfidentialFlow) Exit {
	req, err := f.hart().LoadPageFaultRequest()
	if err != nil {
		f.logger().WithError(err).Warn("load page fault")

		return f.ExitToConfidentialHart(transform.InjectException{Cause: riscv.LoadAccessFault, Tval: req.Address})
	}

	return f.SetPendingRequest(transform.PendingLoadPageFault{Request: req}, func(f *ConfidentialFlow) Exit {
		return f.ExitToHypervisor(transform.HypervisorLoadPageFault{Address: req.Address, Instruction: req.Instruction})
	})
}

func handleStorePageFault(f *ConfidentialFlow) Exit {
	req, err := f.hart().StorePageFaultRequest()
	if err != nil {
		f.logger().WithError(err).Warn("store page fault")

		return f.ExitToConfidentialHart(transform.InjectException{Cause: riscv.StoreAccessFault, Tval: req.Address})
	}

	return f.SetPendingRequest(transform.PendingStorePageFault{Request: req}, func(f *ConfidentialFlow) Exit {
		return f.ExitToHypervisor(transform.HypervisorStorePageFault{
			Address:     req.Address,
			Value:       req.Value,
			Instruction: req.Instruction,
		})
	})
}
