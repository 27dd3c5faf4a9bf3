package flow

import (
	"fmt"

	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
)

func (f *ConfidentialFlow) siblingStatus(id uint64) (uint64, error) {
	return control.WithConfidentialVM(f.r.controlData, f.ConfidentialVMID(),
		func(vm *control.ConfidentialVM) (uint64, error) {
			return vm.HartStatus(int(id))
		})
}

// handleHartStart starts a stopped sibling. The sibling applies the start
// when it drains its queue; the hypervisor is told so that it runs it.
func handleHartStart(f *ConfidentialFlow) Exit {
	h := f.hart()
	req := h.HartStartRequest()

	if err := f.StartSiblingHart(req); err != nil {
		f.logger().WithError(err).Warn("hart start")

		return f.ExitToConfidentialHart(transform.SbiError(err))
	}

	sbi := h.SbiRequest()

	return f.SetPendingRequest(transform.PendingHartStart{}, func(f *ConfidentialFlow) Exit {
		return f.ExitToHypervisor(transform.HypervisorSbiRequest{Request: sbi})
	})
}

func handleHartStop(f *ConfidentialFlow) Exit {
	sbi := f.hart().SbiRequest()

	if err := f.StopConfidentialHart(); err != nil {
		return f.ExitToConfidentialHart(transform.SbiError(err))
	}

	return f.ExitToHypervisor(transform.HypervisorSbiRequest{Request: sbi})
}

func handleHartSuspend(f *ConfidentialFlow) Exit {
	h := f.hart()
	req := h.HartSuspendRequest()

	if req.SuspendType != riscv.SuspendRetentive && req.SuspendType != riscv.SuspendNonRetentive {
		return f.ExitToConfidentialHart(transform.SbiError(
			fmt.Errorf("%w: suspend type %#x", smerr.ErrInvalidParameter, req.SuspendType)))
	}

	sbi := h.SbiRequest()

	if err := f.SuspendConfidentialHart(req); err != nil {
		return f.ExitToConfidentialHart(transform.SbiError(err))
	}

	return f.ExitToHypervisor(transform.HypervisorSbiRequest{Request: sbi})
}

func handleHartStatus(f *ConfidentialFlow) Exit {
	req := f.hart().HartStatusRequest()

	status, err := f.siblingStatus(req.HartID)
	if err != nil {
		return f.ExitToConfidentialHart(transform.SbiError(err))
	}

	return f.ExitToConfidentialHart(transform.SbiResult{Value: status})
}
