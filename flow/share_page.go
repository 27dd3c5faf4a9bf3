package flow

import (
	"fmt"

	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/memory"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
)

// handleSharePage asks the hypervisor for a page of non-confidential memory
// to be mapped at the requested guest address. The mapping is created when
// the hypervisor runs the hart again, see sharePageResult.
func handleSharePage(f *ConfidentialFlow) Exit {
	req := f.hart().SharePageRequest()

	size, err := memory.ParsePageSize(req.Size)
	if err != nil {
		return f.ExitToConfidentialHart(transform.SbiError(err))
	}

	if !size.IsAligned(req.Address) {
		return f.ExitToConfidentialHart(transform.SbiError(
			fmt.Errorf("%w: %#x", smerr.ErrAddressNotAligned, req.Address)))
	}

	return f.SetPendingRequest(transform.PendingSharePage{Request: req}, func(f *ConfidentialFlow) Exit {
		return f.ExitToHypervisor(transform.HypervisorSharePage{Address: req.Address, Size: req.Size})
	})
}

func handleUnsharePage(f *ConfidentialFlow) Exit {
	req := f.hart().UnsharePageRequest()

	err := f.r.controlData.TryConfidentialVM(f.ConfidentialVMID(), func(vm *control.ConfidentialVM) error {
		_, err := vm.UnmapSharedPage(memory.ConfidentialVMPhysicalAddress(req.Address))

		return err
	})
	if err != nil {
		f.logger().WithError(err).Warn("unshare page")
	}

	return f.ExitToConfidentialHart(transform.SbiError(err))
}
