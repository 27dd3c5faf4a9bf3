package flow

import (
	"fmt"

	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/memory"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
	"github.com/sirupsen/logrus"
)

// resumeConfidentialHart continues a confidential hart the hypervisor asked
// to run. Requests from siblings are applied first, since they can change
// the hart's lifecycle state; then the hypervisor's answer to the pending
// request, if any, is delivered.
func resumeConfidentialHart(f *ConfidentialFlow) Exit {
	f.ProcessInterHartRequests()

	h := f.hart()

	switch h.LifecycleState() {
	case control.Started:
	case control.Stopped:
		return f.ExitToHypervisor(transform.HypervisorError(smerr.ErrHartNotExecutable))
	case control.Shutdown:
		return f.ExitToHypervisor(transform.HypervisorError(smerr.ErrHartShutdown))
	case control.Suspended:
		req, err := f.StartConfidentialHartAfterSuspension()
		if err != nil {
			panic(fmt.Sprintf("Bug: suspended hart cannot resume: %v", err))
		}

		if !req.Retentive() {
			return f.ExitToConfidentialHart(transform.HartResume{Request: req})
		}

		return f.ExitToConfidentialHart(transform.SbiResult{})
	}

	hh := f.hardwareHart()

	switch req := h.TakePendingRequest().(type) {
	case nil:
		return f.ExitToConfidentialHart(transform.Resume{})
	case transform.PendingSbiRequest:
		code, value := hh.HypervisorResult()

		return f.ExitToConfidentialHart(transform.SbiResult{Code: smerr.Code(code), Value: value})
	case transform.PendingLoadPageFault:
		code, value := hh.HypervisorResult()
		if code != 0 {
			return f.ExitToConfidentialHart(transform.InjectException{Cause: riscv.LoadAccessFault, Tval: req.Request.Address})
		}

		return f.ExitToConfidentialHart(transform.LoadPageFaultResult{Request: req.Request, Value: value})
	case transform.PendingStorePageFault:
		if code, _ := hh.HypervisorResult(); code != 0 {
			return f.ExitToConfidentialHart(transform.InjectException{Cause: riscv.StoreAccessFault, Tval: req.Request.Address})
		}

		return f.ExitToConfidentialHart(transform.StorePageFaultResult{Request: req.Request})
	case transform.PendingSharePage:
		code, value := hh.HypervisorResult()

		return f.ExitToConfidentialHart(sharePageResult(f, req.Request, code, value))
	case transform.PendingHartStart:
		return f.ExitToConfidentialHart(transform.SbiResult{})
	default:
		panic(fmt.Sprintf("Bug: unknown pending request %T", req))
	}
}

// sharePageResult maps the page the hypervisor allocated, at address
// hypervisorAddress, into the confidential VM.
func sharePageResult(f *ConfidentialFlow, req transform.SharePageRequest, code int64, hypervisorAddress uint64) transform.SbiResult {
	if code != 0 {
		return transform.SbiError(fmt.Errorf("%w: code %d", smerr.ErrHypervisorRejected, code))
	}

	size, err := memory.ParsePageSize(req.Size)
	if err != nil {
		return transform.SbiError(err)
	}

	if !size.IsAligned(hypervisorAddress) {
		return transform.SbiError(fmt.Errorf("%w: hypervisor page %#x", smerr.ErrAddressNotAligned, hypervisorAddress))
	}

	page, err := memory.NewSharedPage(f.r.layout, hypervisorAddress, memory.ConfidentialVMPhysicalAddress(req.Address), size)
	if err != nil {
		f.logger().WithError(err).Warn("share page")

		return transform.SbiError(err)
	}

	err = f.r.controlData.TryConfidentialVM(f.ConfidentialVMID(), func(vm *control.ConfidentialVM) error {
		return vm.MapSharedPage(page)
	})
	if err != nil {
		f.logger().WithError(err).Warn("share page")

		return transform.SbiError(err)
	}

	f.logger().WithFields(logrus.Fields{
		"address":    fmt.Sprintf("%#x", req.Address),
		"hypervisor": fmt.Sprintf("%#x", hypervisorAddress),
		"size":       size,
	}).Debug("page shared")

	return transform.SbiResult{}
}
