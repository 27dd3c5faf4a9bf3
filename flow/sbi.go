package flow

import (
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
)

// handleHypercall forwards the confidential hart's SBI call to the
// hypervisor. The hypervisor's result is returned to the hart when it is
// run again.
func handleHypercall(f *ConfidentialFlow) Exit {
	req := f.hart().SbiRequest()

	return f.SetPendingRequest(transform.PendingSbiRequest{}, func(f *ConfidentialFlow) Exit {
		return f.ExitToHypervisor(transform.HypervisorSbiRequest{Request: req})
	})
}

// handleProbeExtension answers whether an SBI extension is implemented for
// confidential harts.
func handleProbeExtension(f *ConfidentialFlow) Exit {
	ext := riscv.ExtensionID(f.hart().SbiRequest().Args[0])

	var available uint64

	for _, e := range f.r.SupportedExtensions() {
		if e == ext {
			available = 1

			break
		}
	}

	return f.ExitToConfidentialHart(transform.SbiResult{Value: available})
}

func handleInvalidCall(f *ConfidentialFlow) Exit {
	f.logger().WithField("call", f.hart().TrapReason().Call).Debug("unsupported call")

	return f.ExitToConfidentialHart(transform.SbiError(smerr.ErrNotSupported))
}
