package flow

import (
	"fmt"

	"github.com/bobuhiro11/goace/transform"
)

func handleSendIPI(f *ConfidentialFlow) Exit {
	return broadcast(f, f.hart().IPIRequest())
}

func handleRemoteFenceI(f *ConfidentialFlow) Exit {
	return broadcast(f, f.hart().RemoteFenceIRequest())
}

func handleRemoteSfenceVMA(f *ConfidentialFlow) Exit {
	return broadcast(f, f.hart().RemoteSfenceVMARequest())
}

func handleRemoteSfenceVMAASID(f *ConfidentialFlow) Exit {
	return broadcast(f, f.hart().RemoteSfenceVMAASIDRequest())
}

// handleRfenceNop completes the hypervisor fence calls. Confidential harts
// run no nested guests, so there is nothing to fence.
func handleRfenceNop(f *ConfidentialFlow) Exit {
	return f.ExitToConfidentialHart(transform.SbiResult{})
}

// broadcast sends req to the selected siblings, then applies it to the
// calling hart if it selects it. A failed broadcast changes nothing.
func broadcast(f *ConfidentialFlow, req transform.InterHartRequest) Exit {
	if err := f.BroadcastInterHartRequest(req); err != nil {
		f.logger().WithError(err).WithField("request", fmt.Sprintf("%T", req)).Warn("broadcast")

		return f.ExitToConfidentialHart(transform.SbiError(err))
	}

	if h := f.hart(); req.IsReceiver(h.ID()) {
		h.Apply(req.IntoExposeToConfidentialVM())
	}

	return f.ExitToConfidentialHart(transform.SbiResult{})
}
