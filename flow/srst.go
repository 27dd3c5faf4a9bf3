package flow

import "github.com/bobuhiro11/goace/transform"

// handleSystemReset shuts down every hart of the VM. Siblings shut down
// when they drain their queues; the caller shuts down now and the
// hypervisor receives the call. If the siblings cannot be reached the call
// fails and the caller keeps running.
func handleSystemReset(f *ConfidentialFlow) Exit {
	sbi := f.hart().SbiRequest()

	if err := f.BroadcastInterHartRequest(transform.InterHartSystemReset{}); err != nil {
		f.logger().WithError(err).Warn("system reset")

		return f.ExitToConfidentialHart(transform.SbiError(err))
	}

	if err := f.ShutdownConfidentialHart(); err != nil {
		f.logger().WithError(err).Debug("system reset")
	}

	return f.ExitToHypervisor(transform.HypervisorSbiRequest{Request: sbi})
}
