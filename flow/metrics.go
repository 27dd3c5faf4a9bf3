package flow

import "sync/atomic"

type metrics struct {
	exitsToConfidentialHart atomic.Uint64
	exitsToHypervisor       atomic.Uint64
	broadcasts              atomic.Uint64
	broadcastFailures       atomic.Uint64
	vmsCreated              atomic.Uint64
	vmsRemoved              atomic.Uint64
}

// Metrics counts what a Router did since it was created.
type Metrics struct {
	ExitsToConfidentialHart uint64 `json:"exits_to_confidential_hart"`
	ExitsToHypervisor       uint64 `json:"exits_to_hypervisor"`
	Broadcasts              uint64 `json:"broadcasts"`
	BroadcastFailures       uint64 `json:"broadcast_failures"`
	VMsCreated              uint64 `json:"vms_created"`
	VMsRemoved              uint64 `json:"vms_removed"`
}

func (r *Router) Metrics() Metrics {
	return Metrics{
		ExitsToConfidentialHart: r.metrics.exitsToConfidentialHart.Load(),
		ExitsToHypervisor:       r.metrics.exitsToHypervisor.Load(),
		Broadcasts:              r.metrics.broadcasts.Load(),
		BroadcastFailures:       r.metrics.broadcastFailures.Load(),
		VMsCreated:              r.metrics.vmsCreated.Load(),
		VMsRemoved:              r.metrics.vmsRemoved.Load(),
	}
}
