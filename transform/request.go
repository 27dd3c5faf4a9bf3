// Package transform defines the typed values that flow between the monitor's
// handlers and the harts: requests read from a trapped hart, requests left
// pending while the hypervisor works on them, requests exchanged between
// confidential harts, and the transformations applied to a hart's state when
// control leaves the monitor.
package transform

import "github.com/bobuhiro11/goace/riscv"

// SbiRequest is an SBI call forwarded to the hypervisor.
type SbiRequest struct {
	Call riscv.Call
	Args [6]uint64
}

// SharePageRequest asks the hypervisor for a page to be mapped into the
// confidential VM's address space at Address.
type SharePageRequest struct {
	Address uint64
	Size    uint64
}

type UnsharePageRequest struct {
	Address uint64
}

// HartStartRequest is the HSM hart start call.
type HartStartRequest struct {
	HartID       uint64
	StartAddress uint64
	Opaque       uint64
}

// HartSuspendRequest is the HSM hart suspend call. It is kept by the
// confidential hart while it is suspended.
type HartSuspendRequest struct {
	SuspendType   uint64
	ResumeAddress uint64
	Opaque        uint64
}

// Retentive reports whether the hart resumes at the instruction following
// the suspend call.
func (r HartSuspendRequest) Retentive() bool {
	return r.SuspendType < riscv.SuspendNonRetentive
}

type HartStatusRequest struct {
	HartID uint64
}

// LoadPageFaultRequest is an MMIO load the confidential hart could not
// complete.
type LoadPageFaultRequest struct {
	Address           uint64
	Instruction       uint64
	InstructionLength uint64
	Destination       riscv.GPR
}

// StorePageFaultRequest is an MMIO store the confidential hart could not
// complete.
type StorePageFaultRequest struct {
	Address           uint64
	Instruction       uint64
	InstructionLength uint64
	Value             uint64
}

type VirtualInstructionRequest struct {
	Instruction       uint64
	InstructionLength uint64
}

// ConvertToConfidentialVM is the hypervisor's request to promote a VM.
// State is the boot hart's state; Harts is the number of confidential
// harts, zero meaning the monitor's default.
type ConvertToConfidentialVM struct {
	State riscv.HartState
	Harts int
}

// RunConfidentialHart is the hypervisor's request to execute a hart.
type RunConfidentialHart struct {
	VMID   uint64
	HartID uint64
}

type DestroyConfidentialVM struct {
	VMID uint64
}
