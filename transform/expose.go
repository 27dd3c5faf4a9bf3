package transform

import (
	"fmt"

	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
)

// ExposeToConfidentialVM is a transformation of a confidential hart's state,
// applied just before the hart executes again.
type ExposeToConfidentialVM interface {
	isExposeToConfidentialVM()
}

// Resume leaves the hart's state unchanged.
type Resume struct{}

// SbiResult completes the SBI call the hart trapped on.
type SbiResult struct {
	Code  smerr.Code
	Value uint64
}

// InjectIPI raises a virtual supervisor software interrupt.
type InjectIPI struct{}

type FenceI struct{}

type SfenceVMA struct {
	Start   uint64
	Size    uint64
	ASID    uint64
	HasASID bool
}

// HartStart moves a stopped hart to its start address.
type HartStart struct {
	Request HartStartRequest
}

// HartResume moves a hart woken from a non-retentive suspend to its resume
// address.
type HartResume struct {
	Request HartSuspendRequest
}

// SystemReset shuts the hart down.
type SystemReset struct{}

type LoadPageFaultResult struct {
	Request LoadPageFaultRequest
	Value   uint64
}

type StorePageFaultResult struct {
	Request StorePageFaultRequest
}

// VirtualInstructionResult retires the trapped instruction.
type VirtualInstructionResult struct {
	Request VirtualInstructionRequest
}

// InjectException redirects the hart to its VS-mode trap vector.
type InjectException struct {
	Cause uint64
	Tval  uint64
}

func (Resume) isExposeToConfidentialVM()                   {}
func (SbiResult) isExposeToConfidentialVM()                {}
func (InjectIPI) isExposeToConfidentialVM()                {}
func (FenceI) isExposeToConfidentialVM()                   {}
func (SfenceVMA) isExposeToConfidentialVM()                {}
func (HartStart) isExposeToConfidentialVM()                {}
func (HartResume) isExposeToConfidentialVM()               {}
func (SystemReset) isExposeToConfidentialVM()              {}
func (LoadPageFaultResult) isExposeToConfidentialVM()      {}
func (StorePageFaultResult) isExposeToConfidentialVM()     {}
func (VirtualInstructionResult) isExposeToConfidentialVM() {}
func (InjectException) isExposeToConfidentialVM()          {}

// SbiError converts err into the result of a failed SBI call.
func SbiError(err error) SbiResult {
	return SbiResult{Code: smerr.CodeOf(err)}
}

// ExitReason tells the hypervisor, in a1, why a confidential hart stopped
// running.
type ExitReason uint64

const (
	ExitSbiRequest ExitReason = iota + 1
	ExitLoadPageFault
	ExitStorePageFault
	ExitInterrupt
	ExitSharePage
)

func (r ExitReason) String() string {
	switch r {
	case ExitSbiRequest:
		return "sbi-request"
	case ExitLoadPageFault:
		return "load-page-fault"
	case ExitStorePageFault:
		return "store-page-fault"
	case ExitInterrupt:
		return "interrupt"
	case ExitSharePage:
		return "share-page"
	default:
		return fmt.Sprintf("ExitReason(%d)", uint64(r))
	}
}

// Registers the hypervisor passes back with RunConfidentialHart to answer
// the request of the previous exit.
const (
	ResultCodeRegister  = riscv.A2
	ResultValueRegister = riscv.A3
)

// ExposeToHypervisor is a transformation of the hypervisor's registers,
// applied when the monitor returns from a hypervisor call. a0 always holds
// an SBI error code.
type ExposeToHypervisor interface {
	WriteTo(g *riscv.GPRs)
}

type HypervisorSbiResult struct {
	Code  smerr.Code
	Value uint64
}

// HypervisorVMCreated answers PromoteToConfidentialVM.
type HypervisorVMCreated struct {
	VMID       uint64
	BootHartID uint64
}

// HypervisorSbiRequest forwards a confidential hart's SBI call.
type HypervisorSbiRequest struct {
	Request SbiRequest
}

type HypervisorLoadPageFault struct {
	Address     uint64
	Instruction uint64
}

type HypervisorStorePageFault struct {
	Address     uint64
	Value       uint64
	Instruction uint64
}

// HypervisorInterrupt hands an interrupt that arrived while a confidential
// hart was running to the hypervisor.
type HypervisorInterrupt struct {
	Cause uint64
}

type HypervisorSharePage struct {
	Address uint64
	Size    uint64
}

// HypervisorError reports err as the result of the hypervisor's call.
func HypervisorError(err error) HypervisorSbiResult {
	return HypervisorSbiResult{Code: smerr.CodeOf(err)}
}

func (t HypervisorSbiResult) WriteTo(g *riscv.GPRs) {
	g.Set(riscv.A0, t.Code.Register())
	g.Set(riscv.A1, t.Value)
}

func (t HypervisorVMCreated) WriteTo(g *riscv.GPRs) {
	g.Set(riscv.A0, smerr.Success.Register())
	g.Set(riscv.A1, t.VMID)
	g.Set(riscv.A2, t.BootHartID)
}

func (t HypervisorSbiRequest) WriteTo(g *riscv.GPRs) {
	exit(g, ExitSbiRequest,
		uint64(t.Request.Call.Extension), uint64(t.Request.Call.Function),
		t.Request.Args[0], t.Request.Args[1], t.Request.Args[2], t.Request.Args[3])
}

func (t HypervisorLoadPageFault) WriteTo(g *riscv.GPRs) {
	exit(g, ExitLoadPageFault, t.Address, t.Instruction)
}

func (t HypervisorStorePageFault) WriteTo(g *riscv.GPRs) {
	exit(g, ExitStorePageFault, t.Address, t.Value, t.Instruction)
}

func (t HypervisorInterrupt) WriteTo(g *riscv.GPRs) {
	exit(g, ExitInterrupt, t.Cause)
}

func (t HypervisorSharePage) WriteTo(g *riscv.GPRs) {
	exit(g, ExitSharePage, t.Address, t.Size)
}

// exit writes a successful return carrying reason in a1 and the payload in
// a2 onwards. Unused payload registers are cleared.
func exit(g *riscv.GPRs, reason ExitReason, payload ...uint64) {
	g.Set(riscv.A0, smerr.Success.Register())
	g.Set(riscv.A1, uint64(reason))

	for i, r := 0, riscv.A2; r <= riscv.A7; i, r = i+1, r+1 {
		var v uint64
		if i < len(payload) {
			v = payload[i]
		}

		g.Set(r, v)
	}
}
