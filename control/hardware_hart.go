package control

import (
	"fmt"
	"sync/atomic"

	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/transform"
)

// MaxHardwareHarts bounds the number of physical harts, which are addressed
// by a 64-bit IPI mask.
const MaxHardwareHarts = 64

// Firmware is the machine-mode firmware the monitor calls for physical
// inter-processor interrupts.
type Firmware interface {
	// SendIPI raises a software interrupt on every hardware hart whose bit
	// is set in mask. It is called with the firmware's mscratch installed.
	SendIPI(sender *HardwareHart, mask uint64) error
	// ClearIPI acknowledges the software interrupt pending on hh.
	ClearIPI(hh *HardwareHart)
}

// Phase is the control flow phase a hardware hart is in.
type Phase uint32

const (
	// PhaseNone: no flow guard exists and the monitor does not execute on
	// the hart.
	PhaseNone Phase = iota
	PhaseConfidential
	PhaseNonConfidential
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseConfidential:
		return "confidential"
	case PhaseNonConfidential:
		return "non-confidential"
	default:
		return fmt.Sprintf("Phase(%d)", uint32(p))
	}
}

// HardwareHart is the monitor's context of a physical hart. The physical
// register file is modeled by GPRs and CSRs, which the context switch
// exchanges with the saved state of the hypervisor or of the confidential
// hart being executed.
type HardwareHart struct {
	id    int
	phase atomic.Uint32

	confidentialHart *ConfidentialHart
	dummy            *ConfidentialHart

	gprs riscv.GPRs
	csrs riscv.CSRMap

	hypervisor      riscv.HartState
	firmwareScratch uint64
}

// NewHardwareHart returns the context of physical hart id. monitorScratch is
// the mscratch value the monitor's trap entry expects; firmwareScratch is
// the value the firmware expects.
func NewHardwareHart(id int, monitorScratch, firmwareScratch uint64) *HardwareHart {
	if id < 0 || id >= MaxHardwareHarts {
		panic(fmt.Sprintf("Bug: hardware hart id %d out of range", id))
	}

	dummy := NewDummyConfidentialHart(id)
	hh := &HardwareHart{
		id:               id,
		confidentialHart: dummy,
		dummy:            dummy,
		csrs:             riscv.CSRMap{riscv.Mhartid: uint64(id), riscv.Mscratch: monitorScratch},
		hypervisor:       riscv.HartState{CSRs: riscv.CSRMap{}},
		firmwareScratch:  firmwareScratch,
	}

	return hh
}

// ID returns the physical hart id.
func (hh *HardwareHart) ID() int {
	return hh.id
}

// GPRs is the physical general purpose register file.
func (hh *HardwareHart) GPRs() *riscv.GPRs {
	return &hh.gprs
}

// CSRs is the physical CSR file.
func (hh *HardwareHart) CSRs() riscv.CSRFile {
	return hh.csrs
}

// ConfidentialHart returns the hart hh executes, or its dummy hart.
func (hh *HardwareHart) ConfidentialHart() *ConfidentialHart {
	return hh.confidentialHart
}

// Phase returns the current control flow phase.
func (hh *HardwareHart) Phase() Phase {
	return Phase(hh.phase.Load())
}

// EnterPhase records that a flow guard of phase p now exists over hh.
// It panics if another guard exists.
func (hh *HardwareHart) EnterPhase(p Phase) {
	hh.SwitchPhase(PhaseNone, p)
}

// LeavePhase records that the guard of phase p has been consumed.
func (hh *HardwareHart) LeavePhase(p Phase) {
	hh.SwitchPhase(p, PhaseNone)
}

// SwitchPhase moves hh from phase from to phase to. Any other current phase
// means two guards exist over the same hardware hart.
func (hh *HardwareHart) SwitchPhase(from, to Phase) {
	if !hh.phase.CompareAndSwap(uint32(from), uint32(to)) {
		panic(fmt.Sprintf("Bug: hardware hart %d in %v phase, expected %v", hh.id, hh.Phase(), from))
	}
}

// SwapMscratch exchanges the monitor's and the firmware's mscratch.
func (hh *HardwareHart) SwapMscratch() {
	cur := hh.csrs.ReadCSR(riscv.Mscratch)
	hh.csrs.WriteCSR(riscv.Mscratch, hh.firmwareScratch)
	hh.firmwareScratch = cur
}

// FirmwareScratch returns the mscratch value not currently installed.
func (hh *HardwareHart) FirmwareScratch() uint64 {
	return hh.firmwareScratch
}

// StoreConfidentialHartContext saves the physical registers into the
// executed confidential hart after it trapped.
func (hh *HardwareHart) StoreConfidentialHartContext() {
	h := hh.confidentialHart
	if h.dummy {
		panic(fmt.Sprintf("Bug: trap from a confidential hart on hardware hart %d executing none", hh.id))
	}

	h.state.GPRs = hh.gprs
	h.StoreVolatileCSRs(hh.csrs)
}

// LoadConfidentialHartContext installs the executed confidential hart's
// state into the physical registers.
func (hh *HardwareHart) LoadConfidentialHartContext() {
	h := hh.confidentialHart
	hh.gprs = h.state.GPRs
	h.LoadVolatileCSRs(hh.csrs)
	hh.csrs.WriteCSR(riscv.Hgatp, h.state.CSRs.ReadCSR(riscv.Hgatp))
	hh.csrs.WriteCSR(riscv.Mstatus, hh.csrs.ReadCSR(riscv.Mstatus)|riscv.MstatusMPV)
}

// StoreHypervisorContext saves the physical registers as the hypervisor's
// state when it calls the monitor.
func (hh *HardwareHart) StoreHypervisorContext() {
	hh.hypervisor.GPRs = hh.gprs
	riscv.CopyCSRs(hh.hypervisor.CSRs, hh.csrs, []riscv.CSR{riscv.Mepc, riscv.Mstatus, riscv.Hgatp, riscv.Mcause})
}

// HypervisorCall decodes the hypervisor's call from its saved registers.
func (hh *HardwareHart) HypervisorCall() riscv.TrapReason {
	mcause := hh.hypervisor.CSRs.ReadCSR(riscv.Mcause)
	r := riscv.TrapReason{Kind: riscv.Classify(mcause), Cause: mcause}

	if r.Kind == riscv.TrapHsEcall {
		r.Call = riscv.CallFrom(&hh.hypervisor.GPRs)
	}

	return r
}

// HypervisorArg returns argument register r of the hypervisor's call.
func (hh *HardwareHart) HypervisorArg(r riscv.GPR) uint64 {
	return hh.hypervisor.GPRs.Get(r)
}

// HypervisorState returns a copy of the hypervisor's saved state.
func (hh *HardwareHart) HypervisorState() riscv.HartState {
	return hh.hypervisor.Clone()
}

// HypervisorResult returns the SBI code and value the hypervisor passed
// back for the request of the previous exit.
func (hh *HardwareHart) HypervisorResult() (code int64, value uint64) {
	return int64(hh.HypervisorArg(transform.ResultCodeRegister)), hh.HypervisorArg(transform.ResultValueRegister)
}

// ApplyToHypervisor returns from the hypervisor's call: its saved registers
// are transformed by t and installed into the physical registers.
func (hh *HardwareHart) ApplyToHypervisor(t transform.ExposeToHypervisor) {
	t.WriteTo(&hh.hypervisor.GPRs)
	hh.hypervisor.CSRs.WriteCSR(riscv.Mepc, hh.hypervisor.CSRs.ReadCSR(riscv.Mepc)+riscv.EcallInstructionLength)

	hh.gprs = hh.hypervisor.GPRs
	riscv.CopyCSRs(hh.csrs, hh.hypervisor.CSRs, []riscv.CSR{riscv.Mepc, riscv.Mstatus, riscv.Hgatp})
}
