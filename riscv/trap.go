// Package riscv describes the parts of the RISC-V privileged architecture
// and the SBI calling convention that the security monitor relies on.
package riscv

import "fmt"

const interruptBit = uint64(1) << 63

// Exception codes of mcause when the interrupt bit is clear.
const (
	InstructionAddressMisaligned = 0
	IllegalInstruction           = 2
	Breakpoint                   = 3
	LoadAccessFault              = 5
	StoreAccessFault             = 7
	EcallFromUorVU               = 8
	EcallFromHS                  = 9
	EcallFromVS                  = 10
	EcallFromM                   = 11
	InstructionGuestPageFault    = 20
	LoadGuestPageFault           = 21
	VirtualInstructionFault      = 22
	StoreGuestPageFault          = 23
)

// Interrupt codes of mcause when the interrupt bit is set.
const (
	SupervisorSoftwareInterrupt        = 1
	VirtualSupervisorSoftwareInterrupt = 2
	MachineSoftwareInterrupt           = 3
	SupervisorTimerInterrupt           = 5
	VirtualSupervisorTimerInterrupt    = 6
	MachineTimerInterrupt              = 7
	SupervisorExternalInterrupt        = 9
	VirtualSupervisorExternalInterrupt = 10
	MachineExternalInterrupt           = 11
)

// InterruptCause returns the mcause value of the given interrupt code.
func InterruptCause(code uint64) uint64 {
	return interruptBit | code
}

// IsInterrupt reports whether mcause describes an interrupt.
func IsInterrupt(mcause uint64) bool {
	return mcause&interruptBit != 0
}

// CauseCode strips the interrupt bit from mcause.
func CauseCode(mcause uint64) uint64 {
	return mcause &^ interruptBit
}

// TrapKind is the coarse classification used to route a trap.
//
//go:generate stringer -type=TrapKind
type TrapKind uint8

const (
	TrapUnknown TrapKind = iota
	TrapInterrupt
	TrapHsEcall
	TrapVsEcall
	TrapGuestLoadPageFault
	TrapGuestStorePageFault
	TrapVirtualInstruction
)

// Classify maps mcause onto a TrapKind.
func Classify(mcause uint64) TrapKind {
	if IsInterrupt(mcause) {
		return TrapInterrupt
	}

	switch mcause {
	case EcallFromHS:
		return TrapHsEcall
	case EcallFromVS:
		return TrapVsEcall
	case LoadGuestPageFault:
		return TrapGuestLoadPageFault
	case StoreGuestPageFault:
		return TrapGuestStorePageFault
	case VirtualInstructionFault:
		return TrapVirtualInstruction
	default:
		return TrapUnknown
	}
}

// TrapReason is what a hart recorded when it trapped into the monitor.
type TrapReason struct {
	Kind  TrapKind
	Cause uint64
	// Call is only meaningful for ecall traps.
	Call Call
}

func (r TrapReason) String() string {
	switch r.Kind {
	case TrapHsEcall, TrapVsEcall:
		return fmt.Sprintf("%s(%s)", r.Kind, r.Call)
	default:
		return fmt.Sprintf("%s(mcause=%#x)", r.Kind, r.Cause)
	}
}
