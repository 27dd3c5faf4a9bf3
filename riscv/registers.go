package riscv

import "maps"

// GPR is a general purpose register index.
type GPR uint8

const (
	Zero GPR = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// GPRs is the general purpose register file of a hart.
type GPRs [32]uint64

// Get returns the value of r.
func (g *GPRs) Get(r GPR) uint64 {
	return g[r&31]
}

// Set writes v to r. Writes to x0 are discarded.
func (g *GPRs) Set(r GPR, v uint64) {
	if r&31 == Zero {
		return
	}

	g[r&31] = v
}

// CSR is a control and status register number.
type CSR uint16

const (
	Sstatus CSR = 0x100
	Sepc    CSR = 0x141

	Vsstatus  CSR = 0x200
	Vsie      CSR = 0x204
	Vstvec    CSR = 0x205
	Vsscratch CSR = 0x240
	Vsepc     CSR = 0x241
	Vscause   CSR = 0x242
	Vstval    CSR = 0x243
	Vsip      CSR = 0x244
	Vsatp     CSR = 0x280

	Hstatus CSR = 0x600
	Hedeleg CSR = 0x602
	Hideleg CSR = 0x603
	Hie     CSR = 0x604
	Htval   CSR = 0x643
	Hvip    CSR = 0x645
	Htinst  CSR = 0x64A
	Hgatp   CSR = 0x680

	Mstatus  CSR = 0x300
	Mie      CSR = 0x304
	Mtvec    CSR = 0x305
	Mscratch CSR = 0x340
	Mepc     CSR = 0x341
	Mcause   CSR = 0x342
	Mtval    CSR = 0x343
	Mip      CSR = 0x344
	Mtinst   CSR = 0x34A
	Mtval2   CSR = 0x34B
	Mhartid  CSR = 0xF14
)

// Bits used by the monitor.
const (
	MstatusMPPShift        = 11
	MstatusMPPSupervisor   = uint64(1) << MstatusMPPShift
	MstatusMPV             = uint64(1) << 39
	HvipVSSIP              = uint64(1) << 2
	MipMSIP                = uint64(1) << 3
	HgatpModeShift         = 60
	HgatpVMIDShift         = 44
	HgatpPPNMask           = uint64(1)<<44 - 1
	HgatpModeBare          = 0
	HgatpModeSv39x4        = 8
	HgatpModeSv48x4        = 9
	HgatpModeSv57x4        = 10
	EcallInstructionLength = 4
)

// VolatileCSRs are the CSRs that change while a hart executes and must be
// persisted to memory on every trap into the monitor.
var VolatileCSRs = []CSR{
	Mepc, Mcause, Mtval, Mtval2, Mtinst, Mstatus,
	Vsstatus, Vsie, Vstvec, Vsscratch, Vsepc, Vscause, Vstval, Vsatp,
	Hvip,
}

// CSRFile gives access to a set of CSRs.
type CSRFile interface {
	ReadCSR(csr CSR) uint64
	WriteCSR(csr CSR, v uint64)
}

// CSRMap is a CSRFile kept in memory. It is used for saved hart state and as
// the software CSR file of simulated harts. Unset CSRs read as zero.
type CSRMap map[CSR]uint64

func (m CSRMap) ReadCSR(csr CSR) uint64 {
	return m[csr]
}

func (m CSRMap) WriteCSR(csr CSR, v uint64) {
	m[csr] = v
}

// Clone returns a deep copy of m.
func (m CSRMap) Clone() CSRMap {
	if m == nil {
		return CSRMap{}
	}

	return maps.Clone(m)
}

// CopyCSRs copies csrs from src to dst.
func CopyCSRs(dst, src CSRFile, csrs []CSR) {
	for _, csr := range csrs {
		dst.WriteCSR(csr, src.ReadCSR(csr))
	}
}

// HartState is the architectural state of a hart as saved in memory.
type HartState struct {
	GPRs GPRs
	CSRs CSRMap
}

// Clone returns a deep copy of s.
func (s *HartState) Clone() HartState {
	return HartState{GPRs: s.GPRs, CSRs: s.CSRs.Clone()}
}
