package monitor

import (
	"fmt"

	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/transform"
)

// StepKind is what a confidential hart does to enter the monitor.
type StepKind uint8

const (
	// StepCall is an SBI call.
	StepCall StepKind = iota
	// StepLoad is a load from an MMIO address.
	StepLoad
	// StepStore is a store of Value to an MMIO address.
	StepStore
	// StepWFI is a wait-for-interrupt instruction.
	StepWFI
	// StepPoll is an SBI call repeated until it succeeds with Value in a1.
	StepPoll
)

const (
	wfi = 0x10500073
	// lw a5, 0(x0) and sw a5, 0(x0) as the hardware reports them in mtinst.
	loadA5  = 0x2783
	storeA5 = 0xF02023
)

// Step is one trap of a confidential hart into the monitor.
type Step struct {
	Kind    StepKind
	Call    riscv.Call
	Args    []uint64
	Address uint64
	Value   uint64
}

func (s Step) String() string {
	switch s.Kind {
	case StepCall:
		return fmt.Sprintf("call %v%#x", s.Call, s.Args)
	case StepLoad:
		return fmt.Sprintf("load %#x", s.Address)
	case StepStore:
		return fmt.Sprintf("store %#x to %#x", s.Value, s.Address)
	case StepWFI:
		return "wfi"
	case StepPoll:
		return fmt.Sprintf("poll %v%#x until %#x", s.Call, s.Args, s.Value)
	default:
		return fmt.Sprintf("StepKind(%d)", s.Kind)
	}
}

// prepare sets up the physical registers of a hart about to take the trap
// of s and returns mcause.
func (s Step) prepare(g *riscv.GPRs, csrs riscv.CSRFile) uint64 {
	switch s.Kind {
	case StepCall, StepPoll:
		for i := 0; i < 6; i++ {
			var v uint64
			if i < len(s.Args) {
				v = s.Args[i]
			}

			g.Set(riscv.A0+riscv.GPR(i), v)
		}

		g.Set(riscv.A6, uint64(s.Call.Function))
		g.Set(riscv.A7, uint64(s.Call.Extension))

		return riscv.EcallFromVS
	case StepLoad, StepStore:
		csrs.WriteCSR(riscv.Mtval, s.Address&3)
		csrs.WriteCSR(riscv.Mtval2, s.Address>>2)

		if s.Kind == StepLoad {
			csrs.WriteCSR(riscv.Mtinst, loadA5)

			return riscv.LoadGuestPageFault
		}

		g.Set(riscv.A5, s.Value)
		csrs.WriteCSR(riscv.Mtinst, storeA5)

		return riscv.StoreGuestPageFault
	case StepWFI:
		csrs.WriteCSR(riscv.Mtval, wfi)

		return riscv.VirtualInstructionFault
	default:
		panic(fmt.Sprintf("Bug: unknown step %d", s.Kind))
	}
}

// Program is what the harts of a confidential VM execute, indexed by
// confidential hart.
type Program [][]Step

// satisfied reports whether a step left a1 holding the value it polls for.
func (s Step) satisfied(g *riscv.GPRs) bool {
	return s.Kind != StepPoll || g.Get(riscv.A0) == 0 && g.Get(riscv.A1) == s.Value
}

func call(ext riscv.ExtensionID, fid riscv.FunctionID, args ...uint64) Step {
	return Step{Kind: StepCall, Call: riscv.Call{Extension: ext, Function: fid}, Args: args}
}

// DemoProgram boots a VM of n harts. Hart 0 starts its siblings, shares a
// page, talks to a device, waits for every sibling to stop and resets the
// system. Siblings fence, interrupt hart 0 and stop.
func DemoProgram(n int, entry uint64) Program {
	const (
		shared = 0x1000_0000
		device = 0x1000_2000
	)

	prog := make(Program, n)

	boot := []Step{
		call(riscv.BaseExtension, riscv.BaseGetSpecVersion),
		call(riscv.BaseExtension, riscv.BaseProbeExtension, uint64(riscv.COVGExtension)),
	}
	for id := 1; id < n; id++ {
		boot = append(boot, call(riscv.HSMExtension, riscv.HSMHartStart, uint64(id), entry, uint64(id)))
	}

	boot = append(boot,
		call(riscv.COVGExtension, riscv.COVGSharePage, shared, 0x1000),
		Step{Kind: StepStore, Address: device, Value: 0x5a},
		Step{Kind: StepLoad, Address: device + 4},
		call(riscv.IPIExtension, riscv.IPISendIPI, 0, transform.AllHarts),
		Step{Kind: StepWFI},
		call(riscv.COVGExtension, riscv.COVGUnsharePage, shared),
	)
	for id := 1; id < n; id++ {
		s := call(riscv.HSMExtension, riscv.HSMHartGetStatus, uint64(id))
		s.Kind = StepPoll
		s.Value = riscv.HartStatusStopped
		boot = append(boot, s)
	}

	prog[0] = append(boot, call(riscv.SRSTExtension, riscv.SRSTSystemReset))

	for id := 1; id < n; id++ {
		prog[id] = []Step{
			call(riscv.HSMExtension, riscv.HSMHartGetStatus, 0),
			call(riscv.RfenceExtension, riscv.RfenceRemoteFenceI, 0, transform.AllHarts),
			call(riscv.IPIExtension, riscv.IPISendIPI, 1, 0),
			Step{Kind: StepWFI},
			call(riscv.HSMExtension, riscv.HSMHartStop),
		}
	}

	return prog
}
