package monitor

import (
	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/flow"
	"github.com/bobuhiro11/goace/riscv"
)

// hart is a simulated hardware hart. Its goroutine plays both the
// hypervisor and the confidential hart it runs, entering the monitor the
// way the trap vector does.
type hart struct {
	hh  *control.HardwareHart
	ipi <-chan struct{}
	r   *flow.Router
}

func (h *hart) reg(r riscv.GPR) uint64 {
	return h.hh.GPRs().Get(r)
}

// hypervisorCall makes a COVH call from the hypervisor.
func (h *hart) hypervisorCall(fid riscv.FunctionID, args ...uint64) flow.Exit {
	g := h.hh.GPRs()

	for i := 0; i < 6; i++ {
		var v uint64
		if i < len(args) {
			v = args[i]
		}

		g.Set(riscv.A0+riscv.GPR(i), v)
	}

	g.Set(riscv.A6, uint64(fid))
	g.Set(riscv.A7, uint64(riscv.COVHExtension))
	h.hh.CSRs().WriteCSR(riscv.Mcause, riscv.EcallFromHS)

	return h.r.RouteNonConfidentialFlow(h.hh)
}

// take makes the running confidential hart take the trap of s.
func (h *hart) take(s Step) flow.Exit {
	mcause := s.prepare(h.hh.GPRs(), h.hh.CSRs())
	h.hh.CSRs().WriteCSR(riscv.Mcause, mcause)

	return h.r.RouteConfidentialFlow(h.hh)
}

// interrupt delivers the pending machine software interrupt.
func (h *hart) interrupt() flow.Exit {
	h.hh.CSRs().WriteCSR(riscv.Mcause, riscv.InterruptCause(riscv.MachineSoftwareInterrupt))

	return h.r.RouteConfidentialFlow(h.hh)
}
