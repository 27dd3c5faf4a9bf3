package flow_test

import (
	"io"
	"sync"
	"testing"

	"github.com/bobuhiro11/goace/audit"
	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/firmware"
	"github.com/bobuhiro11/goace/flow"
	"github.com/bobuhiro11/goace/memory"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/sirupsen/logrus"
)

const (
	nonConfStart = 0x9000_0000
	monitorTag   = 0x5eed_0000
	firmwareTag  = 0xf1a3_0000

	entry   = 0x8020_0000
	bootArg = 0x8220_0000
)

var hgatp = uint64(riscv.HgatpModeSv48x4)<<riscv.HgatpModeShift | nonConfStart>>12

type recorder struct {
	mu   sync.Mutex
	recs []*audit.Record
}

func (r *recorder) Record(rec *audit.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recs = append(r.recs, rec)

	return nil
}

func (r *recorder) directions() []audit.Direction {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := make([]audit.Direction, len(r.recs))
	for i, rec := range r.recs {
		d[i] = rec.Direction
	}

	return d
}

// platform simulates the hypervisor and the confidential harts on top of a
// set of hardware harts, calling the router the way trap entries do.
type platform struct {
	t     *testing.T
	cd    *control.ControlData
	fw    *firmware.Sim
	r     *flow.Router
	harts []*control.HardwareHart
	audit *recorder
}

func newPlatform(t *testing.T, n int) *platform {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	l, err := memory.NewLayout(
		memory.NewRegion("confidential", 0x8000_0000, 0x1000_0000),
		memory.NewRegion("non-confidential", nonConfStart, 0x1000_0000),
	)
	if err != nil {
		t.Fatal(err)
	}

	p := &platform{
		t:     t,
		cd:    control.New(control.Limits{}, log),
		fw:    firmware.NewSim(log),
		audit: &recorder{},
	}

	p.r = flow.NewRouter(flow.Config{
		ControlData:  p.cd,
		Layout:       l,
		Firmware:     p.fw,
		Log:          log,
		Audit:        p.audit,
		DefaultHarts: 2,
	})

	for i := 0; i < n; i++ {
		hh := control.NewHardwareHart(i, monitorTag+uint64(i), firmwareTag+uint64(i))
		p.fw.Register(hh)
		p.harts = append(p.harts, hh)
	}

	return p
}

func (p *platform) reg(hh int, r riscv.GPR) uint64 {
	return p.harts[hh].GPRs().Get(r)
}

func (p *platform) csr(hh int, c riscv.CSR) uint64 {
	return p.harts[hh].CSRs().ReadCSR(c)
}

// hypervisorCall makes a COVH call from the hypervisor running on hh.
func (p *platform) hypervisorCall(hh int, fid riscv.FunctionID, args ...uint64) flow.Exit {
	h := p.harts[hh]
	g := h.GPRs()

	for i := 0; i < 6; i++ {
		var v uint64
		if i < len(args) {
			v = args[i]
		}

		g.Set(riscv.A0+riscv.GPR(i), v)
	}

	g.Set(riscv.A6, uint64(fid))
	g.Set(riscv.A7, uint64(riscv.COVHExtension))
	h.CSRs().WriteCSR(riscv.Mcause, riscv.EcallFromHS)

	return p.r.RouteNonConfidentialFlow(h)
}

func (p *platform) promote(hh int, harts uint64) uint64 {
	p.t.Helper()

	exit := p.hypervisorCall(hh, riscv.COVHPromoteToConfidentialVM, hgatp, entry, bootArg, harts)
	if !exit.ToHypervisor() || p.reg(hh, riscv.A0) != 0 {
		p.t.Fatalf("promote failed: a0 %#x", p.reg(hh, riscv.A0))
	}

	return p.reg(hh, riscv.A1)
}

// run asks the monitor to run a confidential hart on hh. result holds the
// hypervisor's answer to the hart's previous request.
func (p *platform) run(hh int, vm, hart uint64, result ...uint64) flow.Exit {
	return p.hypervisorCall(hh, riscv.COVHRunConfidentialHart, append([]uint64{vm, hart}, result...)...)
}

func (p *platform) mustRun(hh int, vm, hart uint64, result ...uint64) {
	p.t.Helper()

	if exit := p.run(hh, vm, hart, result...); exit.ToHypervisor() {
		p.t.Fatalf("hart %d of VM %d did not run: a0 %#x", hart, vm, p.reg(hh, riscv.A0))
	}
}

// trap makes the confidential hart running on hh trap with mcause after
// setup prepared its registers.
func (p *platform) trap(hh int, mcause uint64, setup func(g *riscv.GPRs, csrs riscv.CSRFile)) flow.Exit {
	h := p.harts[hh]
	if setup != nil {
		setup(h.GPRs(), h.CSRs())
	}

	h.CSRs().WriteCSR(riscv.Mcause, mcause)

	return p.r.RouteConfidentialFlow(h)
}

// ecall makes the confidential hart running on hh call the monitor.
func (p *platform) ecall(hh int, ext riscv.ExtensionID, fid riscv.FunctionID, args ...uint64) flow.Exit {
	return p.trap(hh, riscv.EcallFromVS, func(g *riscv.GPRs, _ riscv.CSRFile) {
		for i := 0; i < 6; i++ {
			var v uint64
			if i < len(args) {
				v = args[i]
			}

			g.Set(riscv.A0+riscv.GPR(i), v)
		}

		g.Set(riscv.A6, uint64(fid))
		g.Set(riscv.A7, uint64(ext))
	})
}

// runBoth promotes a VM with two harts and runs hart i on hardware hart i.
func (p *platform) runBoth() uint64 {
	p.t.Helper()

	vm := p.promote(0, 2)
	p.mustRun(0, vm, 0)

	if exit := p.ecall(0, riscv.HSMExtension, riscv.HSMHartStart, 1, 0x8030_0000, 0x42); !exit.ToHypervisor() {
		p.t.Fatalf("hart start failed: a0 %#x", p.reg(0, riscv.A0))
	}

	p.mustRun(1, vm, 1)
	p.mustRun(0, vm, 0)

	return vm
}
