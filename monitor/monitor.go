// Package monitor runs the security monitor on a simulated platform: every
// hardware hart is a goroutine playing the hypervisor and the confidential
// hart it executes, and the firmware delivers IPIs over channels.
package monitor

import (
	"fmt"
	"io"

	"github.com/bobuhiro11/goace/audit"
	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/firmware"
	"github.com/bobuhiro11/goace/flag"
	"github.com/bobuhiro11/goace/flow"
	"github.com/bobuhiro11/goace/memory"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/sirupsen/logrus"
)

// Per-hart mscratch values of the monitor's and the firmware's trap
// contexts.
const (
	monitorScratchBase  = 0x5eed_0000
	firmwareScratchBase = 0xf1a3_0000
)

// rootPageTableSize is the size of a x4 root page table.
const rootPageTableSize = 4 * uint64(memory.Size4KiB)

type Monitor struct {
	flag.Config

	log    *logrus.Logger
	layout *memory.Layout
	cd     *control.ControlData
	fw     *firmware.Sim
	router *flow.Router
	harts  []*hart
	audit  *audit.Sender
	pool   *pool
	device *device
}

func New(c flag.Config, log *logrus.Logger) *Monitor {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Monitor{
		Config: c,
		log:    log,
	}
}

// SetAudit records every exit of the monitor to w. It must be called
// before Init.
func (m *Monitor) SetAudit(w io.Writer) {
	m.audit = audit.NewSender(w)
}

// Init builds the platform: the memory layout, the control data, the
// firmware and the hardware harts.
func (m *Monitor) Init() error {
	if err := m.Validate(); err != nil {
		return err
	}

	l, err := m.Layout()
	if err != nil {
		return err
	}

	m.layout = l
	m.cd = control.New(m.Limits(), m.log)
	m.fw = firmware.NewSim(m.log)
	m.pool = newPool(l.NonConfidential.Start+rootPageTableSize, l.NonConfidential.End())
	m.device = newDevice()

	c := flow.Config{
		ControlData:  m.cd,
		Layout:       l,
		Firmware:     m.fw,
		Log:          m.log,
		DefaultHarts: m.DefaultVMHarts,
	}
	if m.audit != nil {
		c.Audit = m.audit
	}

	m.router = flow.NewRouter(c)

	m.harts = make([]*hart, m.Harts)
	for id := range m.harts {
		hh := control.NewHardwareHart(id, monitorScratchBase+uint64(id), firmwareScratchBase+uint64(id))
		m.harts[id] = &hart{hh: hh, ipi: m.fw.Register(hh), r: m.router}
	}

	m.log.WithFields(logrus.Fields{
		"harts":            m.Harts,
		"confidential":     l.Confidential,
		"non_confidential": l.NonConfidential,
	}).Info("monitor initialized")

	return nil
}

func (m *Monitor) Router() *flow.Router {
	return m.router
}

func (m *Monitor) ControlData() *control.ControlData {
	return m.cd
}

// Close ends the audit stream.
func (m *Monitor) Close() error {
	if m.audit == nil {
		return nil
	}

	return m.audit.End()
}

// hgatp is the address translation the simulated hypervisor configures for
// its VMs: Sv48x4 with the root page table at the start of non-confidential
// memory.
func (m *Monitor) hgatp() uint64 {
	return uint64(riscv.HgatpModeSv48x4)<<riscv.HgatpModeShift | m.layout.NonConfidential.Start>>12
}

// Entry is where confidential harts start executing.
func (m *Monitor) Entry() uint64 {
	return m.layout.Confidential.Start + 0x20_0000
}

// promote asks the monitor, from hardware hart 0, to create a confidential
// VM of n harts.
func (m *Monitor) promote(n int) (uint64, error) {
	h := m.harts[0]

	h.hypervisorCall(riscv.COVHPromoteToConfidentialVM, m.hgatp(), m.Entry(), m.Entry()+0x200_0000, uint64(n))

	if code := h.reg(riscv.A0); code != 0 {
		return 0, fmt.Errorf("promote to confidential VM: %v", codeOf(code))
	}

	return h.reg(riscv.A1), nil
}

func (m *Monitor) destroy(vm uint64) error {
	h := m.harts[0]

	h.hypervisorCall(riscv.COVHDestroyConfidentialVM, vm)

	if code := h.reg(riscv.A0); code != 0 {
		return fmt.Errorf("destroy confidential VM %d: %v", vm, codeOf(code))
	}

	return nil
}
