package flow

import (
	"fmt"
	"time"

	"github.com/bobuhiro11/goace/audit"
	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/transform"
	"github.com/sirupsen/logrus"
)

// ConfidentialFlow is the guard over a hardware hart executing a
// confidential hart, from the trap into the monitor until the hart returns
// to the confidential VM or control moves to the hypervisor.
type ConfidentialFlow struct {
	r  *Router
	hh *control.HardwareHart
}

func (r *Router) newConfidentialFlow(hh *control.HardwareHart) *ConfidentialFlow {
	if hh.ConfidentialHart().IsDummy() {
		panic(fmt.Sprintf("Bug: confidential flow on hardware hart %d executing no confidential hart", hh.ID()))
	}

	hh.EnterPhase(control.PhaseConfidential)

	return &ConfidentialFlow{r: r, hh: hh}
}

func (f *ConfidentialFlow) hardwareHart() *control.HardwareHart {
	if f.hh == nil {
		panic("Bug: confidential flow used after it exited")
	}

	return f.hh
}

// consume invalidates the guard and returns its hardware hart.
func (f *ConfidentialFlow) consume() *control.HardwareHart {
	hh := f.hardwareHart()
	f.hh = nil

	return hh
}

func (f *ConfidentialFlow) hart() *control.ConfidentialHart {
	return f.hardwareHart().ConfidentialHart()
}

func (f *ConfidentialFlow) logger() *logrus.Entry {
	hh := f.hardwareHart()
	h := hh.ConfidentialHart()

	return f.r.log.WithFields(logrus.Fields{
		"hart":              hh.ID(),
		"vm":                h.ConfidentialVMID(),
		"confidential_hart": h.ID(),
	})
}

// HardwareHartID is the id of the physical hart the flow runs on.
func (f *ConfidentialFlow) HardwareHartID() int {
	return f.hardwareHart().ID()
}

func (f *ConfidentialFlow) ConfidentialVMID() control.ConfidentialVMID {
	return f.hart().ConfidentialVMID()
}

func (f *ConfidentialFlow) ConfidentialHartID() int {
	return f.hart().ID()
}

// ExitToConfidentialHart applies t to the confidential hart and resumes its
// execution on the hardware hart.
func (f *ConfidentialFlow) ExitToConfidentialHart(t transform.ExposeToConfidentialVM) Exit {
	hh := f.consume()
	h := hh.ConfidentialHart()

	h.Apply(t)
	hh.LoadConfidentialHartContext()
	hh.LeavePhase(control.PhaseConfidential)

	f.r.metrics.exitsToConfidentialHart.Add(1)
	f.r.record(hh.ID(), uint64(h.ConfidentialVMID()), h.ID(), audit.ToConfidentialHart, t)

	return Exit{direction: audit.ToConfidentialHart}
}

// IntoNonConfidentialFlow gives the confidential hart back to its VM and
// turns the guard into a non-confidential one.
func (f *ConfidentialFlow) IntoNonConfidentialFlow() *NonConfidentialFlow {
	hh := f.consume()
	vmID := hh.ConfidentialHart().ConfidentialVMID()

	err := f.r.controlData.TryConfidentialVM(vmID, func(vm *control.ConfidentialVM) error {
		vm.ReturnConfidentialHart(hh)

		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("Bug: VM %d of a running confidential hart disappeared: %v", vmID, err))
	}

	hh.SwitchPhase(control.PhaseConfidential, control.PhaseNonConfidential)

	return &NonConfidentialFlow{r: f.r, hh: hh}
}

// ExitToHypervisor returns control to the hypervisor with its registers
// transformed by t.
func (f *ConfidentialFlow) ExitToHypervisor(t transform.ExposeToHypervisor) Exit {
	h := f.hart()
	vmID, hartID := uint64(h.ConfidentialVMID()), h.ID()

	return f.IntoNonConfidentialFlow().exitToHypervisor(t, vmID, hartID)
}

// SetPendingRequest records that the hart awaits the hypervisor's answer to
// req, then continues with then. If the hart already awaits an answer, the
// hart's call fails instead.
func (f *ConfidentialFlow) SetPendingRequest(req transform.PendingRequest, then func(f *ConfidentialFlow) Exit) Exit {
	if err := f.hart().SetPendingRequest(req); err != nil {
		f.logger().WithError(err).Warn("pending request")

		return f.ExitToConfidentialHart(transform.SbiError(err))
	}

	return then(f)
}

// BroadcastInterHartRequest queues req for the siblings of the hart and
// raises IPIs on the hardware harts executing them.
func (f *ConfidentialFlow) BroadcastInterHartRequest(req transform.InterHartRequest) error {
	hh := f.hardwareHart()

	return f.broadcastWith(func(vm *control.ConfidentialVM) error {
		return vm.BroadcastInterHartRequest(hh, req, f.r.firmware)
	})
}

// StartSiblingHart queues a start request for a stopped sibling. The check
// and the enqueue happen under one hold of the VM.
func (f *ConfidentialFlow) StartSiblingHart(req transform.HartStartRequest) error {
	hh := f.hardwareHart()

	return f.broadcastWith(func(vm *control.ConfidentialVM) error {
		return vm.StartConfidentialHart(hh, req, f.r.firmware)
	})
}

func (f *ConfidentialFlow) broadcastWith(fn func(vm *control.ConfidentialVM) error) error {
	f.r.metrics.broadcasts.Add(1)

	err := f.r.controlData.TryConfidentialVM(f.ConfidentialVMID(), fn)
	if err != nil {
		f.r.metrics.broadcastFailures.Add(1)
	}

	return err
}

// ProcessInterHartRequests applies the requests queued for the hart, oldest
// first, and publishes the resulting lifecycle state.
func (f *ConfidentialFlow) ProcessInterHartRequests() {
	hh := f.hardwareHart()
	h := hh.ConfidentialHart()

	var reqs []transform.InterHartRequest

	err := f.r.controlData.TryConfidentialVM(h.ConfidentialVMID(), func(vm *control.ConfidentialVM) error {
		reqs = vm.TakeInterHartRequests(h.ID())

		for _, req := range reqs {
			h.Apply(req.IntoExposeToConfidentialVM())
		}

		vm.PublishLifecycleState(hh)

		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("Bug: VM of a running confidential hart disappeared: %v", err))
	}

	for _, req := range reqs {
		f.logger().WithField("request", fmt.Sprintf("%T", req)).Debug("inter hart request")
	}
}

// transition runs a lifecycle transition of the hart and publishes its
// outcome to the siblings.
func (f *ConfidentialFlow) transition(fn func(h *control.ConfidentialHart) error) error {
	hh := f.hardwareHart()
	h := hh.ConfidentialHart()

	var terr error

	err := f.r.controlData.TryConfidentialVM(h.ConfidentialVMID(), func(vm *control.ConfidentialVM) error {
		terr = fn(h)
		vm.PublishLifecycleState(hh)

		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("Bug: VM of a running confidential hart disappeared: %v", err))
	}

	return terr
}

// SuspendConfidentialHart moves the hart to the suspended state.
func (f *ConfidentialFlow) SuspendConfidentialHart(req transform.HartSuspendRequest) error {
	return f.transition(func(h *control.ConfidentialHart) error {
		return h.TransitionFromStartedToSuspended(req)
	})
}

func (f *ConfidentialFlow) StopConfidentialHart() error {
	return f.transition((*control.ConfidentialHart).TransitionFromStartedToStopped)
}

// StartConfidentialHartAfterSuspension wakes the hart up and returns the
// request it was suspended with.
func (f *ConfidentialFlow) StartConfidentialHartAfterSuspension() (transform.HartSuspendRequest, error) {
	req := f.hart().SuspendRequest()

	return req, f.transition((*control.ConfidentialHart).TransitionFromSuspendedToStarted)
}

func (f *ConfidentialFlow) ShutdownConfidentialHart() error {
	return f.transition((*control.ConfidentialHart).TransitionToShutdown)
}

func (f *ConfidentialFlow) IsConfidentialHartShutdown() bool {
	return f.hart().IsShutdown()
}

// record sends an audit record of an exit. Audit failures are logged and
// do not affect the exit.
func (r *Router) record(hhID int, vmID uint64, hartID int, d audit.Direction, t any) {
	if r.audit == nil {
		return
	}

	rec := &audit.Record{
		Time:             time.Now(),
		HardwareHart:     hhID,
		VM:               vmID,
		ConfidentialHart: hartID,
		Direction:        d,
		Transformation:   fmt.Sprintf("%T%+v", t, t),
	}

	if err := r.audit.Record(rec); err != nil {
		r.log.WithError(err).WithField("hart", hhID).Warn("audit")
	}
}
