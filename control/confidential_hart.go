package control

import (
	"fmt"

	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
)

// ConfidentialHart is a virtual hart of a confidential VM. It is owned
// either by its VM or by the hardware hart executing it, never both.
type ConfidentialHart struct {
	id        int
	vmID      ConfidentialVMID
	dummy     bool
	state     riscv.HartState
	lifecycle HartLifecycleState
	suspend   transform.HartSuspendRequest
	pending   transform.PendingRequest
	fences    uint64
}

// NewDummyConfidentialHart returns the placeholder kept by a hardware hart
// that executes no confidential hart.
func NewDummyConfidentialHart(hardwareHartID int) *ConfidentialHart {
	return &ConfidentialHart{
		id:        hardwareHartID,
		dummy:     true,
		state:     riscv.HartState{CSRs: riscv.CSRMap{}},
		lifecycle: Shutdown,
	}
}

// FromVMHart builds the boot hart of a new confidential VM from the state
// the hypervisor prepared. It starts in the started state.
func FromVMHart(id int, state *riscv.HartState) *ConfidentialHart {
	return &ConfidentialHart{
		id:        id,
		state:     state.Clone(),
		lifecycle: Started,
	}
}

// resetCSRs survive a hart reset. Everything else starts zeroed.
var resetCSRs = []riscv.CSR{
	riscv.Hgatp, riscv.Hstatus, riscv.Hedeleg, riscv.Hideleg, riscv.Mstatus,
}

// FromVMHartReset builds a secondary hart of a new confidential VM. It is
// stopped until a sibling starts it.
func FromVMHartReset(id int, state *riscv.HartState) *ConfidentialHart {
	csrs := riscv.CSRMap{}
	riscv.CopyCSRs(csrs, state.CSRs, resetCSRs)

	return &ConfidentialHart{
		id:        id,
		state:     riscv.HartState{CSRs: csrs},
		lifecycle: Stopped,
	}
}

// ID returns the hart's index within its VM.
func (h *ConfidentialHart) ID() int {
	return h.id
}

func (h *ConfidentialHart) IsDummy() bool {
	return h.dummy
}

// ConfidentialVMID returns the owning VM. It panics on a dummy hart.
func (h *ConfidentialHart) ConfidentialVMID() ConfidentialVMID {
	if h.dummy {
		panic("Bug: found dummy hart instead of a confidential hart")
	}

	return h.vmID
}

// LifecycleState returns the hart's own view of its state.
func (h *ConfidentialHart) LifecycleState() HartLifecycleState {
	return h.lifecycle
}

func (h *ConfidentialHart) IsShutdown() bool {
	return h.lifecycle == Shutdown
}

// SuspendRequest returns the parameters of the suspend call while the hart
// is suspended.
func (h *ConfidentialHart) SuspendRequest() transform.HartSuspendRequest {
	return h.suspend
}

// Fences counts the remote fences applied to the hart.
func (h *ConfidentialHart) Fences() uint64 {
	return h.fences
}

// State returns a copy of the saved architectural state.
func (h *ConfidentialHart) State() riscv.HartState {
	return h.state.Clone()
}

func (h *ConfidentialHart) TransitionFromStartedToSuspended(req transform.HartSuspendRequest) error {
	if h.lifecycle != Started {
		_, err := h.lifecycle.transition(Suspended)

		return err
	}

	h.lifecycle = Suspended
	h.suspend = req

	return nil
}

func (h *ConfidentialHart) TransitionFromSuspendedToStarted() error {
	if h.lifecycle != Suspended {
		_, err := h.lifecycle.transition(Started)
		if err == nil {
			err = fmt.Errorf("%w: %v is not suspended", smerr.ErrInvalidHartStateTransition, h.lifecycle)
		}

		return err
	}

	h.lifecycle = Started
	h.suspend = transform.HartSuspendRequest{}

	return nil
}

// TransitionFromStartedToStopped stops a started hart.
func (h *ConfidentialHart) TransitionFromStartedToStopped() error {
	if h.lifecycle != Started {
		_, err := h.lifecycle.transition(Stopped)

		return err
	}

	h.lifecycle = Stopped

	return nil
}

// TransitionFromStoppedToStarted starts a stopped hart.
func (h *ConfidentialHart) TransitionFromStoppedToStarted() error {
	if h.lifecycle != Stopped {
		_, err := h.lifecycle.transition(Started)
		if err == nil {
			err = fmt.Errorf("%w: %v is not stopped", smerr.ErrInvalidHartStateTransition, h.lifecycle)
		}

		return err
	}

	h.lifecycle = Started

	return nil
}

// TransitionToShutdown shuts the hart down. Shutting down a shut down hart
// is reported and changes nothing.
func (h *ConfidentialHart) TransitionToShutdown() error {
	s, err := h.lifecycle.transition(Shutdown)
	h.lifecycle = s

	return err
}

// SetPendingRequest records a request for the hypervisor. A hart has at
// most one pending request.
func (h *ConfidentialHart) SetPendingRequest(req transform.PendingRequest) error {
	if h.pending != nil {
		return fmt.Errorf("%w: %T", smerr.ErrPendingRequestExists, h.pending)
	}

	h.pending = req

	return nil
}

// TakePendingRequest returns and clears the pending request.
func (h *ConfidentialHart) TakePendingRequest() transform.PendingRequest {
	req := h.pending
	h.pending = nil

	return req
}

func (h *ConfidentialHart) HasPendingRequest() bool {
	return h.pending != nil
}

// Apply transforms the hart's saved state.
func (h *ConfidentialHart) Apply(t transform.ExposeToConfidentialVM) {
	g := &h.state.GPRs
	csrs := h.state.CSRs

	switch t := t.(type) {
	case transform.Resume:
	case transform.SbiResult:
		g.Set(riscv.A0, t.Code.Register())
		g.Set(riscv.A1, t.Value)
		h.advance(riscv.EcallInstructionLength)
	case transform.InjectIPI:
		csrs.WriteCSR(riscv.Hvip, csrs.ReadCSR(riscv.Hvip)|riscv.HvipVSSIP)
	case transform.FenceI, transform.SfenceVMA:
		h.fences++
	case transform.HartStart:
		if h.TransitionFromStoppedToStarted() != nil {
			return
		}

		csrs.WriteCSR(riscv.Mepc, t.Request.StartAddress)
		csrs.WriteCSR(riscv.Vsatp, 0)
		g.Set(riscv.A0, uint64(h.id))
		g.Set(riscv.A1, t.Request.Opaque)
	case transform.HartResume:
		csrs.WriteCSR(riscv.Mepc, t.Request.ResumeAddress)
		csrs.WriteCSR(riscv.Vsatp, 0)
		g.Set(riscv.A0, uint64(h.id))
		g.Set(riscv.A1, t.Request.Opaque)
	case transform.SystemReset:
		_ = h.TransitionToShutdown()
	case transform.LoadPageFaultResult:
		g.Set(t.Request.Destination, t.Value)
		h.advance(t.Request.InstructionLength)
	case transform.StorePageFaultResult:
		h.advance(t.Request.InstructionLength)
	case transform.VirtualInstructionResult:
		h.advance(t.Request.InstructionLength)
	case transform.InjectException:
		csrs.WriteCSR(riscv.Vsepc, csrs.ReadCSR(riscv.Mepc))
		csrs.WriteCSR(riscv.Vscause, t.Cause)
		csrs.WriteCSR(riscv.Vstval, t.Tval)
		csrs.WriteCSR(riscv.Mepc, csrs.ReadCSR(riscv.Vstvec))
	default:
		panic(fmt.Sprintf("Bug: unknown confidential hart transformation %T", t))
	}
}

func (h *ConfidentialHart) advance(n uint64) {
	h.state.CSRs.WriteCSR(riscv.Mepc, h.state.CSRs.ReadCSR(riscv.Mepc)+n)
}

// StoreVolatileCSRs persists the CSRs that changed while the hart executed.
func (h *ConfidentialHart) StoreVolatileCSRs(from riscv.CSRFile) {
	riscv.CopyCSRs(h.state.CSRs, from, riscv.VolatileCSRs)
}

// LoadVolatileCSRs restores the CSRs before the hart executes.
func (h *ConfidentialHart) LoadVolatileCSRs(to riscv.CSRFile) {
	riscv.CopyCSRs(to, h.state.CSRs, riscv.VolatileCSRs)
}

// TrapReason decodes why the hart trapped into the monitor.
func (h *ConfidentialHart) TrapReason() riscv.TrapReason {
	mcause := h.state.CSRs.ReadCSR(riscv.Mcause)
	r := riscv.TrapReason{Kind: riscv.Classify(mcause), Cause: mcause}

	if r.Kind == riscv.TrapVsEcall || r.Kind == riscv.TrapHsEcall {
		r.Call = riscv.CallFrom(&h.state.GPRs)
	}

	return r
}

func (h *ConfidentialHart) arg(r riscv.GPR) uint64 {
	return h.state.GPRs.Get(r)
}

// SbiRequest decodes the SBI call the hart made.
func (h *ConfidentialHart) SbiRequest() transform.SbiRequest {
	return transform.SbiRequest{
		Call: riscv.CallFrom(&h.state.GPRs),
		Args: [6]uint64{
			h.arg(riscv.A0), h.arg(riscv.A1), h.arg(riscv.A2),
			h.arg(riscv.A3), h.arg(riscv.A4), h.arg(riscv.A5),
		},
	}
}

func (h *ConfidentialHart) SharePageRequest() transform.SharePageRequest {
	return transform.SharePageRequest{Address: h.arg(riscv.A0), Size: h.arg(riscv.A1)}
}

func (h *ConfidentialHart) UnsharePageRequest() transform.UnsharePageRequest {
	return transform.UnsharePageRequest{Address: h.arg(riscv.A0)}
}

func (h *ConfidentialHart) HartStartRequest() transform.HartStartRequest {
	return transform.HartStartRequest{HartID: h.arg(riscv.A0), StartAddress: h.arg(riscv.A1), Opaque: h.arg(riscv.A2)}
}

func (h *ConfidentialHart) HartSuspendRequest() transform.HartSuspendRequest {
	return transform.HartSuspendRequest{
		SuspendType:   h.arg(riscv.A0),
		ResumeAddress: h.arg(riscv.A1),
		Opaque:        h.arg(riscv.A2),
	}
}

func (h *ConfidentialHart) HartStatusRequest() transform.HartStatusRequest {
	return transform.HartStatusRequest{HartID: h.arg(riscv.A0)}
}

func (h *ConfidentialHart) hartMask() transform.HartMask {
	return transform.HartMask{Mask: h.arg(riscv.A0), Base: h.arg(riscv.A1)}
}

func (h *ConfidentialHart) IPIRequest() transform.InterHartIPI {
	return transform.InterHartIPI{Harts: h.hartMask()}
}

func (h *ConfidentialHart) RemoteFenceIRequest() transform.InterHartRemoteFenceI {
	return transform.InterHartRemoteFenceI{Harts: h.hartMask()}
}

func (h *ConfidentialHart) RemoteSfenceVMARequest() transform.InterHartRemoteSfenceVMA {
	return transform.InterHartRemoteSfenceVMA{Harts: h.hartMask(), Start: h.arg(riscv.A2), Size: h.arg(riscv.A3)}
}

func (h *ConfidentialHart) RemoteSfenceVMAASIDRequest() transform.InterHartRemoteSfenceVMAASID {
	return transform.InterHartRemoteSfenceVMAASID{
		Harts: h.hartMask(),
		Start: h.arg(riscv.A2),
		Size:  h.arg(riscv.A3),
		ASID:  h.arg(riscv.A4),
	}
}

// faultAddress is the guest physical address of a guest page fault.
func (h *ConfidentialHart) faultAddress() uint64 {
	return h.state.CSRs.ReadCSR(riscv.Mtval2)<<2 | h.state.CSRs.ReadCSR(riscv.Mtval)&3
}

// LoadPageFaultRequest decodes the trapped load from the transformed
// instruction in mtinst. The fault address is set even if decoding fails.
func (h *ConfidentialHart) LoadPageFaultRequest() (transform.LoadPageFaultRequest, error) {
	inst := h.state.CSRs.ReadCSR(riscv.Mtinst)
	req := transform.LoadPageFaultRequest{
		Address:           h.faultAddress(),
		Instruction:       inst,
		InstructionLength: riscv.InstructionLength(inst),
	}

	rd, err := riscv.LoadDestination(inst)
	if err != nil {
		return req, fmt.Errorf("%w: %w", smerr.ErrNotSupported, err)
	}

	req.Destination = rd

	return req, nil
}

// StorePageFaultRequest decodes the trapped store from the transformed
// instruction in mtinst. The fault address is set even if decoding fails.
func (h *ConfidentialHart) StorePageFaultRequest() (transform.StorePageFaultRequest, error) {
	inst := h.state.CSRs.ReadCSR(riscv.Mtinst)
	req := transform.StorePageFaultRequest{
		Address:           h.faultAddress(),
		Instruction:       inst,
		InstructionLength: riscv.InstructionLength(inst),
	}

	rs2, err := riscv.StoreSource(inst)
	if err != nil {
		return req, fmt.Errorf("%w: %w", smerr.ErrNotSupported, err)
	}

	req.Value = h.arg(rs2)

	return req, nil
}

// VirtualInstructionRequest returns the trapped instruction, which the
// hardware reports in mtval.
func (h *ConfidentialHart) VirtualInstructionRequest() transform.VirtualInstructionRequest {
	inst := h.state.CSRs.ReadCSR(riscv.Mtval)

	return transform.VirtualInstructionRequest{Instruction: inst, InstructionLength: riscv.InstructionLength(inst)}
}
