package control

import (
	"fmt"

	"github.com/bobuhiro11/goace/memory"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
)

// ConfidentialVMID identifies a confidential VM. It is never reused while
// the VM exists.
type ConfidentialVMID uint64

// MeasurementCount is the number of measurement registers of a VM.
const MeasurementCount = 4

// Measurement is an integrity measurement of a confidential VM. Attestation
// is not implemented, so every measurement is empty.
type Measurement [48]byte

// notRunning marks a confidential hart that no hardware hart executes.
const notRunning = -1

// ConfidentialVM is a confidential VM record. It is reached only through
// ControlData, which serializes access to it.
type ConfidentialVM struct {
	id           ConfidentialVMID
	harts        []*ConfidentialHart
	runningOn    []int
	lifecycle    []HartLifecycleState
	queues       [][]transform.InterHartRequest
	queueLimit   int
	measurements [MeasurementCount]Measurement
	protector    memory.Protector
}

// NewConfidentialVM takes ownership of harts and protector.
func NewConfidentialVM(id ConfidentialVMID, harts []*ConfidentialHart, measurements [MeasurementCount]Measurement,
	protector memory.Protector, queueLimit int,
) *ConfidentialVM {
	vm := &ConfidentialVM{
		id:           id,
		harts:        harts,
		runningOn:    make([]int, len(harts)),
		lifecycle:    make([]HartLifecycleState, len(harts)),
		queues:       make([][]transform.InterHartRequest, len(harts)),
		queueLimit:   queueLimit,
		measurements: measurements,
		protector:    protector,
	}

	for i, h := range harts {
		if h.id != i {
			panic(fmt.Sprintf("Bug: confidential hart %d stored at index %d", h.id, i))
		}

		h.vmID = id
		vm.runningOn[i] = notRunning
		vm.lifecycle[i] = h.lifecycle
	}

	return vm
}

// ID returns the identifier the VM is registered under.
func (vm *ConfidentialVM) ID() ConfidentialVMID {
	return vm.id
}

// HartCount returns the number of confidential harts of the VM.
func (vm *ConfidentialVM) HartCount() int {
	return len(vm.harts)
}

// Measurements returns the VM's measurement registers.
func (vm *ConfidentialVM) Measurements() [MeasurementCount]Measurement {
	return vm.measurements
}

// IsRunning reports whether any hardware hart executes a hart of the VM.
func (vm *ConfidentialVM) IsRunning() bool {
	for _, hh := range vm.runningOn {
		if hh != notRunning {
			return true
		}
	}

	return false
}

func (vm *ConfidentialVM) checkHartID(id int) error {
	if id < 0 || id >= len(vm.harts) {
		return fmt.Errorf("%w: %d", smerr.ErrInvalidConfidentialHartID, id)
	}

	return nil
}

// HartLifecycleState returns the state of hart id. For a hart being
// executed it is the state last published with PublishLifecycleState.
func (vm *ConfidentialVM) HartLifecycleState(id int) (HartLifecycleState, error) {
	if err := vm.checkHartID(id); err != nil {
		return 0, err
	}

	if h := vm.harts[id]; h != nil {
		return h.lifecycle, nil
	}

	return vm.lifecycle[id], nil
}

// HartStatus returns the HSM status of hart id. A stopped hart with a start
// request in its queue is start pending.
func (vm *ConfidentialVM) HartStatus(id int) (uint64, error) {
	s, err := vm.HartLifecycleState(id)
	if err != nil {
		return 0, err
	}

	if s == Stopped && vm.startQueued(id) {
		return riscv.HartStatusStartPending, nil
	}

	return s.HartStatus(), nil
}

func (vm *ConfidentialVM) startQueued(id int) bool {
	for _, req := range vm.queues[id] {
		if _, ok := req.(transform.InterHartHartStart); ok {
			return true
		}
	}

	return false
}

// StartConfidentialHart queues a start request for hart id, which must be
// stopped with no start queued, and raises its IPI like
// BroadcastInterHartRequest.
func (vm *ConfidentialVM) StartConfidentialHart(hh *HardwareHart, req transform.HartStartRequest, fw Firmware) error {
	id := int(req.HartID)
	if req.HartID >= uint64(len(vm.harts)) {
		return fmt.Errorf("%w: %d", smerr.ErrInvalidConfidentialHartID, req.HartID)
	}

	if s, _ := vm.HartLifecycleState(id); s != Stopped || vm.startQueued(id) {
		return fmt.Errorf("%w: hart %d is %v", smerr.ErrHartNotStopped, id, s)
	}

	return vm.BroadcastInterHartRequest(hh, transform.InterHartHartStart{Request: req}, fw)
}

// PublishLifecycleState records the lifecycle state of the hart hh
// executes, making it visible to its siblings.
func (vm *ConfidentialVM) PublishLifecycleState(hh *HardwareHart) {
	h := hh.confidentialHart
	if h.dummy || h.vmID != vm.id || vm.runningOn[h.id] != hh.id {
		panic(fmt.Sprintf("Bug: hardware hart %d publishes hart %d that VM %d does not lend to it", hh.id, h.id, vm.id))
	}

	vm.lifecycle[h.id] = h.lifecycle
}

// StealConfidentialHart moves hart id onto hh. hh must not execute another
// confidential hart.
func (vm *ConfidentialVM) StealConfidentialHart(id int, hh *HardwareHart) error {
	if err := vm.checkHartID(id); err != nil {
		return err
	}

	if !hh.confidentialHart.dummy {
		panic(fmt.Sprintf("Bug: hardware hart %d already executes a confidential hart", hh.id))
	}

	h := vm.harts[id]
	if h == nil {
		return fmt.Errorf("%w: hart %d on hardware hart %d", smerr.ErrHartAlreadyRunning, id, vm.runningOn[id])
	}

	if h.IsShutdown() {
		return fmt.Errorf("%w: hart %d", smerr.ErrHartShutdown, id)
	}

	vm.harts[id] = nil
	vm.runningOn[id] = hh.id
	vm.lifecycle[id] = h.lifecycle
	hh.confidentialHart = h

	return nil
}

// ReturnConfidentialHart moves the confidential hart executed by hh back
// into the VM, leaving hh with its dummy hart.
func (vm *ConfidentialVM) ReturnConfidentialHart(hh *HardwareHart) {
	h := hh.confidentialHart
	if h.dummy || h.vmID != vm.id || vm.harts[h.id] != nil {
		panic(fmt.Sprintf("Bug: hardware hart %d returns hart %d that VM %d does not lend", hh.id, h.id, vm.id))
	}

	vm.harts[h.id] = h
	vm.runningOn[h.id] = notRunning
	vm.lifecycle[h.id] = h.lifecycle
	hh.confidentialHart = hh.dummy
}

// TakeInterHartRequests returns and clears the queue of hart id, oldest
// first.
func (vm *ConfidentialVM) TakeInterHartRequests(id int) []transform.InterHartRequest {
	if vm.checkHartID(id) != nil {
		panic(fmt.Sprintf("Bug: draining inter hart requests of unknown hart %d", id))
	}

	reqs := vm.queues[id]
	vm.queues[id] = nil

	return reqs
}

// PendingInterHartRequests returns how many requests wait for hart id.
func (vm *ConfidentialVM) PendingInterHartRequests(id int) int {
	if vm.checkHartID(id) != nil {
		return 0
	}

	return len(vm.queues[id])
}

// BroadcastInterHartRequest queues req for every sibling of hh's hart that
// it selects and raises a physical IPI on the hardware harts executing any of
// them. Nothing is queued when one recipient's queue is full. A system reset
// is never refused: it replaces whatever a queue holds, since the recipient
// shuts down when it drains it. The firmware expects its own mscratch, which
// is swapped in around the IPI.
func (vm *ConfidentialVM) BroadcastInterHartRequest(hh *HardwareHart, req transform.InterHartRequest, fw Firmware) error {
	sender := hh.confidentialHart
	if sender.dummy || sender.vmID != vm.id {
		panic(fmt.Sprintf("Bug: hardware hart %d broadcasts for VM %d it does not execute", hh.id, vm.id))
	}

	_, reset := req.(transform.InterHartSystemReset)

	var receivers []int

	for id := range vm.queues {
		if id == sender.id || !req.IsReceiver(id) {
			continue
		}

		if !reset && len(vm.queues[id]) >= vm.queueLimit {
			return fmt.Errorf("%w: hart %d", smerr.ErrInterHartRequestQueueFull, id)
		}

		receivers = append(receivers, id)
	}

	var mask uint64

	for _, id := range receivers {
		if reset {
			vm.queues[id] = []transform.InterHartRequest{req}
		} else {
			vm.queues[id] = append(vm.queues[id], req)
		}

		if on := vm.runningOn[id]; on != notRunning {
			mask |= 1 << uint(on)
		}
	}

	if mask == 0 {
		return nil
	}

	hh.SwapMscratch()
	defer hh.SwapMscratch()

	if err := fw.SendIPI(hh, mask); err != nil {
		return fmt.Errorf("%w: mask %#x: %w", smerr.ErrIPIDelivery, mask, err)
	}

	return nil
}

// MapSharedPage maps p into the VM's address space.
func (vm *ConfidentialVM) MapSharedPage(p *memory.SharedPage) error {
	return vm.protector.MapSharedPage(p)
}

// UnmapSharedPage removes the shared page mapped at addr.
func (vm *ConfidentialVM) UnmapSharedPage(addr memory.ConfidentialVMPhysicalAddress) (*memory.SharedPage, error) {
	return vm.protector.UnmapSharedPage(addr)
}

// Hgatp returns the address translation configuration of the VM's harts.
func (vm *ConfidentialVM) Hgatp() uint64 {
	return vm.protector.Hgatp()
}

// release gives back the protector and every hart. The VM must not run.
func (vm *ConfidentialVM) release() {
	vm.protector.Release()

	for i := range vm.harts {
		vm.harts[i] = nil
		vm.queues[i] = nil
	}
}

// HartSnapshot describes a confidential hart.
type HartSnapshot struct {
	ID               int
	State            HartLifecycleState
	HardwareHart     int
	PendingRequests  int
	HasPendingResult bool
}

// Snapshot describes a confidential VM.
type Snapshot struct {
	ID    ConfidentialVMID
	Harts []HartSnapshot
}

// Snapshot describes the VM. Harts being executed report their last
// published state.
func (vm *ConfidentialVM) Snapshot() Snapshot {
	s := Snapshot{ID: vm.id, Harts: make([]HartSnapshot, len(vm.harts))}

	for id, h := range vm.harts {
		hs := HartSnapshot{ID: id, State: vm.lifecycle[id], HardwareHart: vm.runningOn[id], PendingRequests: len(vm.queues[id])}
		if h != nil {
			hs.State = h.lifecycle
			hs.HasPendingResult = h.pending != nil
		}

		s.Harts[id] = hs
	}

	return s
}

// ConfidentialHart returns hart id if the VM holds it, for inspection.
// It returns nil while the hart is executed.
func (vm *ConfidentialVM) ConfidentialHart(id int) *ConfidentialHart {
	if vm.checkHartID(id) != nil {
		return nil
	}

	return vm.harts[id]
}
