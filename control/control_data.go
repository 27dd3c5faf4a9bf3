// Package control holds the monitor's only shared mutable state: the
// registry of confidential VMs with their harts, and the per hardware hart
// contexts.
package control

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bobuhiro11/goace/memory"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
	"github.com/sirupsen/logrus"
)

// Limits bounds the resources of the registry.
type Limits struct {
	MaxConfidentialVMs     int
	MaxHartsPerVM          int
	InterHartQueueCapacity int
}

// DefaultLimits are used for zero fields of the limits passed to New.
var DefaultLimits = Limits{
	MaxConfidentialVMs:     64,
	MaxHartsPerVM:          8,
	InterHartQueueCapacity: 32,
}

var errWriterUsedOutsideScope = errors.New("control data writer used outside of TryWrite")

type vmEntry struct {
	mu sync.Mutex
	vm *ConfidentialVM
}

// ControlData is the registry of confidential VMs.
//
// Operations on one VM hold the registry's read lock and the VM's own
// mutex. The write lock is taken only to insert or remove a VM, which
// therefore waits for every operation on every VM to finish.
type ControlData struct {
	mu     sync.RWMutex
	vms    map[ConfidentialVMID]*vmEntry
	nextID ConfidentialVMID
	limits Limits
	log    *logrus.Logger
}

// New returns an empty registry. Zero limits take their DefaultLimits value.
func New(limits Limits, log *logrus.Logger) *ControlData {
	if limits.MaxConfidentialVMs <= 0 {
		limits.MaxConfidentialVMs = DefaultLimits.MaxConfidentialVMs
	}

	if limits.MaxHartsPerVM <= 0 {
		limits.MaxHartsPerVM = DefaultLimits.MaxHartsPerVM
	}

	if limits.InterHartQueueCapacity <= 0 {
		limits.InterHartQueueCapacity = DefaultLimits.InterHartQueueCapacity
	}

	if log == nil {
		log = logrus.StandardLogger()
	}

	return &ControlData{
		vms:    map[ConfidentialVMID]*vmEntry{},
		nextID: 1,
		limits: limits,
		log:    log,
	}
}

// Limits returns the limits the registry enforces.
func (cd *ControlData) Limits() Limits {
	return cd.limits
}

// TryConfidentialVM calls fn with exclusive access to VM id.
func (cd *ControlData) TryConfidentialVM(id ConfidentialVMID, fn func(vm *ConfidentialVM) error) error {
	cd.mu.RLock()
	defer cd.mu.RUnlock()

	e, ok := cd.vms[id]
	if !ok {
		return fmt.Errorf("%w: %d", smerr.ErrInvalidConfidentialVMID, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return fn(e.vm)
}

// WithConfidentialVM is TryConfidentialVM for closures producing a value.
func WithConfidentialVM[T any](cd *ControlData, id ConfidentialVMID, fn func(vm *ConfidentialVM) (T, error)) (T, error) {
	var v T

	err := cd.TryConfidentialVM(id, func(vm *ConfidentialVM) error {
		var err error

		v, err = fn(vm)

		return err
	})

	return v, err
}

// Writer mutates the set of VMs. It is valid only inside TryWrite.
type Writer struct {
	cd *ControlData
}

func (w *Writer) control() *ControlData {
	if w.cd == nil {
		panic("Bug: " + errWriterUsedOutsideScope.Error())
	}

	return w.cd
}

// UniqueID allocates an identifier no existing VM uses.
func (w *Writer) UniqueID() (ConfidentialVMID, error) {
	cd := w.control()

	if len(cd.vms) >= cd.limits.MaxConfidentialVMs {
		return 0, fmt.Errorf("%w: %d VMs exist", smerr.ErrTooManyConfidentialVMs, len(cd.vms))
	}

	for {
		id := cd.nextID
		cd.nextID++

		if cd.nextID == 0 {
			cd.nextID = 1
		}

		if _, ok := cd.vms[id]; !ok && id != 0 {
			return id, nil
		}
	}
}

// Insert adds vm under its identifier.
func (w *Writer) Insert(vm *ConfidentialVM) (ConfidentialVMID, error) {
	cd := w.control()

	if _, ok := cd.vms[vm.id]; ok {
		return 0, fmt.Errorf("%w: %d is in use", smerr.ErrInvalidConfidentialVMID, vm.id)
	}

	cd.vms[vm.id] = &vmEntry{vm: vm}

	return vm.id, nil
}

// Remove deletes VM id, releasing its harts and memory protector. It fails
// while a hart of the VM is executed.
func (w *Writer) Remove(id ConfidentialVMID) error {
	cd := w.control()

	e, ok := cd.vms[id]
	if !ok {
		return fmt.Errorf("%w: %d", smerr.ErrInvalidConfidentialVMID, id)
	}

	if e.vm.IsRunning() {
		return fmt.Errorf("%w: %d", smerr.ErrConfidentialVMRunning, id)
	}

	e.vm.release()
	delete(cd.vms, id)

	return nil
}

// TryWrite calls fn with exclusive access to the whole registry. Every hart
// is blocked meanwhile, so fn must be short.
func (cd *ControlData) TryWrite(fn func(w *Writer) error) error {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	w := &Writer{cd: cd}
	defer func() { w.cd = nil }()

	return fn(w)
}

// CreateConfidentialVM builds a confidential VM from the hypervisor's
// request and registers it. Hart 0 boots from the requested state; the
// others start stopped, from reset state.
func (cd *ControlData) CreateConfidentialVM(l *memory.Layout, req transform.ConvertToConfidentialVM) (ConfidentialVMID, error) {
	n := req.Harts
	if n < 1 || n > cd.limits.MaxHartsPerVM {
		return 0, fmt.Errorf("%w: %d", smerr.ErrInvalidHartCount, n)
	}

	protector, err := memory.NewPageTable(l, req.State.CSRs.ReadCSR(riscv.Hgatp))
	if err != nil {
		return 0, err
	}

	harts := make([]*ConfidentialHart, n)
	for i := range harts {
		if i == 0 {
			harts[i] = FromVMHart(i, &req.State)
		} else {
			harts[i] = FromVMHartReset(i, &req.State)
		}
	}

	var measurements [MeasurementCount]Measurement

	var id ConfidentialVMID

	err = cd.TryWrite(func(w *Writer) error {
		uid, err := w.UniqueID()
		if err != nil {
			return err
		}

		id, err = w.Insert(NewConfidentialVM(uid, harts, measurements, protector, cd.limits.InterHartQueueCapacity))

		return err
	})
	if err != nil {
		protector.Release()

		return 0, err
	}

	cd.log.WithFields(logrus.Fields{"vm": id, "harts": n}).Info("created confidential VM")

	return id, nil
}

// RemoveConfidentialVM destroys VM id.
func (cd *ControlData) RemoveConfidentialVM(id ConfidentialVMID) error {
	if err := cd.TryWrite(func(w *Writer) error { return w.Remove(id) }); err != nil {
		return err
	}

	cd.log.WithField("vm", id).Info("removed confidential VM")

	return nil
}

// IDs lists the registered VMs in ascending order.
func (cd *ControlData) IDs() []ConfidentialVMID {
	cd.mu.RLock()
	defer cd.mu.RUnlock()

	ids := make([]ConfidentialVMID, 0, len(cd.vms))
	for id := range cd.vms {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Snapshot describes every registered VM.
func (cd *ControlData) Snapshot() []Snapshot {
	var snaps []Snapshot

	for _, id := range cd.IDs() {
		s, err := WithConfidentialVM(cd, id, func(vm *ConfidentialVM) (Snapshot, error) {
			return vm.Snapshot(), nil
		})
		if err != nil {
			// removed since listed
			continue
		}

		snaps = append(snaps, s)
	}

	return snaps
}
