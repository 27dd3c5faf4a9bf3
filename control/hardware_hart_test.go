package control_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
	"github.com/google/go-cmp/cmp"
)

var errFirmware = errors.New("firmware rejected the IPI")

// fakeFirmware records IPIs and the mscratch installed while sending them.
type fakeFirmware struct {
	fail    bool
	masks   []uint64
	scratch []uint64
	cleared int
}

func (f *fakeFirmware) SendIPI(sender *control.HardwareHart, mask uint64) error {
	f.masks = append(f.masks, mask)
	f.scratch = append(f.scratch, sender.CSRs().ReadCSR(riscv.Mscratch))

	if f.fail {
		return errFirmware
	}

	return nil
}

func (f *fakeFirmware) ClearIPI(*control.HardwareHart) {
	f.cleared++
}

func TestPhaseExclusivity(t *testing.T) {
	t.Parallel()

	hh := control.NewHardwareHart(3, monitorTag, firmwareTag)
	hh.EnterPhase(control.PhaseConfidential)

	for _, test := range []struct {
		name string
		do   func()
	}{
		{name: "second confidential guard", do: func() { hh.EnterPhase(control.PhaseConfidential) }},
		{name: "non-confidential guard", do: func() { hh.EnterPhase(control.PhaseNonConfidential) }},
		{name: "leave wrong phase", do: func() { hh.LeavePhase(control.PhaseNonConfidential) }},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("%s: no panic", test.name)
				}
			}()

			test.do()
		}()
	}

	if hh.Phase() != control.PhaseConfidential {
		t.Fatalf("have: %v, want: %v", hh.Phase(), control.PhaseConfidential)
	}

	hh.SwitchPhase(control.PhaseConfidential, control.PhaseNonConfidential)
	hh.LeavePhase(control.PhaseNonConfidential)

	if hh.Phase() != control.PhaseNone {
		t.Fatalf("have: %v, want: %v", hh.Phase(), control.PhaseNone)
	}
}

func TestNewHardwareHartOutOfRange(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("no panic")
		}
	}()

	control.NewHardwareHart(control.MaxHardwareHarts, 0, 0)
}

// running creates a VM with n harts and executes hart i on hardware hart i
// for every i in executed.
func running(t *testing.T, cd *control.ControlData, n int, executed ...int) (control.ConfidentialVMID, []*control.HardwareHart) {
	t.Helper()

	id := createVM(t, cd, n)
	hhs := make([]*control.HardwareHart, n)

	for i := range hhs {
		hhs[i] = control.NewHardwareHart(i, monitorTag, firmwareTag)
	}

	for _, i := range executed {
		err := cd.TryConfidentialVM(id, func(vm *control.ConfidentialVM) error {
			if vm.ConfidentialHart(i).LifecycleState() == control.Stopped {
				if err := vm.ConfidentialHart(i).TransitionFromStoppedToStarted(); err != nil {
					return err
				}
			}

			return vm.StealConfidentialHart(i, hhs[i])
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	return id, hhs
}

func broadcast(cd *control.ControlData, id control.ConfidentialVMID, hh *control.HardwareHart,
	req transform.InterHartRequest, fw control.Firmware,
) error {
	return cd.TryConfidentialVM(id, func(vm *control.ConfidentialVM) error {
		return vm.BroadcastInterHartRequest(hh, req, fw)
	})
}

func TestBroadcastInterHartRequest(t *testing.T) {
	t.Parallel()

	cd := control.New(control.Limits{}, testLogger())
	id, hhs := running(t, cd, 4, 0, 2)
	fw := &fakeFirmware{}

	ipi := transform.InterHartIPI{Harts: transform.HartMask{Base: transform.AllHarts}}
	if err := broadcast(cd, id, hhs[0], ipi, fw); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]uint64{1 << 2}, fw.masks); diff != "" {
		t.Errorf("only hardware hart 2 executes a recipient (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]uint64{firmwareTag}, fw.scratch); diff != "" {
		t.Errorf("firmware called without its mscratch (-want +got):\n%s", diff)
	}

	if have := hhs[0].CSRs().ReadCSR(riscv.Mscratch); have != monitorTag {
		t.Errorf("mscratch not restored, have: %#x, want: %#x", have, monitorTag)
	}

	fence := transform.InterHartRemoteFenceI{Harts: transform.HartMask{Mask: 0b10}}
	if err := broadcast(cd, id, hhs[0], fence, fw); err != nil {
		t.Fatal(err)
	}

	if len(fw.masks) != 1 {
		t.Errorf("IPI sent for a recipient that is not running: %v", fw.masks)
	}

	err := cd.TryConfidentialVM(id, func(vm *control.ConfidentialVM) error {
		if n := vm.PendingInterHartRequests(0); n != 0 {
			t.Errorf("sender received its own broadcast %d times", n)
		}

		want := []transform.InterHartRequest{ipi, fence}
		if diff := cmp.Diff(want, vm.TakeInterHartRequests(1)); diff != "" {
			t.Errorf("queue of hart 1 is not FIFO (-want +got):\n%s", diff)
		}

		if reqs := vm.TakeInterHartRequests(1); len(reqs) != 0 {
			t.Errorf("queue not cleared: %v", reqs)
		}

		if diff := cmp.Diff([]transform.InterHartRequest{ipi}, vm.TakeInterHartRequests(3)); diff != "" {
			t.Errorf("queue of hart 3 mismatch (-want +got):\n%s", diff)
		}

		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBroadcastFailureRestoresMscratch(t *testing.T) {
	t.Parallel()

	cd := control.New(control.Limits{}, testLogger())
	id, hhs := running(t, cd, 2, 0, 1)
	fw := &fakeFirmware{fail: true}

	err := broadcast(cd, id, hhs[0], transform.InterHartIPI{Harts: transform.HartMask{Mask: 0b11}}, fw)
	if !errors.Is(err, smerr.ErrIPIDelivery) || !errors.Is(err, errFirmware) {
		t.Fatalf("have: %v, want: %v", err, smerr.ErrIPIDelivery)
	}

	if smerr.CodeOf(err) != smerr.Failed {
		t.Errorf("have: %v, want: %v", smerr.CodeOf(err), smerr.Failed)
	}

	if fw.scratch[0] != firmwareTag {
		t.Errorf("firmware called with mscratch %#x", fw.scratch[0])
	}

	if have := hhs[0].CSRs().ReadCSR(riscv.Mscratch); have != monitorTag {
		t.Fatalf("mscratch not restored, have: %#x, want: %#x", have, monitorTag)
	}

	if have := hhs[0].FirmwareScratch(); have != firmwareTag {
		t.Fatalf("firmware scratch lost, have: %#x, want: %#x", have, firmwareTag)
	}
}

func TestBroadcastQueueCapacity(t *testing.T) {
	t.Parallel()

	cd := control.New(control.Limits{InterHartQueueCapacity: 2}, testLogger())
	id, hhs := running(t, cd, 3, 0)
	fw := &fakeFirmware{}

	toHart2 := transform.InterHartIPI{Harts: transform.HartMask{Mask: 0b100}}
	toAll := transform.InterHartIPI{Harts: transform.HartMask{Base: transform.AllHarts}}

	for i := 0; i < 2; i++ {
		if err := broadcast(cd, id, hhs[0], toHart2, fw); err != nil {
			t.Fatal(err)
		}
	}

	if err := broadcast(cd, id, hhs[0], toAll, fw); !errors.Is(err, smerr.ErrInterHartRequestQueueFull) {
		t.Fatalf("have: %v, want: %v", err, smerr.ErrInterHartRequestQueueFull)
	}

	err := cd.TryConfidentialVM(id, func(vm *control.ConfidentialVM) error {
		if n := vm.PendingInterHartRequests(1); n != 0 {
			t.Errorf("partial broadcast queued %d requests for hart 1", n)
		}

		if n := vm.PendingInterHartRequests(2); n != 2 {
			t.Errorf("have: %d, want: 2", n)
		}

		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestConfidentialHartContext(t *testing.T) {
	t.Parallel()

	cd := control.New(control.Limits{}, testLogger())
	_, hhs := running(t, cd, 1, 0)
	hh := hhs[0]

	hh.LoadConfidentialHartContext()

	if hh.CSRs().ReadCSR(riscv.Mepc) != 0x8020_0000 || hh.GPRs().Get(riscv.A1) != 0x8220_0000 {
		t.Fatal("boot state not installed into the physical registers")
	}

	hh.GPRs().Set(riscv.A7, uint64(riscv.HSMExtension))
	hh.GPRs().Set(riscv.A6, uint64(riscv.HSMHartGetStatus))
	hh.CSRs().WriteCSR(riscv.Mcause, riscv.EcallFromVS)
	hh.StoreConfidentialHartContext()

	want := riscv.TrapReason{
		Kind:  riscv.TrapVsEcall,
		Cause: riscv.EcallFromVS,
		Call:  riscv.Call{Extension: riscv.HSMExtension, Function: riscv.HSMHartGetStatus},
	}
	if diff := cmp.Diff(want, hh.ConfidentialHart().TrapReason()); diff != "" {
		t.Fatalf("trap reason mismatch (-want +got):\n%s", diff)
	}

	hh.ConfidentialHart().Apply(transform.SbiResult{Value: 7})
	hh.LoadConfidentialHartContext()

	if hh.GPRs().Get(riscv.A1) != 7 || hh.CSRs().ReadCSR(riscv.Mepc) != 0x8020_0004 {
		t.Fatal("SBI result not applied")
	}
}

func TestBroadcastSystemResetIgnoresCapacity(t *testing.T) {
	t.Parallel()

	cd := control.New(control.Limits{InterHartQueueCapacity: 2}, testLogger())
	id, hhs := running(t, cd, 3, 0)
	fw := &fakeFirmware{}

	toHart2 := transform.InterHartIPI{Harts: transform.HartMask{Mask: 0b100}}

	for i := 0; i < 2; i++ {
		if err := broadcast(cd, id, hhs[0], toHart2, fw); err != nil {
			t.Fatal(err)
		}
	}

	if err := broadcast(cd, id, hhs[0], transform.InterHartSystemReset{}, fw); err != nil {
		t.Fatal(err)
	}

	err := cd.TryConfidentialVM(id, func(vm *control.ConfidentialVM) error {
		for _, hart := range []int{1, 2} {
			want := []transform.InterHartRequest{transform.InterHartSystemReset{}}
			if diff := cmp.Diff(want, vm.TakeInterHartRequests(hart)); diff != "" {
				t.Errorf("queue of hart %d mismatch (-want +got):\n%s", hart, diff)
			}
		}

		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLifecycleStateOfTakenHart(t *testing.T) {
	t.Parallel()

	cd := control.New(control.Limits{}, testLogger())
	id, hhs := running(t, cd, 2, 0)
	fw := &fakeFirmware{}

	with := func(fn func(vm *control.ConfidentialVM) error) error {
		return cd.TryConfidentialVM(id, fn)
	}

	status := func() uint64 {
		t.Helper()

		s, err := control.WithConfidentialVM(cd, id, func(vm *control.ConfidentialVM) (uint64, error) {
			return vm.HartStatus(1)
		})
		if err != nil {
			t.Fatal(err)
		}

		return s
	}

	start := func() error {
		return with(func(vm *control.ConfidentialVM) error {
			return vm.StartConfidentialHart(hhs[0], transform.HartStartRequest{HartID: 1, StartAddress: 0x8030_0000}, fw)
		})
	}

	// The hypervisor tries to run the stopped hart 1.
	if err := with(func(vm *control.ConfidentialVM) error { return vm.StealConfidentialHart(1, hhs[1]) }); err != nil {
		t.Fatal(err)
	}

	if have := status(); have != riscv.HartStatusStopped {
		t.Errorf("taken stopped hart: have: %d, want: %d", have, riscv.HartStatusStopped)
	}

	if err := start(); err != nil {
		t.Fatalf("start of a taken stopped hart: %v", err)
	}

	if have := status(); have != riscv.HartStatusStartPending {
		t.Errorf("have: %d, want: %d", have, riscv.HartStatusStartPending)
	}

	if err := start(); !errors.Is(err, smerr.ErrHartNotStopped) {
		t.Fatalf("second start: have: %v, want: %v", err, smerr.ErrHartNotStopped)
	}

	err := with(func(vm *control.ConfidentialVM) error {
		h := hhs[1].ConfidentialHart()
		for _, req := range vm.TakeInterHartRequests(1) {
			h.Apply(req.IntoExposeToConfidentialVM())
		}

		vm.PublishLifecycleState(hhs[1])

		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if have := status(); have != riscv.HartStatusStarted {
		t.Errorf("have: %d, want: %d", have, riscv.HartStatusStarted)
	}

	if err := start(); smerr.CodeOf(err) != smerr.AlreadyAvailable {
		t.Errorf("start of a started hart: have: %v, want: %v", err, smerr.AlreadyAvailable)
	}

	err = with(func(vm *control.ConfidentialVM) error {
		if err := hhs[1].ConfidentialHart().TransitionFromStartedToStopped(); err != nil {
			return err
		}

		vm.PublishLifecycleState(hhs[1])
		vm.ReturnConfidentialHart(hhs[1])

		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if have := status(); have != riscv.HartStatusStopped {
		t.Errorf("returned stopped hart: have: %d, want: %d", have, riscv.HartStatusStopped)
	}
}
