package transform_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
	"github.com/google/go-cmp/cmp"
)

func TestHartMask(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		mask transform.HartMask
		id   int
		want bool
	}{
		{name: "all", mask: transform.HartMask{Base: transform.AllHarts}, id: 7, want: true},
		{name: "bit 0", mask: transform.HartMask{Mask: 0b1}, id: 0, want: true},
		{name: "bit 1 unset", mask: transform.HartMask{Mask: 0b1}, id: 1},
		{name: "based", mask: transform.HartMask{Mask: 0b10, Base: 2}, id: 3, want: true},
		{name: "below base", mask: transform.HartMask{Mask: 0b11, Base: 2}, id: 1},
		{name: "far above base", mask: transform.HartMask{Mask: ^uint64(0), Base: 1}, id: 65},
		{name: "negative", mask: transform.HartMask{Base: 0, Mask: 1}, id: -1},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if have := test.mask.Contains(test.id); have != test.want {
				t.Errorf("%v.Contains(%d) have: %v, want: %v", test.mask, test.id, have, test.want)
			}
		})
	}
}

func TestInterHartRequests(t *testing.T) {
	t.Parallel()

	start := transform.InterHartHartStart{Request: transform.HartStartRequest{HartID: 1, StartAddress: 0x8020_0000}}
	if !start.IsReceiver(1) || start.IsReceiver(0) {
		t.Error("hart start must only be received by its target")
	}

	if !(transform.InterHartSystemReset{}).IsReceiver(3) {
		t.Error("system reset must be received by every hart")
	}

	for _, test := range []struct {
		req  transform.InterHartRequest
		want transform.ExposeToConfidentialVM
	}{
		{req: transform.InterHartIPI{}, want: transform.InjectIPI{}},
		{req: transform.InterHartRemoteFenceI{}, want: transform.FenceI{}},
		{req: transform.InterHartRemoteSfenceVMA{Start: 1, Size: 2}, want: transform.SfenceVMA{Start: 1, Size: 2}},
		{
			req:  transform.InterHartRemoteSfenceVMAASID{Start: 1, Size: 2, ASID: 3},
			want: transform.SfenceVMA{Start: 1, Size: 2, ASID: 3, HasASID: true},
		},
		{req: start, want: transform.HartStart{Request: start.Request}},
		{req: transform.InterHartSystemReset{}, want: transform.SystemReset{}},
	} {
		if diff := cmp.Diff(test.want, test.req.IntoExposeToConfidentialVM()); diff != "" {
			t.Errorf("%T mismatch (-want +got):\n%s", test.req, diff)
		}
	}
}

func TestExposeToHypervisor(t *testing.T) {
	t.Parallel()

	var g riscv.GPRs

	g.Set(riscv.A7, 0xdead)

	transform.HypervisorLoadPageFault{Address: 0x1000_0000, Instruction: 0x00052783}.WriteTo(&g)

	want := map[riscv.GPR]uint64{
		riscv.A0: 0,
		riscv.A1: uint64(transform.ExitLoadPageFault),
		riscv.A2: 0x1000_0000,
		riscv.A3: 0x00052783,
		riscv.A7: 0,
	}

	for r, v := range want {
		if g.Get(r) != v {
			t.Errorf("x%d have: %#x, want: %#x", r, g.Get(r), v)
		}
	}

	transform.HypervisorError(smerr.ErrInvalidHgatp).WriteTo(&g)

	if smerr.Code(int64(g.Get(riscv.A0))) != smerr.InvalidParam {
		t.Errorf("have: %v, want: %v", smerr.Code(int64(g.Get(riscv.A0))), smerr.InvalidParam)
	}
}

func TestSbiError(t *testing.T) {
	t.Parallel()

	if r := transform.SbiError(errors.New("boom")); r.Code != smerr.Failed {
		t.Errorf("have: %v, want: %v", r.Code, smerr.Failed)
	}

	if r := transform.SbiError(smerr.ErrInterHartRequestQueueFull); r.Code == smerr.Success {
		t.Error("queue full must not be reported as success")
	}

	suspend := transform.HartSuspendRequest{SuspendType: riscv.SuspendNonRetentive}
	if suspend.Retentive() {
		t.Error("non-retentive suspend reported as retentive")
	}
}
