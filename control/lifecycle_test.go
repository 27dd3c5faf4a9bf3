package control_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	states := []control.HartLifecycleState{control.Started, control.Suspended, control.Stopped, control.Shutdown}

	legal := map[[2]control.HartLifecycleState]bool{
		{control.Started, control.Suspended}:  true,
		{control.Started, control.Stopped}:    true,
		{control.Started, control.Shutdown}:   true,
		{control.Suspended, control.Started}:  true,
		{control.Suspended, control.Shutdown}: true,
		{control.Stopped, control.Started}:    true,
		{control.Stopped, control.Shutdown}:   true,
	}

	for _, from := range states {
		for _, to := range states {
			if have, want := from.CanTransition(to), legal[[2]control.HartLifecycleState{from, to}]; have != want {
				t.Errorf("%v -> %v have: %v, want: %v", from, to, have, want)
			}
		}
	}
}

// newHart returns a confidential hart in the given state, reached only
// through legal transitions.
func newHart(t *testing.T, s control.HartLifecycleState) *control.ConfidentialHart {
	t.Helper()

	h := control.FromVMHart(0, &riscv.HartState{CSRs: riscv.CSRMap{}})

	var err error

	switch s {
	case control.Started:
	case control.Suspended:
		err = h.TransitionFromStartedToSuspended(transform.HartSuspendRequest{ResumeAddress: 0x8000})
	case control.Stopped:
		err = h.TransitionFromStartedToStopped()
	case control.Shutdown:
		err = h.TransitionToShutdown()
	}

	if err != nil {
		t.Fatal(err)
	}

	return h
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()

	type transition struct {
		name string
		do   func(h *control.ConfidentialHart) error
		to   control.HartLifecycleState
	}

	suspend := transition{
		name: "suspend",
		do: func(h *control.ConfidentialHart) error {
			return h.TransitionFromStartedToSuspended(transform.HartSuspendRequest{})
		},
		to: control.Suspended,
	}
	resume := transition{name: "resume", do: (*control.ConfidentialHart).TransitionFromSuspendedToStarted, to: control.Started}
	stop := transition{name: "stop", do: (*control.ConfidentialHart).TransitionFromStartedToStopped, to: control.Stopped}
	start := transition{name: "start", do: (*control.ConfidentialHart).TransitionFromStoppedToStarted, to: control.Started}
	shutdown := transition{name: "shutdown", do: (*control.ConfidentialHart).TransitionToShutdown, to: control.Shutdown}

	for _, test := range []struct {
		from  control.HartLifecycleState
		trans transition
		ok    bool
	}{
		{from: control.Started, trans: suspend, ok: true},
		{from: control.Started, trans: resume},
		{from: control.Started, trans: stop, ok: true},
		{from: control.Started, trans: start},
		{from: control.Started, trans: shutdown, ok: true},
		{from: control.Suspended, trans: suspend},
		{from: control.Suspended, trans: resume, ok: true},
		{from: control.Suspended, trans: stop},
		{from: control.Suspended, trans: start},
		{from: control.Suspended, trans: shutdown, ok: true},
		{from: control.Stopped, trans: suspend},
		{from: control.Stopped, trans: resume},
		{from: control.Stopped, trans: stop},
		{from: control.Stopped, trans: start, ok: true},
		{from: control.Stopped, trans: shutdown, ok: true},
		{from: control.Shutdown, trans: suspend},
		{from: control.Shutdown, trans: resume},
		{from: control.Shutdown, trans: stop},
		{from: control.Shutdown, trans: start},
		{from: control.Shutdown, trans: shutdown},
	} {
		test := test

		t.Run(test.from.String()+"/"+test.trans.name, func(t *testing.T) {
			t.Parallel()

			h := newHart(t, test.from)
			err := test.trans.do(h)

			if test.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}

				if h.LifecycleState() != test.trans.to {
					t.Fatalf("have: %v, want: %v", h.LifecycleState(), test.trans.to)
				}

				return
			}

			if err == nil {
				t.Fatal("illegal transition succeeded")
			}

			var e *smerr.Error
			if !errors.As(err, &e) {
				t.Fatalf("illegal transition must be recoverable, have: %v", err)
			}

			if h.LifecycleState() != test.from {
				t.Fatalf("illegal transition changed state to %v", h.LifecycleState())
			}
		})
	}
}

func TestHartStatus(t *testing.T) {
	t.Parallel()

	for s, want := range map[control.HartLifecycleState]uint64{
		control.Started:   riscv.HartStatusStarted,
		control.Suspended: riscv.HartStatusSuspended,
		control.Stopped:   riscv.HartStatusStopped,
		control.Shutdown:  riscv.HartStatusStopped,
	} {
		if have := s.HartStatus(); have != want {
			t.Errorf("%v have: %d, want: %d", s, have, want)
		}
	}
}
