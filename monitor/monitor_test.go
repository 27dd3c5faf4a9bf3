package monitor_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/bobuhiro11/goace/audit"
	"github.com/bobuhiro11/goace/flag"
	"github.com/bobuhiro11/goace/monitor"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/sirupsen/logrus"
)

func newMonitor(t *testing.T, harts int, w io.Writer) *monitor.Monitor {
	t.Helper()

	c := flag.DefaultConfig()
	c.Harts = harts
	c.MaxHartsPerVM = harts

	log := logrus.New()
	log.SetOutput(io.Discard)

	m := monitor.New(c, log)
	if w != nil {
		m.SetAudit(w)
	}

	if err := m.Init(); err != nil {
		t.Fatal(err)
	}

	return m
}

func TestBootDemoProgram(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 4} {
		n := n
		t.Run(fmt.Sprintf("%d harts", n), func(t *testing.T) {
			t.Parallel()

			m := newMonitor(t, 4, nil)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			prog := monitor.DemoProgram(n, 0x8020_0000)

			report, err := m.Boot(ctx, prog)
			if err != nil {
				t.Fatal(err)
			}

			for id := range prog {
				if have, want := report.Steps[id], len(prog[id]); have != want {
					t.Errorf("hart %d steps have: %d, want: %d", id, have, want)
				}
			}

			if have := m.ControlData().IDs(); len(have) != 0 {
				t.Errorf("VM not destroyed: %v", have)
			}

			if report.Metrics.VMsCreated != 1 || report.Metrics.VMsRemoved != 1 {
				t.Errorf("have: %+v", report.Metrics)
			}

			if report.Metrics.ExitsToConfidentialHart == 0 {
				t.Error("no exits to confidential harts")
			}
		})
	}
}

func TestBootTwice(t *testing.T) {
	t.Parallel()

	m := newMonitor(t, 2, nil)
	prog := monitor.DemoProgram(2, 0x8020_0000)

	first, err := m.Boot(context.Background(), prog)
	if err != nil {
		t.Fatal(err)
	}

	second, err := m.Boot(context.Background(), prog)
	if err != nil {
		t.Fatal(err)
	}

	if first.VM == second.VM {
		t.Errorf("VM id %d reused", first.VM)
	}
}

func TestBootProgramTooLarge(t *testing.T) {
	t.Parallel()

	m := newMonitor(t, 2, nil)

	if _, err := m.Boot(context.Background(), monitor.DemoProgram(3, 0x8020_0000)); err == nil {
		t.Fatal("program for 3 harts booted on 2")
	}

	if _, err := m.Boot(context.Background(), nil); err == nil {
		t.Fatal("empty program booted")
	}
}

func TestBootWithoutReset(t *testing.T) {
	t.Parallel()

	m := newMonitor(t, 2, nil)

	// hart 1 is never started and hart 0 stops itself.
	prog := monitor.Program{
		{{Kind: monitor.StepCall, Call: riscv.Call{Extension: riscv.HSMExtension, Function: riscv.HSMHartStop}}},
		{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if _, err := m.Boot(ctx, prog); err == nil {
		t.Fatal("stopped hart never started but Boot succeeded")
	}

	if have := m.ControlData().IDs(); len(have) != 0 {
		t.Errorf("VM not destroyed: %v", have)
	}
}

func TestBootAudit(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	m := newMonitor(t, 2, &buf)

	if _, err := m.Boot(context.Background(), monitor.DemoProgram(2, 0x8020_0000)); err != nil {
		t.Fatal(err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	recs, err := audit.ReadAll(&buf)
	if err != nil {
		t.Fatal(err)
	}

	var toHypervisor, toConfidential int

	for _, rec := range recs {
		switch rec.Direction {
		case audit.ToHypervisor:
			toHypervisor++
		case audit.ToConfidentialHart:
			toConfidential++
		}
	}

	m2 := m.Router().Metrics()
	if uint64(toHypervisor) != m2.ExitsToHypervisor || uint64(toConfidential) != m2.ExitsToConfidentialHart {
		t.Errorf("have: %d/%d records, want: %+v", toHypervisor, toConfidential, m2)
	}
}
