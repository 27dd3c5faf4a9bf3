package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/goace/flow"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
	"github.com/bobuhiro11/goace/transform"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	startPollInterval = time.Millisecond
	maxStartPolls     = 5000
)

var (
	errProgramSize = errors.New("program does not fit the platform")
	errVMReset     = errors.New("confidential VM was reset")
)

func codeOf(a0 uint64) smerr.Code {
	return smerr.Code(int64(a0))
}

// Report summarizes a Boot.
type Report struct {
	VM uint64
	// Steps is how many steps of its program each confidential hart took.
	Steps   []int
	Metrics flow.Metrics
}

// vmRun is a confidential VM being run by the simulated hypervisor.
type vmRun struct {
	m     *Monitor
	vm    uint64
	prog  Program
	steps []int
	reset atomic.Bool
}

// Boot promotes a confidential VM with one hart per program entry and runs
// confidential hart i on hardware hart i until the VM resets or every hart
// stops. The VM is destroyed before Boot returns.
func (m *Monitor) Boot(ctx context.Context, prog Program) (*Report, error) {
	if len(prog) == 0 || len(prog) > len(m.harts) || len(prog) > m.MaxHartsPerVM {
		return nil, fmt.Errorf("%w: %d confidential harts on %d hardware harts", errProgramSize, len(prog), len(m.harts))
	}

	vm, err := m.promote(len(prog))
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{"vm": vm, "harts": len(prog)}).Info("confidential VM created")

	r := &vmRun{m: m, vm: vm, prog: prog, steps: make([]int, len(prog))}

	g, ctx := errgroup.WithContext(ctx)
	for id := range prog {
		id := id

		g.Go(func() error {
			return r.runHart(ctx, id)
		})
	}

	err = g.Wait()

	if derr := m.destroy(vm); derr != nil {
		if err == nil {
			err = derr
		} else {
			m.log.WithError(derr).Warn("destroy after failure")
		}
	}

	return &Report{VM: vm, Steps: r.steps, Metrics: m.router.Metrics()}, err
}

// runHart is the goroutine of hardware hart id.
func (r *vmRun) runHart(ctx context.Context, id int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	log := r.m.log.WithFields(logrus.Fields{"vm": r.vm, "hart": id})

	if err := pin(id); err != nil {
		log.WithError(err).Debug("pin hart")
	}

	h := r.m.harts[id]

	exit, err := r.start(ctx, h, id)
	if errors.Is(err, errVMReset) {
		log.Debug("reset before start")

		return nil
	}

	if err != nil {
		return err
	}

	prog := r.prog[id]

	for {
		for exit.ToHypervisor() {
			var done bool
			if exit, done = r.serve(h, id, log); done {
				return nil
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-h.ipi:
			exit = h.interrupt()

			continue
		default:
		}

		if r.steps[id] < len(prog) {
			s := prog[r.steps[id]]

			exit = h.take(s)
			if !exit.ToHypervisor() && !s.satisfied(h.hh.GPRs()) {
				time.Sleep(startPollInterval)

				continue
			}

			r.steps[id]++

			if !exit.ToHypervisor() && s.Kind == StepCall {
				log.WithFields(logrus.Fields{
					"a0": codeOf(h.reg(riscv.A0)),
					"a1": fmt.Sprintf("%#x", h.reg(riscv.A1)),
				}).Debug(s)
			}

			continue
		}

		select {
		case <-h.ipi:
			exit = h.interrupt()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// start runs confidential hart id for the first time. Harts other than the
// boot hart are polled until a sibling starts them.
func (r *vmRun) start(ctx context.Context, h *hart, id int) (flow.Exit, error) {
	var exit flow.Exit

	op := func() error {
		if r.reset.Load() {
			return backoff.Permanent(errVMReset)
		}

		exit = h.hypervisorCall(riscv.COVHRunConfidentialHart, r.vm, uint64(id))
		if !exit.ToHypervisor() {
			return nil
		}

		switch code := codeOf(h.reg(riscv.A0)); code {
		case smerr.Success:
			return nil
		case smerr.Denied:
			return fmt.Errorf("run confidential hart %d: %v", id, code)
		default:
			return backoff.Permanent(fmt.Errorf("run confidential hart %d: %v", id, code))
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(startPollInterval), maxStartPolls), ctx)

	return exit, backoff.Retry(op, b)
}

// serve handles an exit of confidential hart id to the hypervisor and runs
// the hart again. done reports that the hart left the VM.
func (r *vmRun) serve(h *hart, id int, log logrus.FieldLogger) (exit flow.Exit, done bool) {
	if code := codeOf(h.reg(riscv.A0)); code != smerr.Success {
		log.WithField("code", code).Info("confidential hart left")

		return exit, true
	}

	var code smerr.Code
	var value uint64

	reason := transform.ExitReason(h.reg(riscv.A1))
	log.WithField("reason", reason).Debug("exit to hypervisor")

	switch reason {
	case transform.ExitSbiRequest:
		call := riscv.Call{
			Extension: riscv.ExtensionID(h.reg(riscv.A2)),
			Function:  riscv.FunctionID(h.reg(riscv.A3)),
		}

		switch {
		case call.Extension == riscv.SRSTExtension:
			r.reset.Store(true)
			log.Info("system reset")

			return exit, true
		case call.Extension == riscv.HSMExtension && call.Function == riscv.HSMHartStop:
			log.Info("confidential hart stopped")

			return exit, true
		case call.Extension == riscv.HSMExtension:
		case call.Extension == riscv.BaseExtension:
			value = baseValue(call.Function)
		default:
			code = smerr.NotSupported
		}
	case transform.ExitSharePage:
		addr, err := r.m.pool.alloc(h.reg(riscv.A3))
		if err != nil {
			log.WithError(err).Warn("share page")

			code = smerr.Failed
		}

		value = addr
	case transform.ExitLoadPageFault:
		value = r.m.device.load(log, h.reg(riscv.A2))
	case transform.ExitStorePageFault:
		r.m.device.store(log, h.reg(riscv.A2), h.reg(riscv.A3))
	case transform.ExitInterrupt:
	default:
		log.WithField("reason", reason).Warn("unknown exit reason")
	}

	return h.hypervisorCall(riscv.COVHRunConfidentialHart, r.vm, uint64(id), code.Register(), value), false
}

func baseValue(fid riscv.FunctionID) uint64 {
	switch fid {
	case riscv.BaseGetSpecVersion:
		return riscv.SpecVersion
	case riscv.BaseGetImplID:
		return riscv.ImplementationID
	case riscv.BaseGetImplVersion:
		return riscv.ImplementationVersion
	default:
		return 0
	}
}
