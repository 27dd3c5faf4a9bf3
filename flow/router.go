// Package flow implements the monitor's control flow: the confidential and
// non-confidential flow guards over a hardware hart, the dispatch of traps
// to handlers and the handlers themselves.
//
// Every handler ends by consuming its guard with one of the exit functions,
// which return the Exit value the handler must return. A hardware hart is
// covered by at most one guard at a time.
package flow

import (
	"fmt"
	"sort"

	"github.com/bobuhiro11/goace/audit"
	"github.com/bobuhiro11/goace/control"
	"github.com/bobuhiro11/goace/memory"
	"github.com/bobuhiro11/goace/riscv"
	"github.com/sirupsen/logrus"
)

// Auditor receives a record of every exit.
type Auditor interface {
	Record(rec *audit.Record) error
}

// Exit is the result of a terminal flow operation. It tells the platform
// which world the hardware hart returns to.
type Exit struct {
	direction audit.Direction
}

func (e Exit) Direction() audit.Direction {
	return e.direction
}

// ToHypervisor reports whether the hart returns to the hypervisor.
func (e Exit) ToHypervisor() bool {
	return e.direction == audit.ToHypervisor
}

type (
	confidentialHandler    func(f *ConfidentialFlow) Exit
	nonConfidentialHandler func(nf *NonConfidentialFlow) Exit
)

// Config configures a Router.
type Config struct {
	ControlData *control.ControlData
	Layout      *memory.Layout
	Firmware    control.Firmware
	Log         *logrus.Logger
	// Audit may be nil.
	Audit Auditor
	// DefaultHarts is the number of harts of a confidential VM whose
	// creator does not ask for a number.
	DefaultHarts int
}

// Router dispatches traps of hardware harts to handlers.
type Router struct {
	controlData  *control.ControlData
	layout       *memory.Layout
	firmware     control.Firmware
	log          *logrus.Logger
	audit        Auditor
	defaultHarts int
	metrics      metrics

	confidentialTraps map[riscv.TrapKind]confidentialHandler
	confidentialCalls map[riscv.Call]confidentialHandler
	hypervisorCalls   map[riscv.Call]nonConfidentialHandler
}

func NewRouter(c Config) *Router {
	r := &Router{
		controlData:  c.ControlData,
		layout:       c.Layout,
		firmware:     c.Firmware,
		log:          c.Log,
		audit:        c.Audit,
		defaultHarts: c.DefaultHarts,
	}

	if r.log == nil {
		r.log = logrus.StandardLogger()
	}

	if r.defaultHarts <= 0 {
		r.defaultHarts = 2
	}

	r.initHandlers()

	return r
}

// initHandlers builds the dispatch tables. VS-mode ecalls missing from
// confidentialCalls are answered as invalid calls, since the identifiers
// are chosen by the guest. Other traps missing from confidentialTraps
// mean the trap delegation is misconfigured.
func (r *Router) initHandlers() {
	r.confidentialTraps = map[riscv.TrapKind]confidentialHandler{
		riscv.TrapInterrupt:           handleInterrupt,
		riscv.TrapGuestLoadPageFault:  handleLoadPageFault,
		riscv.TrapGuestStorePageFault: handleStorePageFault,
		riscv.TrapVirtualInstruction:  handleVirtualInstruction,
	}

	call := func(ext riscv.ExtensionID, fid riscv.FunctionID) riscv.Call {
		return riscv.Call{Extension: ext, Function: fid}
	}

	r.confidentialCalls = map[riscv.Call]confidentialHandler{
		call(riscv.COVGExtension, riscv.COVGSharePage):   handleSharePage,
		call(riscv.COVGExtension, riscv.COVGUnsharePage): handleUnsharePage,

		call(riscv.BaseExtension, riscv.BaseGetSpecVersion): handleHypercall,
		call(riscv.BaseExtension, riscv.BaseGetImplID):      handleHypercall,
		call(riscv.BaseExtension, riscv.BaseGetImplVersion): handleHypercall,
		call(riscv.BaseExtension, riscv.BaseProbeExtension): handleProbeExtension,
		call(riscv.BaseExtension, riscv.BaseGetMvendorID):   handleHypercall,
		call(riscv.BaseExtension, riscv.BaseGetMarchID):     handleHypercall,
		call(riscv.BaseExtension, riscv.BaseGetMimpID):      handleHypercall,

		call(riscv.IPIExtension, riscv.IPISendIPI): handleSendIPI,

		call(riscv.RfenceExtension, riscv.RfenceRemoteFenceI):         handleRemoteFenceI,
		call(riscv.RfenceExtension, riscv.RfenceRemoteSfenceVMA):      handleRemoteSfenceVMA,
		call(riscv.RfenceExtension, riscv.RfenceRemoteSfenceVMAASID):  handleRemoteSfenceVMAASID,
		call(riscv.RfenceExtension, riscv.RfenceRemoteHfenceGVMAVMID): handleRfenceNop,
		call(riscv.RfenceExtension, riscv.RfenceRemoteHfenceGVMA):     handleRfenceNop,
		call(riscv.RfenceExtension, riscv.RfenceRemoteHfenceVVMAASID): handleRfenceNop,
		call(riscv.RfenceExtension, riscv.RfenceRemoteHfenceVVMA):     handleRfenceNop,

		call(riscv.HSMExtension, riscv.HSMHartStart):     handleHartStart,
		call(riscv.HSMExtension, riscv.HSMHartStop):      handleHartStop,
		call(riscv.HSMExtension, riscv.HSMHartSuspend):   handleHartSuspend,
		call(riscv.HSMExtension, riscv.HSMHartGetStatus): handleHartStatus,

		call(riscv.SRSTExtension, riscv.SRSTSystemReset): handleSystemReset,
	}

	r.hypervisorCalls = map[riscv.Call]nonConfidentialHandler{
		call(riscv.COVHExtension, riscv.COVHPromoteToConfidentialVM): handlePromoteToConfidentialVM,
		call(riscv.COVHExtension, riscv.COVHRunConfidentialHart):     handleRunConfidentialHart,
		call(riscv.COVHExtension, riscv.COVHDestroyConfidentialVM):   handleDestroyConfidentialVM,
	}
}

// RouteConfidentialFlow handles a trap of the confidential hart executed by
// hh. It is the monitor's trap entry from the confidential world.
func (r *Router) RouteConfidentialFlow(hh *control.HardwareHart) Exit {
	if hh == nil {
		panic("Bug: trap entry without a hardware hart")
	}

	f := r.newConfidentialFlow(hh)
	hh.StoreConfidentialHartContext()

	reason := f.hart().TrapReason()
	f.logger().WithField("trap", reason).Debug("route confidential flow")

	if reason.Kind == riscv.TrapVsEcall {
		h, ok := r.confidentialCalls[reason.Call]
		if !ok {
			h = handleInvalidCall
		}

		return h(f)
	}

	h, ok := r.confidentialTraps[reason.Kind]
	if !ok {
		panic(fmt.Sprintf("Bug: incorrect interrupt delegation configuration: %v", reason))
	}

	return h(f)
}

// RouteNonConfidentialFlow handles a call of the hypervisor running on hh.
// It is the monitor's trap entry from the non-confidential world.
func (r *Router) RouteNonConfidentialFlow(hh *control.HardwareHart) Exit {
	if hh == nil {
		panic("Bug: trap entry without a hardware hart")
	}

	nf := r.newNonConfidentialFlow(hh)
	hh.StoreHypervisorContext()

	reason := hh.HypervisorCall()
	nf.logger().WithField("trap", reason).Debug("route non-confidential flow")

	if reason.Kind != riscv.TrapHsEcall {
		panic(fmt.Sprintf("Bug: incorrect interrupt delegation configuration: %v", reason))
	}

	h, ok := r.hypervisorCalls[reason.Call]
	if !ok {
		h = handleUnknownHypervisorCall
	}

	return h(nf)
}

// ConfidentialCalls lists the SBI calls confidential harts can make.
func (r *Router) ConfidentialCalls() []riscv.Call {
	return sortedCalls(r.confidentialCalls)
}

// HypervisorCalls lists the calls the hypervisor can make.
func (r *Router) HypervisorCalls() []riscv.Call {
	return sortedCalls(r.hypervisorCalls)
}

// ConfidentialTraps lists the trap kinds, other than VS-mode ecalls,
// handled for confidential harts.
func (r *Router) ConfidentialTraps() []riscv.TrapKind {
	kinds := make([]riscv.TrapKind, 0, len(r.confidentialTraps)+1)
	kinds = append(kinds, riscv.TrapVsEcall)

	for k := range r.confidentialTraps {
		kinds = append(kinds, k)
	}

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	return kinds
}

// SupportedExtensions lists the SBI extensions implemented for confidential
// harts.
func (r *Router) SupportedExtensions() []riscv.ExtensionID {
	seen := map[riscv.ExtensionID]bool{}

	var exts []riscv.ExtensionID

	for _, c := range r.ConfidentialCalls() {
		if !seen[c.Extension] {
			seen[c.Extension] = true
			exts = append(exts, c.Extension)
		}
	}

	return exts
}

func sortedCalls[H any](table map[riscv.Call]H) []riscv.Call {
	calls := make([]riscv.Call, 0, len(table))
	for c := range table {
		calls = append(calls, c)
	}

	sort.Slice(calls, func(i, j int) bool {
		if calls[i].Extension != calls[j].Extension {
			return calls[i].Extension < calls[j].Extension
		}

		return calls[i].Function < calls[j].Function
	})

	return calls
}
