package riscv

import "fmt"

// ExtensionID is an SBI extension identifier, passed in a7.
type ExtensionID uint64

// FunctionID is an SBI function identifier, passed in a6.
type FunctionID uint64

const (
	BaseExtension   ExtensionID = 0x10
	IPIExtension    ExtensionID = 0x735049   // "sPI"
	RfenceExtension ExtensionID = 0x52464E43 // "RFNC"
	HSMExtension    ExtensionID = 0x48534D   // "HSM"
	SRSTExtension   ExtensionID = 0x53525354 // "SRST"
	COVHExtension   ExtensionID = 0x434F5648 // "COVH", hypervisor side
	COVGExtension   ExtensionID = 0x434F5647 // "COVG", confidential guest side
)

const (
	SpecVersion           = 0x02000000   // v2.0
	ImplementationID      = 0x676F616365 // "goace"
	ImplementationVersion = 1
)

// Base extension.
const (
	BaseGetSpecVersion FunctionID = iota
	BaseGetImplID
	BaseGetImplVersion
	BaseProbeExtension
	BaseGetMvendorID
	BaseGetMarchID
	BaseGetMimpID
)

// IPI extension.
const (
	IPISendIPI FunctionID = 0
)

// RFENCE extension.
const (
	RfenceRemoteFenceI FunctionID = iota
	RfenceRemoteSfenceVMA
	RfenceRemoteSfenceVMAASID
	RfenceRemoteHfenceGVMAVMID
	RfenceRemoteHfenceGVMA
	RfenceRemoteHfenceVVMAASID
	RfenceRemoteHfenceVVMA
)

// HSM extension.
const (
	HSMHartStart FunctionID = iota
	HSMHartStop
	HSMHartGetStatus
	HSMHartSuspend
)

// SRST extension.
const (
	SRSTSystemReset FunctionID = 0
)

// COVH extension, called by the hypervisor.
const (
	COVHPromoteToConfidentialVM FunctionID = iota
	COVHRunConfidentialHart
	COVHDestroyConfidentialVM
)

// COVG extension, called by confidential VMs.
const (
	COVGSharePage FunctionID = iota
	COVGUnsharePage
)

// HSM hart status values returned by HSMHartGetStatus.
const (
	HartStatusStarted uint64 = iota
	HartStatusStopped
	HartStatusStartPending
	HartStatusStopPending
	HartStatusSuspended
	HartStatusSuspendPending
	HartStatusResumePending
)

// HSM suspend types.
const (
	SuspendRetentive    uint64 = 0x00000000
	SuspendNonRetentive uint64 = 0x80000000
)

var extensionNames = map[ExtensionID]string{
	BaseExtension:   "Base",
	IPIExtension:    "IPI",
	RfenceExtension: "RFENCE",
	HSMExtension:    "HSM",
	SRSTExtension:   "SRST",
	COVHExtension:   "COVH",
	COVGExtension:   "COVG",
}

func (e ExtensionID) String() string {
	if name, ok := extensionNames[e]; ok {
		return name
	}

	return fmt.Sprintf("ExtensionID(%#x)", uint64(e))
}

// Call identifies an SBI function.
type Call struct {
	Extension ExtensionID
	Function  FunctionID
}

func (c Call) String() string {
	return fmt.Sprintf("%s/%d", c.Extension, c.Function)
}

// CallFrom reads the SBI call identifiers from the argument registers.
func CallFrom(g *GPRs) Call {
	return Call{Extension: ExtensionID(g.Get(A7)), Function: FunctionID(g.Get(A6))}
}
