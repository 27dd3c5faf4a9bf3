package transform

import "fmt"

// AllHarts as HartMask.Base selects every hart of the VM.
const AllHarts = ^uint64(0)

// HartMask selects confidential harts the way SBI calls do: bit i of Mask
// selects hart Base+i.
type HartMask struct {
	Mask uint64
	Base uint64
}

// Contains reports whether hart id is selected.
func (m HartMask) Contains(id int) bool {
	if m.Base == AllHarts {
		return true
	}

	if id < 0 || uint64(id) < m.Base {
		return false
	}

	offset := uint64(id) - m.Base
	if offset >= 64 {
		return false
	}

	return m.Mask>>offset&1 == 1
}

func (m HartMask) String() string {
	if m.Base == AllHarts {
		return "all"
	}

	return fmt.Sprintf("%#x<<%d", m.Mask, m.Base)
}

// InterHartRequest is sent by one confidential hart to its siblings in the
// same VM. The recipient converts it into a transformation of its own state
// when it drains its queue.
//
// The set of implementations is closed: InterHartIPI, InterHartRemoteFenceI,
// InterHartRemoteSfenceVMA, InterHartRemoteSfenceVMAASID, InterHartHartStart
// and InterHartSystemReset.
type InterHartRequest interface {
	IsReceiver(hartID int) bool
	IntoExposeToConfidentialVM() ExposeToConfidentialVM
}

type InterHartIPI struct {
	Harts HartMask
}

type InterHartRemoteFenceI struct {
	Harts HartMask
}

type InterHartRemoteSfenceVMA struct {
	Harts HartMask
	Start uint64
	Size  uint64
}

type InterHartRemoteSfenceVMAASID struct {
	Harts HartMask
	Start uint64
	Size  uint64
	ASID  uint64
}

// InterHartHartStart starts a stopped hart.
type InterHartHartStart struct {
	Request HartStartRequest
}

// InterHartSystemReset shuts down every recipient.
type InterHartSystemReset struct{}

func (r InterHartIPI) IsReceiver(id int) bool                 { return r.Harts.Contains(id) }
func (r InterHartRemoteFenceI) IsReceiver(id int) bool        { return r.Harts.Contains(id) }
func (r InterHartRemoteSfenceVMA) IsReceiver(id int) bool     { return r.Harts.Contains(id) }
func (r InterHartRemoteSfenceVMAASID) IsReceiver(id int) bool { return r.Harts.Contains(id) }
func (r InterHartHartStart) IsReceiver(id int) bool           { return id >= 0 && uint64(id) == r.Request.HartID }
func (InterHartSystemReset) IsReceiver(int) bool              { return true }

func (InterHartIPI) IntoExposeToConfidentialVM() ExposeToConfidentialVM {
	return InjectIPI{}
}

func (InterHartRemoteFenceI) IntoExposeToConfidentialVM() ExposeToConfidentialVM {
	return FenceI{}
}

func (r InterHartRemoteSfenceVMA) IntoExposeToConfidentialVM() ExposeToConfidentialVM {
	return SfenceVMA{Start: r.Start, Size: r.Size}
}

func (r InterHartRemoteSfenceVMAASID) IntoExposeToConfidentialVM() ExposeToConfidentialVM {
	return SfenceVMA{Start: r.Start, Size: r.Size, ASID: r.ASID, HasASID: true}
}

func (r InterHartHartStart) IntoExposeToConfidentialVM() ExposeToConfidentialVM {
	return HartStart{Request: r.Request}
}

func (InterHartSystemReset) IntoExposeToConfidentialVM() ExposeToConfidentialVM {
	return SystemReset{}
}
