package memory

import (
	"fmt"
	"sort"

	"github.com/bobuhiro11/goace/riscv"
	"github.com/bobuhiro11/goace/smerr"
)

// Protector owns the second-stage address translation of one confidential
// VM. Walking and writing the page table itself is done by the register
// level implementation behind this interface.
//
// A Protector is not safe for concurrent use; it is only reached through
// the owning VM's lock.
type Protector interface {
	// Hgatp returns the value loaded into hgatp when a hart of the VM runs.
	Hgatp() uint64
	MapSharedPage(p *SharedPage) error
	UnmapSharedPage(addr ConfidentialVMPhysicalAddress) (*SharedPage, error)
	// Release gives back every page owned by the protector.
	Release()
}

// PageTable is the Protector used by the monitor. It validates the
// hypervisor-supplied translation configuration and keeps the directory of
// shared page mappings.
type PageTable struct {
	hgatp    uint64
	shared   map[ConfidentialVMPhysicalAddress]*SharedPage
	released bool
}

// NewPageTable builds the protector of a VM from the hgatp value the
// hypervisor configured for it. The root page table must be located in
// non-confidential memory, from where it is copied.
func NewPageTable(l *Layout, hgatp uint64) (*PageTable, error) {
	switch mode := hgatp >> riscv.HgatpModeShift; mode {
	case riscv.HgatpModeSv39x4, riscv.HgatpModeSv48x4, riscv.HgatpModeSv57x4:
	default:
		return nil, fmt.Errorf("%w: mode %d", smerr.ErrInvalidHgatp, mode)
	}

	root := (hgatp & riscv.HgatpPPNMask) << 12
	// The root of a x4 page table spans four pages and is 16KiB aligned.
	if root%(4*uint64(Size4KiB)) != 0 {
		return nil, fmt.Errorf("%w: root %#x is not 16KiB aligned", smerr.ErrInvalidHgatp, root)
	}

	if !l.IsInNonConfidentialRange(root, 4*uint64(Size4KiB)) {
		return nil, fmt.Errorf("%w: root %#x", smerr.ErrNotInNonConfidentialMemory, root)
	}

	return &PageTable{
		hgatp:  hgatp,
		shared: map[ConfidentialVMPhysicalAddress]*SharedPage{},
	}, nil
}

func (pt *PageTable) Hgatp() uint64 {
	return pt.hgatp
}

// MapSharedPage installs a mapping of p into the VM's address space.
func (pt *PageTable) MapSharedPage(p *SharedPage) error {
	if pt.released {
		return smerr.ErrProtectorReleased
	}

	addr := p.ConfidentialVMAddress()
	if !p.PageSize().IsAligned(uint64(addr)) {
		return fmt.Errorf("%w: %#x", smerr.ErrAddressNotAligned, uint64(addr))
	}

	want := NewRegion("shared", uint64(addr), p.PageSize().InBytes())
	for _, s := range pt.shared {
		if want.Overlaps(NewRegion("shared", uint64(s.ConfidentialVMAddress()), s.PageSize().InBytes())) {
			return fmt.Errorf("%w: %#x", smerr.ErrPageAlreadyShared, uint64(addr))
		}
	}

	pt.shared[addr] = p

	return nil
}

// UnmapSharedPage removes the mapping installed at addr.
func (pt *PageTable) UnmapSharedPage(addr ConfidentialVMPhysicalAddress) (*SharedPage, error) {
	if pt.released {
		return nil, smerr.ErrProtectorReleased
	}

	p, ok := pt.shared[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", smerr.ErrPageNotShared, uint64(addr))
	}

	delete(pt.shared, addr)

	return p, nil
}

// SharedPages lists the shared mappings ordered by guest address.
func (pt *PageTable) SharedPages() []*SharedPage {
	pages := make([]*SharedPage, 0, len(pt.shared))
	for _, p := range pt.shared {
		pages = append(pages, p)
	}

	sort.Slice(pages, func(i, j int) bool {
		return pages[i].ConfidentialVMAddress() < pages[j].ConfidentialVMAddress()
	})

	return pages
}

func (pt *PageTable) Release() {
	pt.shared = nil
	pt.released = true
}
