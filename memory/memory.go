// Package memory holds the monitor's view of physical memory: the layout
// splitting it into confidential and non-confidential regions, validated
// addresses in each region, shared pages and the memory protector
// interface of confidential VMs.
package memory

import (
	"fmt"

	"github.com/bobuhiro11/goace/smerr"
)

// Layout is the process-wide memory layout descriptor. It is built once
// at boot and is read-only afterwards, so it is safe for concurrent use.
//
//	+---------------------------+ NonConfidential.End()
//	|  non-confidential memory  |  owned by the hypervisor
//	+---------------------------+ NonConfidential.Start
//	           ...
//	+---------------------------+ Confidential.End()
//	|  confidential memory      |  owned by the monitor and confidential VMs
//	+---------------------------+ Confidential.Start
type Layout struct {
	Confidential    Region
	NonConfidential Region
}

// NewLayout validates and returns a layout. Both regions must be non-empty,
// aligned to 4KiB and disjoint.
func NewLayout(confidential, nonConfidential Region) (*Layout, error) {
	for _, r := range []Region{confidential, nonConfidential} {
		if !r.valid() {
			return nil, fmt.Errorf("%w: %v is empty or overflows", smerr.ErrInvalidMemoryLayout, r)
		}

		if r.Start%uint64(Size4KiB) != 0 || r.Size%uint64(Size4KiB) != 0 {
			return nil, fmt.Errorf("%w: %v is not page aligned", smerr.ErrInvalidMemoryLayout, r)
		}
	}

	if confidential.Overlaps(nonConfidential) {
		return nil, fmt.Errorf("%w: %v overlaps %v", smerr.ErrInvalidMemoryLayout, confidential, nonConfidential)
	}

	return &Layout{Confidential: confidential, NonConfidential: nonConfidential}, nil
}

// NonConfidentialAddress is an address proven to lie in non-confidential
// memory. The monitor never dereferences it.
type NonConfidentialAddress struct {
	addr uint64
}

func (a NonConfidentialAddress) Uint64() uint64 {
	return a.addr
}

// ConfidentialAddress is an address proven to lie in confidential memory.
type ConfidentialAddress struct {
	addr uint64
}

func (a ConfidentialAddress) Uint64() uint64 {
	return a.addr
}

// ConfidentialVMPhysicalAddress is a guest physical address of a
// confidential VM.
type ConfidentialVMPhysicalAddress uint64

// NonConfidentialAddress validates that addr lies in non-confidential memory.
func (l *Layout) NonConfidentialAddress(addr uint64) (NonConfidentialAddress, error) {
	if !l.NonConfidential.Contains(addr) {
		return NonConfidentialAddress{}, fmt.Errorf("%w: %#x", smerr.ErrNotInNonConfidentialMemory, addr)
	}

	return NonConfidentialAddress{addr: addr}, nil
}

// NonConfidentialAddressAtOffset returns a+offset if it is still in
// non-confidential memory.
func (l *Layout) NonConfidentialAddressAtOffset(a NonConfidentialAddress, offset uint64) (NonConfidentialAddress, error) {
	end := a.addr + offset
	if end < a.addr {
		return NonConfidentialAddress{}, fmt.Errorf("%w: %#x+%#x", smerr.ErrAddressOverflow, a.addr, offset)
	}

	return l.NonConfidentialAddress(end)
}

// ConfidentialAddress validates that addr lies in confidential memory.
func (l *Layout) ConfidentialAddress(addr uint64) (ConfidentialAddress, error) {
	if !l.Confidential.Contains(addr) {
		return ConfidentialAddress{}, fmt.Errorf("%w: %#x", smerr.ErrNotInConfidentialMemory, addr)
	}

	return ConfidentialAddress{addr: addr}, nil
}

// IsInNonConfidentialRange reports whether [addr, addr+size) lies in
// non-confidential memory.
func (l *Layout) IsInNonConfidentialRange(addr, size uint64) bool {
	return l.NonConfidential.ContainsRange(addr, size)
}
