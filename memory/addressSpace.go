package memory

import "fmt"

// Region is a contiguous range of physical memory [Start, Start+Size).
type Region struct {
	Name  string
	Start uint64
	Size  uint64
}

func NewRegion(name string, start, size uint64) Region {
	return Region{
		Name:  name,
		Start: start,
		Size:  size,
	}
}

// End returns the first address past the region.
func (r Region) End() uint64 {
	return r.Start + r.Size
}

// Contains reports whether addr lies in r.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Start && addr-r.Start < r.Size
}

// ContainsRange reports whether [addr, addr+size) lies in r.
func (r Region) ContainsRange(addr, size uint64) bool {
	if size == 0 || !r.Contains(addr) {
		return false
	}

	return size-1 <= r.Size-1-(addr-r.Start)
}

// Overlaps reports whether r and o share at least one address.
func (r Region) Overlaps(o Region) bool {
	return r.Start < o.End() && o.Start < r.End()
}

func (r Region) valid() bool {
	return r.Size > 0 && r.Start+r.Size > r.Start
}

func (r Region) String() string {
	return fmt.Sprintf("%s[%#x-%#x)", r.Name, r.Start, r.End())
}
