package memory

import (
	"fmt"

	"github.com/bobuhiro11/goace/smerr"
)

// PageSize is one of the page sizes supported by the second-stage address
// translation.
type PageSize uint64

const (
	Size4KiB   PageSize = 1 << 12
	Size2MiB   PageSize = 1 << 21
	Size1GiB   PageSize = 1 << 30
	Size512GiB PageSize = 1 << 39
)

// ParsePageSize validates a page size passed in a register.
func ParsePageSize(bytes uint64) (PageSize, error) {
	switch s := PageSize(bytes); s {
	case Size4KiB, Size2MiB, Size1GiB, Size512GiB:
		return s, nil
	default:
		return 0, fmt.Errorf("%w: %#x", smerr.ErrInvalidPageSize, bytes)
	}
}

func (s PageSize) InBytes() uint64 {
	return uint64(s)
}

// IsAligned reports whether addr is aligned to s.
func (s PageSize) IsAligned(addr uint64) bool {
	return addr&(uint64(s)-1) == 0
}

func (s PageSize) String() string {
	switch s {
	case Size4KiB:
		return "4KiB"
	case Size2MiB:
		return "2MiB"
	case Size1GiB:
		return "1GiB"
	case Size512GiB:
		return "512GiB"
	default:
		return fmt.Sprintf("PageSize(%#x)", uint64(s))
	}
}
