package memory

import (
	"fmt"

	"github.com/bobuhiro11/goace/smerr"
)

// SharedPage is a page of non-confidential memory that a confidential VM
// asked to share with the hypervisor.
//
// The page is owned by the hypervisor, which may write to it at any time
// from any hart. SharedPage therefore only carries the page's address as a
// mapping directive for the confidential VM's memory protector: it exposes
// no way to read or write the page's contents.
type SharedPage struct {
	hypervisorAddress     NonConfidentialAddress
	confidentialVMAddress ConfidentialVMPhysicalAddress
	pageSize              PageSize
}

// NewSharedPage validates that the whole page starting at hypervisorAddress
// lies in non-confidential memory.
func NewSharedPage(l *Layout, hypervisorAddress uint64, confidentialVMAddress ConfidentialVMPhysicalAddress,
	size PageSize,
) (*SharedPage, error) {
	if size == 0 {
		return nil, fmt.Errorf("shared page: %w", smerr.ErrInvalidPageSize)
	}

	start, err := l.NonConfidentialAddress(hypervisorAddress)
	if err != nil {
		return nil, fmt.Errorf("shared page start: %w", err)
	}

	if _, err := l.NonConfidentialAddressAtOffset(start, size.InBytes()-1); err != nil {
		return nil, fmt.Errorf("shared page end: %w", err)
	}

	return &SharedPage{
		hypervisorAddress:     start,
		confidentialVMAddress: confidentialVMAddress,
		pageSize:              size,
	}, nil
}

func (p *SharedPage) NonConfidentialAddress() uint64 {
	return p.hypervisorAddress.Uint64()
}

func (p *SharedPage) ConfidentialVMAddress() ConfidentialVMPhysicalAddress {
	return p.confidentialVMAddress
}

func (p *SharedPage) PageSize() PageSize {
	return p.pageSize
}
