package transform

// PendingRequest is a request a confidential hart left for the hypervisor.
// It is taken exactly once when the hart resumes.
//
// The set of implementations is closed: PendingSbiRequest,
// PendingLoadPageFault, PendingStorePageFault, PendingSharePage and
// PendingHartStart.
type PendingRequest interface {
	isPendingRequest()
}

type PendingSbiRequest struct{}

type PendingLoadPageFault struct {
	Request LoadPageFaultRequest
}

type PendingStorePageFault struct {
	Request StorePageFaultRequest
}

type PendingSharePage struct {
	Request SharePageRequest
}

// PendingHartStart waits for the hypervisor to schedule the started hart.
type PendingHartStart struct{}

func (PendingSbiRequest) isPendingRequest()     {}
func (PendingLoadPageFault) isPendingRequest()  {}
func (PendingStorePageFault) isPendingRequest() {}
func (PendingSharePage) isPendingRequest()      {}
func (PendingHartStart) isPendingRequest()      {}
