// Package smerr defines the recoverable errors of the security monitor.
//
// Every error carries the SBI error code that is reported back to the
// confidential VM or to the hypervisor when the error crosses the boundary
// between the two worlds.
package smerr

import (
	"errors"
	"fmt"
)

// Code is an SBI error code as returned in a0.
type Code int64

const (
	Success          Code = 0
	Failed           Code = -1
	NotSupported     Code = -2
	InvalidParam     Code = -3
	Denied           Code = -4
	InvalidAddress   Code = -5
	AlreadyAvailable Code = -6
	AlreadyStarted   Code = -7
	AlreadyStopped   Code = -8
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SBI_SUCCESS"
	case Failed:
		return "SBI_ERR_FAILED"
	case NotSupported:
		return "SBI_ERR_NOT_SUPPORTED"
	case InvalidParam:
		return "SBI_ERR_INVALID_PARAM"
	case Denied:
		return "SBI_ERR_DENIED"
	case InvalidAddress:
		return "SBI_ERR_INVALID_ADDRESS"
	case AlreadyAvailable:
		return "SBI_ERR_ALREADY_AVAILABLE"
	case AlreadyStarted:
		return "SBI_ERR_ALREADY_STARTED"
	case AlreadyStopped:
		return "SBI_ERR_ALREADY_STOPPED"
	default:
		return fmt.Sprintf("Code(%d)", int64(c))
	}
}

// Register returns the code as the raw a0 register value.
func (c Code) Register() uint64 {
	return uint64(c)
}

// Error is a recoverable monitor error.
type Error struct {
	Code    Code
	message string
}

// New returns an error reported with the given SBI code.
func New(code Code, message string) *Error {
	return &Error{Code: code, message: message}
}

func (e *Error) Error() string {
	return "sm: " + e.message
}

var (
	ErrNotInNonConfidentialMemory = New(InvalidAddress, "address is not in non-confidential memory")
	ErrNotInConfidentialMemory    = New(InvalidAddress, "address is not in confidential memory")
	ErrAddressOverflow            = New(InvalidAddress, "address arithmetic overflows")
	ErrAddressNotAligned          = New(InvalidAddress, "address is not aligned to the page size")
	ErrInvalidPageSize            = New(InvalidParam, "unsupported page size")
	ErrPageAlreadyShared          = New(AlreadyAvailable, "page is already shared with the hypervisor")
	ErrPageNotShared              = New(InvalidAddress, "page is not shared with the hypervisor")
	ErrInvalidMemoryLayout        = New(Failed, "invalid memory layout")
	ErrInvalidHgatp               = New(InvalidParam, "unsupported second-stage address translation")
	ErrProtectorReleased          = New(Failed, "memory protector has been released")

	ErrInvalidConfidentialVMID   = New(InvalidParam, "confidential VM does not exist")
	ErrTooManyConfidentialVMs    = New(Failed, "no free confidential VM identifier")
	ErrConfidentialVMRunning     = New(Denied, "confidential VM has harts running")
	ErrInvalidConfidentialHartID = New(InvalidParam, "confidential hart does not exist")
	ErrInvalidHartCount          = New(InvalidParam, "invalid number of confidential harts")

	ErrHartAlreadyRunning         = New(AlreadyAvailable, "confidential hart is already running")
	ErrHartShutdown               = New(Denied, "confidential hart is shut down")
	ErrHartNotExecutable          = New(Denied, "confidential hart is not started")
	ErrHartAlreadyStarted         = New(AlreadyStarted, "confidential hart is already started")
	ErrHartAlreadyStopped         = New(AlreadyStopped, "confidential hart is already stopped")
	ErrHartNotStopped             = New(AlreadyAvailable, "confidential hart is not stopped")
	ErrInvalidHartStateTransition = New(Denied, "illegal confidential hart lifecycle transition")
	ErrPendingRequestExists       = New(Failed, "confidential hart already awaits a response")

	ErrInterHartRequestQueueFull = New(Failed, "inter hart request queue is full")
	ErrIPIDelivery               = New(Failed, "physical inter-processor interrupt delivery failed")

	ErrHypervisorRejected = New(Failed, "hypervisor rejected the request")
	ErrInvalidParameter   = New(InvalidParam, "invalid call parameter")
	ErrNotSupported       = New(NotSupported, "call is not supported")
)

// CodeOf returns the SBI code reported for err. Errors that do not wrap a
// monitor error are reported as Failed.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return Failed
}
