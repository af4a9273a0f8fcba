package gateway

import (
	"context"
	"errors"

	"i4.energy/across/gsmgw/modem"
)

// Kind classifies an operation failure for the recovery logic. The class
// decides whether the failure is worth an in-process recovery attempt or
// whether only a process restart can help.
type Kind int

const (
	// KindNone means the operation succeeded.
	KindNone Kind = iota
	// KindTimeout means the operation hit the hard execution timeout.
	KindTimeout
	// KindDeviceOpen means the serial device could not be opened.
	KindDeviceOpen
	// KindDeviceWrite means writing to the serial device failed.
	KindDeviceWrite
	// KindNotConnected means the modem has no network registration.
	KindNotConnected
	// KindEmptySMSC means no SMS service center is configured.
	KindEmptySMSC
	// KindInternal means a modem-side failure without a specific cause.
	KindInternal
	// KindOther covers everything else.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindDeviceOpen:
		return "device_open"
	case KindDeviceWrite:
		return "device_write"
	case KindNotConnected:
		return "not_connected"
	case KindEmptySMSC:
		return "empty_smsc"
	case KindInternal:
		return "internal"
	default:
		return "other"
	}
}

// Fatal reports whether the failure class cannot be recovered in-process.
func (k Kind) Fatal() bool {
	return k == KindDeviceOpen || k == KindDeviceWrite
}

// Recoverable reports whether the failure class is worth an emergency
// recovery attempt (reset or reconnect) before giving up.
func (k Kind) Recoverable() bool {
	switch k {
	case KindTimeout, KindNotConnected, KindEmptySMSC, KindInternal:
		return true
	default:
		return false
	}
}

// ClassifyError maps an operation error to its failure Kind.
func ClassifyError(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, modem.ErrDeviceOpen):
		return KindDeviceOpen
	case errors.Is(err, modem.ErrDeviceWrite):
		return KindDeviceWrite
	case errors.Is(err, modem.ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, modem.ErrEmptySMSC):
		return KindEmptySMSC
	case errors.Is(err, modem.ErrInternal), errors.Is(err, modem.ErrNotInitialized):
		return KindInternal
	default:
		return KindOther
	}
}
