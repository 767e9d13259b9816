// Package usb is the host-side transport used to talk to the loopback plug.
//
// Context and Handle describe the small slice of a libusb-style API the
// benchmark needs: enumeration, interface claiming, synchronous control and
// bulk transfers, and asynchronous bulk transfers whose callbacks run only
// inside HandleEvents or HandleEventsTimeout on the caller's goroutine.
package usb

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Endpoint direction bit.
const EndpointIn uint8 = 0x80

// Status is the outcome of a transfer. Every status other than
// StatusCompleted doubles as an error value.
type Status int

const (
	StatusCompleted Status = iota
	StatusError
	StatusTimedOut
	StatusCancelled
	StatusStall
	StatusNoDevice
	StatusOverflow
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	case StatusTimedOut:
		return "timed out"
	case StatusCancelled:
		return "cancelled"
	case StatusStall:
		return "stall"
	case StatusNoDevice:
		return "no device"
	case StatusOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) Error() string { return "usb: transfer " + s.String() }

// Transient reports whether the status is a per-request failure that a
// running benchmark records and survives.
func (s Status) Transient() bool {
	return s == StatusTimedOut || s == StatusStall || s == StatusOverflow
}

// StatusOf classifies a transport error. A nil error is StatusCompleted and
// unrecognised errors are StatusError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusCompleted
	}
	var st Status
	if errors.As(err, &st) {
		return st
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimedOut
	case errors.Is(err, context.Canceled):
		return StatusCancelled
	}
	return StatusError
}

// ErrNotSubmitted is returned by Cancel for a transfer that is not in flight.
var ErrNotSubmitted = errors.New("usb: transfer not in flight")

// ErrBusy is returned by Submit for a transfer that is already in flight.
var ErrBusy = errors.New("usb: transfer already submitted")

// Transfer is an asynchronous bulk request. The caller owns Buffer; it must
// not be touched while the transfer is in flight.
type Transfer struct {
	Endpoint uint8
	Buffer   []byte
	Timeout  time.Duration
	Callback func(*Transfer)

	// Set before Callback runs.
	Status       Status
	ActualLength int
}

// IsIn reports whether the transfer moves data from the device to the host.
func (t *Transfer) IsIn() bool { return t.Endpoint&EndpointIn != 0 }

// Context is an open transport session.
type Context interface {
	// OpenDevices opens every attached device matching vid and pid.
	OpenDevices(vid, pid uint16) ([]Handle, error)
	// HandleEvents blocks until at least one pending completion has been
	// delivered. It returns immediately when nothing is in flight.
	HandleEvents() error
	// HandleEventsTimeout delivers completions for at most timeout. It returns
	// ctx.Err() when ctx is done before a completion arrives.
	HandleEventsTimeout(ctx context.Context, timeout time.Duration) error
	SetDebug(level int)
	Close() error
}

// Handle is an opened device.
type Handle interface {
	Bus() int
	Address() int
	SerialNumber() (string, error)
	ClaimInterface(num int) error
	ReleaseInterface(num int) error
	Control(requestType, request uint8, value, index uint16, data []byte) (int, error)
	BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error)
	Submit(t *Transfer) error
	Cancel(t *Transfer) error
	Close() error
}
