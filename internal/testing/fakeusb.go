package testing

import (
	"context"
	"sync"
	"time"

	"github.com/loopplug/u3loop/u3loop"
	"github.com/loopplug/u3loop/usb"
)

// FakeUSB is an in-memory usb.Context. Submitted transfers are queued and
// completed in submission order by HandleEvents and HandleEventsTimeout.
type FakeUSB struct {
	Devices []*FakeHandle
	// Present is consulted on every OpenDevices call with the zero based call
	// number. Returning false hides every device for that call.
	Present func(call int) bool
	OpenErr error

	DebugLevel int
	Closed     bool
	EventCalls int

	opens int
	queue []queued
}

type queued struct {
	h *FakeHandle
	t *usb.Transfer
}

// NewFakeUSB returns a context with the given devices attached.
func NewFakeUSB(devs ...*FakeHandle) *FakeUSB {
	f := &FakeUSB{Devices: devs}
	for _, d := range devs {
		d.fake = f
	}
	return f
}

func (f *FakeUSB) OpenDevices(vid, pid uint16) ([]usb.Handle, error) {
	call := f.opens
	f.opens++
	if f.Present != nil && !f.Present(call) {
		return nil, f.OpenErr
	}
	var out []usb.Handle
	for _, d := range f.Devices {
		if d.VID != vid || d.PID != pid {
			continue
		}
		d.fake = f
		d.Closed = false
		d.Opens++
		out = append(out, d)
	}
	return out, f.OpenErr
}

// Opens returns how many times OpenDevices has been called.
func (f *FakeUSB) Opens() int { return f.opens }

// Pending returns the number of queued transfers.
func (f *FakeUSB) Pending() int { return len(f.queue) }

func (f *FakeUSB) HandleEvents() error {
	f.EventCalls++
	f.deliver()
	return nil
}

func (f *FakeUSB) HandleEventsTimeout(ctx context.Context, _ time.Duration) error {
	f.EventCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	f.deliver()
	return nil
}

// deliver completes the transfers queued before the call. Transfers
// resubmitted from a callback wait for the next call.
func (f *FakeUSB) deliver() {
	batch := f.queue
	f.queue = nil
	for _, q := range batch {
		h, t := q.h, q.t
		cancelled := h.inflight[t]
		delete(h.inflight, t)
		switch {
		case cancelled:
			t.Status, t.ActualLength = usb.StatusCancelled, 0
		case h.Complete != nil:
			t.Status, t.ActualLength = h.Complete(t)
		default:
			t.Status, t.ActualLength = usb.StatusCompleted, len(t.Buffer)
		}
		if t.Callback != nil {
			t.Callback(t)
		}
	}
}

func (f *FakeUSB) SetDebug(level int) { f.DebugLevel = level }

func (f *FakeUSB) Close() error {
	f.Closed = true
	return nil
}

// ControlCall records one control transfer.
type ControlCall struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Data        []byte
}

// Command returns the vendor command carried in Value.
func (c ControlCall) Command() u3loop.Command { return u3loop.Command(c.Value & 0xff) }

// FakeHandle is an in-memory usb.Handle. Bulk I/O defaults to a loopback
// echo: the last OUT payload is returned by the next IN transfer.
type FakeHandle struct {
	VID, PID  uint16
	BusNum    int
	Addr      int
	Serial    string
	SerialErr error

	ClaimErr   error
	ReleaseErr error
	CloseErr   error

	// Replies holds IN payloads per command. ControlErrs fails a command.
	Replies     map[u3loop.Command][]byte
	ControlErrs map[u3loop.Command]error

	// BulkFunc overrides the synchronous echo.
	BulkFunc func(endpoint uint8, data []byte) (int, error)
	// SubmitErr, when set, is consulted for every Submit.
	SubmitErr func(t *usb.Transfer) error
	// Complete decides the outcome of a non-cancelled transfer.
	Complete func(t *usb.Transfer) (usb.Status, int)

	Claimed  bool
	Closed   bool
	Opens    int
	Releases int
	Controls []ControlCall
	Submits  int
	Cancels  int

	mu       sync.Mutex
	fake     *FakeUSB
	echo     []byte
	inflight map[*usb.Transfer]bool
}

func (h *FakeHandle) Bus() int     { return h.BusNum }
func (h *FakeHandle) Address() int { return h.Addr }

func (h *FakeHandle) SerialNumber() (string, error) { return h.Serial, h.SerialErr }

func (h *FakeHandle) ClaimInterface(int) error {
	if h.ClaimErr != nil {
		return h.ClaimErr
	}
	h.Claimed = true
	return nil
}

func (h *FakeHandle) ReleaseInterface(int) error {
	h.Releases++
	h.Claimed = false
	return h.ReleaseErr
}

func (h *FakeHandle) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	call := ControlCall{RequestType: requestType, Request: request, Value: value, Index: index}
	if requestType&usb.EndpointIn == 0 {
		call.Data = append([]byte(nil), data...)
	}
	h.Controls = append(h.Controls, call)
	cmd := call.Command()
	if err := h.ControlErrs[cmd]; err != nil {
		return 0, err
	}
	if requestType&usb.EndpointIn != 0 {
		return copy(data, h.Replies[cmd]), nil
	}
	return len(data), nil
}

// Commands lists the vendor commands sent so far, in order.
func (h *FakeHandle) Commands() []u3loop.Command {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]u3loop.Command, len(h.Controls))
	for i, c := range h.Controls {
		out[i] = c.Command()
	}
	return out
}

func (h *FakeHandle) BulkTransfer(endpoint uint8, data []byte, _ time.Duration) (int, error) {
	if h.BulkFunc != nil {
		return h.BulkFunc(endpoint, data)
	}
	return h.Echo(endpoint, data)
}

// Echo is the default loopback behaviour of BulkTransfer.
func (h *FakeHandle) Echo(endpoint uint8, data []byte) (int, error) {
	if endpoint&usb.EndpointIn != 0 {
		return copy(data, h.echo), nil
	}
	h.echo = append(h.echo[:0], data...)
	return len(data), nil
}

func (h *FakeHandle) Submit(t *usb.Transfer) error {
	if h.inflight == nil {
		h.inflight = map[*usb.Transfer]bool{}
	}
	if _, ok := h.inflight[t]; ok {
		return usb.ErrBusy
	}
	if h.SubmitErr != nil {
		if err := h.SubmitErr(t); err != nil {
			return err
		}
	}
	h.Submits++
	h.inflight[t] = false
	h.fake.queue = append(h.fake.queue, queued{h: h, t: t})
	return nil
}

func (h *FakeHandle) Cancel(t *usb.Transfer) error {
	if _, ok := h.inflight[t]; !ok {
		return usb.ErrNotSubmitted
	}
	h.Cancels++
	h.inflight[t] = true
	return nil
}

// InFlight returns the number of submitted transfers not yet completed.
func (h *FakeHandle) InFlight() int { return len(h.inflight) }

func (h *FakeHandle) Close() error {
	h.Closed = true
	return h.CloseErr
}
