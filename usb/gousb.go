package usb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/gousb"

	"github.com/loopplug/u3loop/internal/util"
)

// ControlTimeout bounds every synchronous control transfer.
const ControlTimeout = 2 * time.Second

// ErrAccess is wrapped by errors caused by missing device permissions.
var ErrAccess = errors.New("usb: access denied")

type completion struct {
	h   *goHandle
	t   *Transfer
	n   int
	err error
}

// GoUSB is a Context backed by libusb through gousb. Asynchronous transfers
// run on their own goroutines; their completions are queued and handed to
// callbacks only from HandleEvents and HandleEventsTimeout, so callbacks
// always execute on the goroutine driving the event loop.
type GoUSB struct {
	ctx     *gousb.Context
	done    chan completion
	pending int
}

// NewGoUSB initialises libusb.
func NewGoUSB() *GoUSB {
	return &GoUSB{
		ctx:  gousb.NewContext(),
		done: make(chan completion, 256),
	}
}

func (g *GoUSB) SetDebug(level int) { g.ctx.Debug(level) }

func (g *GoUSB) Close() error { return g.ctx.Close() }

func (g *GoUSB) OpenDevices(vid, pid uint16) ([]Handle, error) {
	var denied []string
	devs, err := g.ctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		if d.Vendor != gousb.ID(vid) || d.Product != gousb.ID(pid) {
			return false
		}
		if aerr := util.USBFSAccess(d.Bus, d.Address); aerr != nil {
			denied = append(denied, aerr.Error())
		}
		return true
	})
	handles := make([]Handle, 0, len(devs))
	for _, d := range devs {
		d.ControlTimeout = ControlTimeout
		handles = append(handles, &goHandle{
			g:        g,
			dev:      d,
			in:       map[int]*gousb.InEndpoint{},
			out:      map[int]*gousb.OutEndpoint{},
			inflight: map[*Transfer]context.CancelFunc{},
		})
	}
	if err != nil {
		err = mapErr(err)
		if len(denied) > 0 {
			err = fmt.Errorf("%w (%s)", err, strings.Join(denied, "; "))
		}
		return handles, fmt.Errorf("open devices %04x:%04x: %w", vid, pid, err)
	}
	return handles, nil
}

func (g *GoUSB) HandleEvents() error {
	if g.pending == 0 {
		return nil
	}
	g.deliver(<-g.done)
	g.deliverReady()
	return nil
}

func (g *GoUSB) HandleEventsTimeout(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-g.done:
		g.deliver(c)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	g.deliverReady()
	return nil
}

func (g *GoUSB) deliverReady() {
	for {
		select {
		case c := <-g.done:
			g.deliver(c)
		default:
			return
		}
	}
}

func (g *GoUSB) deliver(c completion) {
	if cancel, ok := c.h.inflight[c.t]; ok {
		cancel()
		delete(c.h.inflight, c.t)
	}
	g.pending--
	c.t.ActualLength = c.n
	c.t.Status = StatusOf(c.err)
	if c.t.Callback != nil {
		c.t.Callback(c.t)
	}
}

type goHandle struct {
	g    *GoUSB
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	in  map[int]*gousb.InEndpoint
	out map[int]*gousb.OutEndpoint

	inflight map[*Transfer]context.CancelFunc
}

func (h *goHandle) Bus() int     { return h.dev.Desc.Bus }
func (h *goHandle) Address() int { return h.dev.Desc.Address }

func (h *goHandle) SerialNumber() (string, error) {
	s, err := h.dev.SerialNumber()
	if err != nil {
		return "", mapErr(err)
	}
	return s, nil
}

func (h *goHandle) ClaimInterface(num int) error {
	if err := h.dev.SetAutoDetach(true); err != nil {
		return fmt.Errorf("auto detach: %w", mapErr(err))
	}
	cfgNum, err := h.dev.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("active config: %w", mapErr(err))
	}
	cfg, err := h.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("config %d: %w", cfgNum, mapErr(err))
	}
	intf, err := cfg.Interface(num, 0)
	if err != nil {
		_ = cfg.Close()
		return fmt.Errorf("interface %d: %w", num, mapErr(err))
	}
	h.cfg, h.intf = cfg, intf
	return nil
}

func (h *goHandle) ReleaseInterface(num int) error {
	if h.intf == nil {
		return fmt.Errorf("interface %d: %w", num, ErrNotClaimed)
	}
	h.intf.Close()
	h.intf = nil
	h.in = map[int]*gousb.InEndpoint{}
	h.out = map[int]*gousb.OutEndpoint{}
	err := h.cfg.Close()
	h.cfg = nil
	return mapErr(err)
}

func (h *goHandle) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	n, err := h.dev.Control(requestType, request, value, index, data)
	return n, mapErr(err)
}

func (h *goHandle) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	xfer, err := h.transferFunc(endpoint)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := xfer(ctx, data)
	return n, classify(ctx, err)
}

func (h *goHandle) Submit(t *Transfer) error {
	if _, ok := h.inflight[t]; ok {
		return ErrBusy
	}
	xfer, err := h.transferFunc(t.Endpoint)
	if err != nil {
		return err
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), t.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	h.inflight[t] = cancel
	h.g.pending++
	go func() {
		n, err := xfer(ctx, t.Buffer)
		h.g.done <- completion{h: h, t: t, n: n, err: classify(ctx, err)}
	}()
	return nil
}

func (h *goHandle) Cancel(t *Transfer) error {
	cancel, ok := h.inflight[t]
	if !ok {
		return ErrNotSubmitted
	}
	cancel()
	return nil
}

func (h *goHandle) Close() error {
	var errs []error
	if h.intf != nil {
		errs = append(errs, h.ReleaseInterface(0))
	}
	errs = append(errs, mapErr(h.dev.Close()))
	return errors.Join(errs...)
}

// ErrNotClaimed is returned for endpoint I/O before ClaimInterface.
var ErrNotClaimed = errors.New("usb: interface not claimed")

func (h *goHandle) transferFunc(endpoint uint8) (func(context.Context, []byte) (int, error), error) {
	if h.intf == nil {
		return nil, ErrNotClaimed
	}
	num := int(endpoint & 0x0f)
	if endpoint&EndpointIn != 0 {
		ep, ok := h.in[num]
		if !ok {
			var err error
			if ep, err = h.intf.InEndpoint(num); err != nil {
				return nil, fmt.Errorf("in endpoint %d: %w", num, err)
			}
			h.in[num] = ep
		}
		return ep.ReadContext, nil
	}
	ep, ok := h.out[num]
	if !ok {
		var err error
		if ep, err = h.intf.OutEndpoint(num); err != nil {
			return nil, fmt.Errorf("out endpoint %d: %w", num, err)
		}
		h.out[num] = ep
	}
	return ep.WriteContext, nil
}

// classify folds the per-request context into the transfer error so that an
// expired deadline reads as a timeout and an explicit cancel as cancelled.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return fmt.Errorf("%w: %w", StatusTimedOut, err)
	case context.Canceled:
		return fmt.Errorf("%w: %w", StatusCancelled, err)
	}
	return mapErr(err)
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var ts gousb.TransferStatus
	if errors.As(err, &ts) {
		switch ts {
		case gousb.TransferCompleted:
			return nil
		case gousb.TransferTimedOut:
			return fmt.Errorf("%w: %w", StatusTimedOut, err)
		case gousb.TransferCancelled:
			return fmt.Errorf("%w: %w", StatusCancelled, err)
		case gousb.TransferStall:
			return fmt.Errorf("%w: %w", StatusStall, err)
		case gousb.TransferNoDevice:
			return fmt.Errorf("%w: %w", StatusNoDevice, err)
		case gousb.TransferOverflow:
			return fmt.Errorf("%w: %w", StatusOverflow, err)
		default:
			return fmt.Errorf("%w: %w", StatusError, err)
		}
	}
	var ue gousb.Error
	if errors.As(err, &ue) {
		switch ue {
		case gousb.ErrorTimeout:
			return fmt.Errorf("%w: %w", StatusTimedOut, err)
		case gousb.ErrorPipe:
			return fmt.Errorf("%w: %w", StatusStall, err)
		case gousb.ErrorOverflow:
			return fmt.Errorf("%w: %w", StatusOverflow, err)
		case gousb.ErrorNoDevice:
			return fmt.Errorf("%w: %w", StatusNoDevice, err)
		case gousb.ErrorAccess:
			return fmt.Errorf("%w: %w", ErrAccess, err)
		}
	}
	return err
}
