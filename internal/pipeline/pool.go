// Package pipeline keeps a fixed pool of asynchronous bulk transfers in
// flight against the plug and feeds every completion into a stats.Run.
//
// All methods must be called from the goroutine that drives the transport.
// Completion callbacks run inside Drive and Drain on that same goroutine, so
// the pool and its run need no locking.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopplug/u3loop/internal/stats"
	"github.com/loopplug/u3loop/u3loop"
	"github.com/loopplug/u3loop/usb"
)

// SlotState tags the lifecycle of a pool entry.
type SlotState int

const (
	Idle SlotState = iota
	Submitted
	Completed
	Cancelled
	Freed
)

func (s SlotState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitted:
		return "submitted"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Freed:
		return "freed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type slot struct {
	index     int
	state     SlotState
	xfer      *usb.Transfer
	submitted time.Time
}

// Config describes the transfers of one pool.
type Config struct {
	// Size is the number of slots. It must be even and positive.
	Size int
	// BufferSize is the length of every transfer.
	BufferSize int
	// Mode selects the direction of each slot: read slots are IN, write
	// slots are OUT, read-write alternates starting with IN.
	Mode        u3loop.Mode
	EndpointIn  uint8
	EndpointOut uint8
	Timeout     time.Duration
}

var (
	ErrPoolSize   = errors.New("pool size must be even and positive")
	ErrBufferSize = errors.New("buffer size must be positive")
	ErrMode       = errors.New("mode has no bulk direction")
)

func (c Config) validate() error {
	if c.Size <= 0 || c.Size%2 != 0 {
		return fmt.Errorf("%w: %d", ErrPoolSize, c.Size)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: %d", ErrBufferSize, c.BufferSize)
	}
	switch c.Mode {
	case u3loop.ModeRead, u3loop.ModeWrite, u3loop.ModeReadWrite:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMode, c.Mode)
}

func (c Config) endpoint(i int) uint8 {
	switch c.Mode {
	case u3loop.ModeRead:
		return c.EndpointIn
	case u3loop.ModeWrite:
		return c.EndpointOut
	}
	if i&1 == 1 {
		return c.EndpointOut
	}
	return c.EndpointIn
}

// Pool owns the slot arena of one run.
type Pool struct {
	usbctx usb.Context
	h      usb.Handle
	run    *stats.Run
	logger *slog.Logger
	now    func() time.Time

	ctx     context.Context
	slots   []*slot
	active  int
	freed   int
	stopped bool
	lost    bool
}

func New(usbctx usb.Context, h usb.Handle, run *stats.Run, logger *slog.Logger) *Pool {
	return &Pool{
		usbctx: usbctx,
		h:      h,
		run:    run,
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
	}
}

// Fill allocates the slots and submits every one of them. A slot whose
// submission fails is logged and stays idle. Cancelling ctx stops
// resubmission the same way Stop does.
func (p *Pool) Fill(ctx context.Context, cfg Config) error {
	if p.slots != nil {
		return errors.New("pool already filled")
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	p.ctx = ctx
	p.slots = make([]*slot, cfg.Size)
	for i := range p.slots {
		buf := make([]byte, cfg.BufferSize)
		for j := range buf {
			buf[j] = u3loop.FillByte
		}
		s := &slot{index: i}
		s.xfer = &usb.Transfer{
			Endpoint: cfg.endpoint(i),
			Buffer:   buf,
			Timeout:  cfg.Timeout,
			Callback: func(t *usb.Transfer) { p.complete(s, t) },
		}
		p.slots[i] = s
		_ = p.submit(s)
	}
	p.logger.Debug("transfer pool filled", "slots", cfg.Size, "active", p.active, "size", cfg.BufferSize, "mode", cfg.Mode)
	return nil
}

func (p *Pool) submit(s *slot) error {
	s.submitted = p.now()
	if err := p.h.Submit(s.xfer); err != nil {
		s.state = Idle
		p.logger.Warn("transfer submit failed", "slot", s.index, "endpoint", fmt.Sprintf("0x%02x", s.xfer.Endpoint), "error", err)
		return err
	}
	s.state = Submitted
	p.active++
	return nil
}

func (p *Pool) terminating() bool {
	return p.stopped || p.ctx.Err() != nil
}

func (p *Pool) complete(s *slot, t *usb.Transfer) {
	p.active--
	tx := !t.IsIn()

	switch t.Status {
	case usb.StatusCompleted:
		p.run.AddOp()
		if t.ActualLength != len(t.Buffer) {
			p.run.HostError(stats.ErrLength, tx)
		}
		p.run.AddBytes(tx, t.ActualLength)
		p.run.RecordLatency(p.now().Sub(s.submitted))
	case usb.StatusError:
		p.run.HostError(stats.ErrGeneric, tx)
	case usb.StatusTimedOut:
		p.run.HostError(stats.ErrTimeout, tx)
	case usb.StatusStall:
		p.run.HostError(stats.ErrStall, tx)
	case usb.StatusOverflow:
		p.run.HostError(stats.ErrOverflow, tx)
	case usb.StatusNoDevice:
		if !p.lost {
			p.logger.Error("device disconnected")
		}
		p.lost = true
		p.stopped = true
	case usb.StatusCancelled:
		s.state = Cancelled
		return
	default:
		p.logger.Warn("unexpected transfer status", "slot", s.index, "status", t.Status)
		p.run.HostError(stats.ErrGeneric, tx)
	}
	s.state = Completed

	if p.terminating() {
		s.state = Idle
		return
	}
	_ = p.submit(s)
}

// Drive processes completions for at most timeout. It is the only place
// the asynchronous benchmark waits.
func (p *Pool) Drive(ctx context.Context, timeout time.Duration) error {
	return p.usbctx.HandleEventsTimeout(ctx, timeout)
}

// Stop disables resubmission. Requests already in flight keep running
// until Drain cancels them.
func (p *Pool) Stop() { p.stopped = true }

// Stopped reports whether the pool stopped itself or was stopped.
func (p *Pool) Stopped() bool { return p.stopped }

// DeviceLost reports whether a completion signalled that the device is gone.
func (p *Pool) DeviceLost() bool { return p.lost }

// Drain cancels every submitted transfer and processes events until none
// is left in flight. Buffers are released only then, each exactly once.
// If the transport fails while draining, buffers are kept and the error
// is returned.
func (p *Pool) Drain() error {
	p.stopped = true
	for _, s := range p.slots {
		if s.state != Submitted {
			continue
		}
		if err := p.h.Cancel(s.xfer); err != nil && !errors.Is(err, usb.ErrNotSubmitted) {
			p.logger.Warn("transfer cancel failed", "slot", s.index, "error", err)
		}
	}
	for p.active > 0 {
		if err := p.usbctx.HandleEvents(); err != nil {
			return fmt.Errorf("drain with %d transfers in flight: %w", p.active, err)
		}
	}
	for _, s := range p.slots {
		if s.state == Freed {
			continue
		}
		s.xfer.Buffer = nil
		s.state = Freed
		p.freed++
	}
	p.logger.Debug("transfer pool drained", "freed", p.freed)
	return nil
}

// Active returns the number of transfers in flight.
func (p *Pool) Active() int { return p.active }

// Freed returns how many buffers Drain has released.
func (p *Pool) Freed() int { return p.freed }

// States returns the state of every slot in index order.
func (p *Pool) States() []SlotState {
	out := make([]SlotState, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.state
	}
	return out
}

// Endpoints returns the endpoint of every slot in index order.
func (p *Pool) Endpoints() []uint8 {
	out := make([]uint8, len(p.slots))
	for i, s := range p.slots {
		out[i] = s.xfer.Endpoint
	}
	return out
}
