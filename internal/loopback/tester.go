// Package loopback runs the synchronous integrity test: one block is sent
// to the plug, read back and compared, over and over.
package loopback

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopplug/u3loop/internal/plug"
	"github.com/loopplug/u3loop/internal/stats"
	"github.com/loopplug/u3loop/u3loop"
	"github.com/loopplug/u3loop/usb"
)

// DefaultBlockSize is the size of the block sent every cycle.
const DefaultBlockSize = 0x10000

// CounterReader reads and clears the device error counters.
type CounterReader interface {
	ReadErrorCounters() (u3loop.ErrorCounters, error)
}

// Tester owns the transmit and receive blocks of one run.
type Tester struct {
	Handle usb.Handle
	Stats  *stats.Run
	Logger *slog.Logger
	// Counters is read at every measurement. Nil when the device has no
	// error counters.
	Counters CounterReader

	EndpointIn  uint8
	EndpointOut uint8
	Timeout     time.Duration

	// Count takes a measurement every Count cycles. Otherwise Interval, in
	// whole seconds, is checked on every tick.
	Count     uint64
	Interval  time.Duration
	TimeLimit time.Duration
	// Tick drives the once per second checks. Defaults to a one second ticker.
	Tick <-chan time.Time

	Measure func(stats.Measurement)

	tx  []byte
	rx  []byte
	now func() time.Time
}

func NewTester(h usb.Handle, run *stats.Run, blockSize int, logger *slog.Logger) *Tester {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	tx := make([]byte, blockSize)
	for i := range tx {
		tx[i] = u3loop.FillByte
	}
	return &Tester{
		Handle:      h,
		Stats:       run,
		Logger:      logger,
		EndpointIn:  plug.EndpointIn,
		EndpointOut: plug.EndpointOut,
		Timeout:     plug.TransferTimeout,
		tx:          tx,
		rx:          make([]byte, blockSize),
		now:         time.Now,
	}
}

// TransferError is an unclassified failure of a blocking transfer. It ends
// the run.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string { return fmt.Sprintf("failed to %s data: %v", e.Op, e.Err) }
func (e *TransferError) Unwrap() error { return e.Err }

func (t *Tester) classify(err error, tx bool, op string) error {
	switch usb.StatusOf(err) {
	case usb.StatusCompleted:
		return nil
	case usb.StatusTimedOut:
		t.Stats.HostError(stats.ErrTimeout, tx)
	case usb.StatusStall:
		t.Stats.HostError(stats.ErrStall, tx)
	case usb.StatusOverflow:
		t.Stats.HostError(stats.ErrOverflow, tx)
	default:
		return &TransferError{Op: op, Err: err}
	}
	return nil
}

// Cycle sends the block, reads it back and compares the whole receive
// buffer with it. Timeouts, stalls and overflows are counted; any other
// transfer failure is returned as a *TransferError.
func (t *Tester) Cycle() error {
	start := t.now()

	n, err := t.Handle.BulkTransfer(t.EndpointOut, t.tx, t.Timeout)
	if err := t.classify(err, true, "send"); err != nil {
		return err
	}
	t.Stats.AddBytes(true, n)

	n, err = t.Handle.BulkTransfer(t.EndpointIn, t.rx, t.Timeout)
	if err := t.classify(err, false, "receive"); err != nil {
		return err
	}
	t.Stats.AddBytes(false, n)

	if !bytes.Equal(t.tx, t.rx) {
		t.Stats.DataCorrupt()
	}
	t.Stats.AddOp()
	t.Stats.RecordLatency(t.now().Sub(start))
	return nil
}

func (t *Tester) readCounters() {
	if t.Counters == nil {
		return
	}
	ec, err := t.Counters.ReadErrorCounters()
	if err != nil {
		t.Logger.Warn("unable to obtain error counters", "error", err)
		return
	}
	t.Stats.AddDeviceErrors(stats.DeviceErrors{
		PhyCount:  uint64(ec.PhyCount),
		PhyMask:   ec.PhyMask,
		LinkCount: uint64(ec.LinkCount),
		LinkMask:  ec.LinkMask,
	})
}

// Run cycles until ctx is done or the time limit passes. The timer only
// raises a flag that is checked between cycles, never inside a transfer.
// A final measurement is taken before Run returns nil.
func (t *Tester) Run(ctx context.Context) error {
	tick := t.Tick
	if tick == nil {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}
	var ival int64
	if t.Count == 0 && t.Interval > 0 {
		ival = max(int64(t.Interval/time.Second), 1)
	}

	var sinceLast uint64
	running := true
	for {
		if err := t.Cycle(); err != nil {
			t.Logger.Error("loopback cycle failed", "error", err)
			return err
		}

		measure := false
		if t.Count > 0 {
			sinceLast++
			if sinceLast >= t.Count {
				measure = true
				sinceLast = 0
			}
		}

		select {
		case <-tick:
			elapsed := t.Stats.Elapsed()
			if t.TimeLimit > 0 && elapsed >= t.TimeLimit {
				running = false
			}
			if ival > 0 && int64(elapsed/time.Second)%ival == 0 {
				measure = true
			}
		default:
		}
		if ctx.Err() != nil {
			running = false
		}

		if measure || !running {
			t.readCounters()
			m := t.Stats.Snapshot()
			if t.Measure != nil {
				t.Measure(m)
			}
			if !running {
				return nil
			}
		}
	}
}
