package loopback_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopplug/u3loop/internal/loopback"
	"github.com/loopplug/u3loop/internal/plug"
	"github.com/loopplug/u3loop/internal/stats"
	fakeusb "github.com/loopplug/u3loop/internal/testing"
	"github.com/loopplug/u3loop/u3loop"
	"github.com/loopplug/u3loop/usb"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTester(t *testing.T) (*loopback.Tester, *fakeusb.FakeHandle, *clock) {
	t.Helper()
	h := &fakeusb.FakeHandle{VID: 0x0403, PID: 0xff0b}
	fakeusb.NewFakeUSB(h)
	clk := &clock{t: time.Unix(100, 0)}
	tester := loopback.NewTester(h, stats.NewWithClock(clk.now), 0, discard())
	tester.Tick = make(chan time.Time)
	return tester, h, clk
}

func TestCycleIdenticalBlocks(t *testing.T) {
	tester, _, _ := newTester(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, tester.Cycle())
	}
	run := tester.Stats
	assert.Equal(t, uint64(5), run.Ops())
	assert.Zero(t, run.Interval().DataCorrupt)
	assert.Equal(t, stats.DirCount{Tx: 5 * loopback.DefaultBlockSize, Rx: 5 * loopback.DefaultBlockSize}, run.Bytes())
}

func TestCycleFlippedByte(t *testing.T) {
	tester, h, _ := newTester(t)
	h.BulkFunc = func(ep uint8, data []byte) (int, error) {
		n, err := h.Echo(ep, data)
		if ep&usb.EndpointIn != 0 {
			data[1234] ^= 0xff
		}
		return n, err
	}
	for i := 1; i <= 3; i++ {
		require.NoError(t, tester.Cycle())
		assert.Equal(t, uint64(i), tester.Stats.Interval().DataCorrupt)
	}
	assert.Equal(t, uint64(3), tester.Stats.Ops())
}

func TestCycleClassifiesErrors(t *testing.T) {
	tests := []struct {
		name  string
		ep    uint8
		err   error
		check func(t *testing.T, h stats.HostErrors)
	}{
		{"send timeout", plug.EndpointOut, usb.StatusTimedOut, func(t *testing.T, h stats.HostErrors) { assert.Equal(t, uint64(1), h.Timeout.Tx) }},
		{"send stall", plug.EndpointOut, usb.StatusStall, func(t *testing.T, h stats.HostErrors) { assert.Equal(t, uint64(1), h.Stall.Tx) }},
		{"receive timeout", plug.EndpointIn, context.DeadlineExceeded, func(t *testing.T, h stats.HostErrors) { assert.Equal(t, uint64(1), h.Timeout.Rx) }},
		{"receive overflow", plug.EndpointIn, usb.StatusOverflow, func(t *testing.T, h stats.HostErrors) { assert.Equal(t, uint64(1), h.Overflow.Rx) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tester, h, _ := newTester(t)
			h.BulkFunc = func(ep uint8, data []byte) (int, error) {
				if ep == tt.ep {
					return 0, tt.err
				}
				return h.Echo(ep, data)
			}
			require.NoError(t, tester.Cycle())
			tt.check(t, tester.Stats.Interval())
			assert.Equal(t, uint64(1), tester.Stats.Ops())
		})
	}
}

func TestCycleFatalError(t *testing.T) {
	tester, h, _ := newTester(t)
	boom := errors.New("io error")
	h.BulkFunc = func(ep uint8, data []byte) (int, error) {
		if ep&usb.EndpointIn != 0 {
			return 0, boom
		}
		return len(data), nil
	}
	err := tester.Cycle()
	var te *loopback.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "receive", te.Op)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, tester.Stats.Ops())
}

// cancelAfter cancels ctx once n blocks have been read back.
func cancelAfter(h *fakeusb.FakeHandle, n int, cancel context.CancelFunc) {
	reads := 0
	h.BulkFunc = func(ep uint8, data []byte) (int, error) {
		if ep&usb.EndpointIn != 0 {
			reads++
			if reads == n {
				cancel()
			}
		}
		return h.Echo(ep, data)
	}
}

func TestRunCountInterval(t *testing.T) {
	tester, h, _ := newTester(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfter(h, 5, cancel)

	var got []stats.Measurement
	tester.Count = 2
	tester.Measure = func(m stats.Measurement) { got = append(got, m) }

	require.NoError(t, tester.Run(ctx))
	require.Len(t, got, 3)
	assert.Equal(t, []uint64{2, 4, 5}, []uint64{got[0].Ops, got[1].Ops, got[2].Ops})
}

func TestRunTimeLimit(t *testing.T) {
	tester, _, clk := newTester(t)
	tick := make(chan time.Time, 1)
	tester.Tick = tick
	tester.Interval = 10 * time.Second
	tester.TimeLimit = 3 * time.Second

	var got []stats.Measurement
	tester.Measure = func(m stats.Measurement) { got = append(got, m) }

	clk.t = clk.t.Add(5 * time.Second)
	tick <- clk.t
	require.NoError(t, tester.Run(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].Ops)
}

func TestRunTickMeasurement(t *testing.T) {
	tester, h, clk := newTester(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick := make(chan time.Time, 1)
	tester.Tick = tick
	tester.Interval = 2 * time.Second

	var got []stats.Measurement
	tester.Measure = func(m stats.Measurement) { got = append(got, m) }

	reads := 0
	h.BulkFunc = func(ep uint8, data []byte) (int, error) {
		if ep&usb.EndpointIn != 0 {
			reads++
			switch reads {
			case 1:
				clk.t = clk.t.Add(time.Second)
				tick <- clk.t
			case 2:
				clk.t = clk.t.Add(time.Second)
				tick <- clk.t
			case 3:
				cancel()
			}
		}
		return h.Echo(ep, data)
	}

	require.NoError(t, tester.Run(ctx))
	require.Len(t, got, 2, "second 1 is skipped, second 2 measures, cancel measures")
	assert.Equal(t, uint64(2), got[0].Ops)
	assert.Equal(t, uint64(3), got[1].Ops)
}

type counters struct {
	replies []u3loop.ErrorCounters
	errs    []error
	calls   int
}

func (c *counters) ReadErrorCounters() (u3loop.ErrorCounters, error) {
	i := c.calls
	c.calls++
	return c.replies[i], c.errs[i]
}

func TestRunReadsDeviceCounters(t *testing.T) {
	tester, h, _ := newTester(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelAfter(h, 3, cancel)

	tester.Counters = &counters{
		replies: []u3loop.ErrorCounters{
			{PhyCount: 2, PhyMask: u3loop.PhyDecode},
			{},
			{PhyCount: 1, PhyMask: u3loop.PhyEBOverrun, LinkCount: 4, LinkMask: u3loop.LinkHPTimeout},
		},
		errs: []error{nil, plug.ErrShortRead, nil},
	}
	tester.Count = 1
	var got []stats.Measurement
	tester.Measure = func(m stats.Measurement) { got = append(got, m) }

	require.NoError(t, tester.Run(ctx))
	require.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[0].DeviceErrors.PhyCount)
	assert.Zero(t, got[1].DeviceErrors, "failed read keeps the interval empty")
	assert.Equal(t, uint64(4), got[2].DeviceErrors.LinkCount)

	cum := tester.Stats.CumulativeDevice()
	assert.Equal(t, uint64(3), cum.PhyCount)
	assert.Equal(t, u3loop.PhyDecode|u3loop.PhyEBOverrun, cum.PhyMask)
	assert.Equal(t, u3loop.LinkHPTimeout, cum.LinkMask)
}

func TestRunFatalErrorStops(t *testing.T) {
	tester, h, _ := newTester(t)
	h.BulkFunc = func(uint8, []byte) (int, error) { return 0, usb.StatusNoDevice }
	var measured bool
	tester.Measure = func(stats.Measurement) { measured = true }

	err := tester.Run(context.Background())
	assert.ErrorIs(t, err, usb.StatusNoDevice)
	assert.False(t, measured)
}
