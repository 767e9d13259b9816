package stats_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopplug/u3loop/internal/stats"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newRun() (*stats.Run, *fakeClock) {
	c := &fakeClock{t: time.Unix(1000, 0)}
	return stats.NewWithClock(c.now), c
}

func TestMbps(t *testing.T) {
	assert.InDelta(t, 64.0, stats.Mbps(1_000_000, 125_000*time.Microsecond), 1e-9)
	assert.True(t, math.IsInf(stats.Mbps(10, 0), 1))
	assert.True(t, math.IsInf(stats.Mbps(0, 0), 1))
	assert.Equal(t, 0.0, stats.Mbps(0, time.Second))
}

func TestSnapshotThroughput(t *testing.T) {
	run, clk := newRun()
	run.AddBytes(false, 1_000_000)
	clk.advance(125 * time.Millisecond)

	m := run.Snapshot()
	assert.InDelta(t, 64.0, m.RxMbps, 1e-9)
	assert.InDelta(t, 64.0, m.Mbps, 1e-9)
	assert.Equal(t, 0.0, m.TxMbps)
	assert.InDelta(t, 64.0, m.AvgRxMbps, 1e-9)

	run.AddBytes(true, 500_000)
	clk.advance(125 * time.Millisecond)
	m = run.Snapshot()
	assert.InDelta(t, 32.0, m.TxMbps, 1e-9)
	assert.Equal(t, 0.0, m.RxMbps)
	assert.InDelta(t, 48.0, m.AvgMbps, 1e-9)
	assert.Equal(t, 250*time.Millisecond, m.Elapsed)
	assert.Equal(t, 125*time.Millisecond, m.Interval)
}

func TestSnapshotZeroInterval(t *testing.T) {
	run, _ := newRun()
	run.AddBytes(true, 1024)
	m := run.Snapshot()
	assert.True(t, math.IsInf(m.Mbps, 1))
	assert.True(t, math.IsInf(m.TxMbps, 1))
	assert.True(t, math.IsInf(m.AvgMbps, 1))
}

func TestBytesMatchCompletions(t *testing.T) {
	run, clk := newRun()
	lengths := []int{512, 1024, 0, 65536, 3}
	var want uint64
	prev := uint64(0)
	for i, n := range lengths {
		run.AddBytes(i%2 == 0, n)
		want += uint64(n)
		got := run.Bytes().Total()
		assert.GreaterOrEqual(t, got, prev)
		prev = got
		if i == 2 {
			clk.advance(time.Second)
			run.Snapshot()
		}
	}
	assert.Equal(t, want, run.Bytes().Total())
}

func TestIntervalErrorsResetAndAccumulate(t *testing.T) {
	run, clk := newRun()
	run.HostError(stats.ErrStall, true)
	run.HostError(stats.ErrTimeout, false)
	run.DataCorrupt()
	clk.advance(time.Second)

	m := run.Snapshot()
	assert.Equal(t, uint64(3), m.HostErrors.Total())
	assert.Equal(t, uint64(1), m.HostErrors.Stall.Tx)
	assert.Equal(t, uint64(1), m.HostErrors.Timeout.Rx)
	assert.Zero(t, run.Interval().Total())
	assert.Equal(t, uint64(3), run.Cumulative().Total())

	run.HostError(stats.ErrOverflow, false)
	clk.advance(time.Second)
	m = run.Snapshot()
	assert.Equal(t, uint64(1), m.HostErrors.Total())
	assert.Zero(t, run.Interval().Total())
	assert.Equal(t, uint64(4), run.Cumulative().Total())
}

func TestDeviceMaskAccumulation(t *testing.T) {
	run, clk := newRun()
	run.AddDeviceErrors(stats.DeviceErrors{PhyCount: 2, PhyMask: 0x01})
	clk.advance(time.Second)
	m := run.Snapshot()
	assert.Equal(t, uint32(0x01), m.DeviceErrors.PhyMask)

	run.AddDeviceErrors(stats.DeviceErrors{PhyCount: 3, PhyMask: 0x04, LinkCount: 1, LinkMask: 0x100})
	clk.advance(time.Second)
	m = run.Snapshot()
	assert.Equal(t, uint32(0x04), m.DeviceErrors.PhyMask)

	cum := run.CumulativeDevice()
	assert.Equal(t, uint32(0x05), cum.PhyMask)
	assert.Equal(t, uint64(5), cum.PhyCount)
	assert.Equal(t, uint32(0x100), cum.LinkMask)
	assert.Equal(t, uint64(1), cum.LinkCount)
}

func TestReportDoesNotMutate(t *testing.T) {
	run, clk := newRun()
	for i := 0; i < 10; i++ {
		run.AddOp()
		run.AddBytes(true, 1000)
		run.AddBytes(false, 900)
	}
	run.HostError(stats.ErrLength, false)
	clk.advance(2 * time.Second)

	first := run.Report()
	second := run.Report()
	assert.Equal(t, first, second)
	assert.Equal(t, uint64(1), run.Interval().Total(), "pending interval untouched")

	assert.Equal(t, uint64(10), first.Ops)
	assert.Equal(t, int64(1000), first.BytesLost())
	assert.InDelta(t, 5.0, first.OpsPerSec, 1e-9)
	assert.Equal(t, uint64(1), first.HostErrors.Length.Rx)
	assert.InDelta(t, float64(19000*8)/2e6, first.AvgMbps, 1e-9)
}

func TestReportZeroDuration(t *testing.T) {
	run, _ := newRun()
	run.AddOp()
	rep := run.Report()
	assert.True(t, math.IsInf(rep.AvgMbps, 1))
	assert.True(t, math.IsInf(rep.OpsPerSec, 1))
}

func TestLatencySummary(t *testing.T) {
	run, _ := newRun()
	assert.Zero(t, run.Report().Latency.Count)

	for i := 1; i <= 100; i++ {
		run.RecordLatency(time.Duration(i) * time.Millisecond)
	}
	lat := run.Report().Latency
	require.Equal(t, int64(100), lat.Count)
	assert.InDelta(t, float64(50*time.Millisecond), float64(lat.P50), float64(time.Millisecond))
	assert.InDelta(t, float64(99*time.Millisecond), float64(lat.P99), float64(time.Millisecond))
	assert.InDelta(t, float64(100*time.Millisecond), float64(lat.Max), float64(time.Millisecond))
}
