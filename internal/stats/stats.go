// Package stats accumulates the counters of one benchmark run and turns them
// into interval measurements and a final report.
//
// A Run is not safe for concurrent use. It is owned by the goroutine that
// drives the transport, which is also where every completion is handled.
package stats

import (
	"math"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// DirCount is a counter split by transfer direction.
type DirCount struct {
	Tx uint64
	Rx uint64
}

func (d DirCount) Total() uint64 { return d.Tx + d.Rx }

func (d *DirCount) add(tx bool, n uint64) {
	if tx {
		d.Tx += n
	} else {
		d.Rx += n
	}
}

// HostErrorKind is a host-side transfer failure class.
type HostErrorKind int

const (
	ErrGeneric HostErrorKind = iota
	ErrLength
	ErrStall
	ErrTimeout
	ErrOverflow
)

func (k HostErrorKind) String() string {
	switch k {
	case ErrGeneric:
		return "generic"
	case ErrLength:
		return "length"
	case ErrStall:
		return "stall"
	case ErrTimeout:
		return "timeout"
	case ErrOverflow:
		return "overflow"
	}
	return "unknown"
}

// HostErrors counts failures observed by the host.
type HostErrors struct {
	DataCorrupt uint64
	Generic     DirCount
	Length      DirCount
	Stall       DirCount
	Timeout     DirCount
	Overflow    DirCount
}

func (h HostErrors) Total() uint64 {
	return h.DataCorrupt + h.Generic.Total() + h.Length.Total() +
		h.Stall.Total() + h.Timeout.Total() + h.Overflow.Total()
}

func (h *HostErrors) kind(k HostErrorKind) *DirCount {
	switch k {
	case ErrLength:
		return &h.Length
	case ErrStall:
		return &h.Stall
	case ErrTimeout:
		return &h.Timeout
	case ErrOverflow:
		return &h.Overflow
	default:
		return &h.Generic
	}
}

func (h *HostErrors) merge(o HostErrors) {
	h.DataCorrupt += o.DataCorrupt
	for _, k := range []HostErrorKind{ErrGeneric, ErrLength, ErrStall, ErrTimeout, ErrOverflow} {
		d, od := h.kind(k), o.kind(k)
		d.Tx += od.Tx
		d.Rx += od.Rx
	}
}

// DeviceErrors are the error counters reported by the device. Counts add up,
// masks accumulate with OR.
type DeviceErrors struct {
	PhyCount  uint64
	PhyMask   uint32
	LinkCount uint64
	LinkMask  uint32
}

func (d *DeviceErrors) Merge(o DeviceErrors) {
	d.PhyCount += o.PhyCount
	d.PhyMask |= o.PhyMask
	d.LinkCount += o.LinkCount
	d.LinkMask |= o.LinkMask
}

// Mbps converts a byte count over d into megabits per second. A zero or
// negative duration yields +Inf.
func Mbps(bytes uint64, d time.Duration) float64 {
	us := d.Microseconds()
	if us <= 0 {
		return math.Inf(1)
	}
	return float64(bytes) * 8 / float64(us)
}

// Measurement is one interval snapshot.
type Measurement struct {
	Elapsed  time.Duration
	Interval time.Duration
	Ops      uint64

	Mbps   float64
	TxMbps float64
	RxMbps float64

	AvgMbps   float64
	AvgTxMbps float64
	AvgRxMbps float64

	HostErrors   HostErrors
	DeviceErrors DeviceErrors
}

// Latency summarises completion latencies.
type Latency struct {
	Count int64
	Mean  time.Duration
	P50   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// Report is the end of run summary.
type Report struct {
	Duration  time.Duration
	Ops       uint64
	Bytes     DirCount
	AvgMbps   float64
	AvgTxMbps float64
	AvgRxMbps float64
	OpsPerSec float64

	HostErrors   HostErrors
	DeviceErrors DeviceErrors
	Latency      Latency
}

// BytesLost is the number of bytes sent but never received back.
func (r Report) BytesLost() int64 { return int64(r.Bytes.Tx) - int64(r.Bytes.Rx) }

// Run holds the counters of one run.
type Run struct {
	now   func() time.Time
	start time.Time
	last  time.Time

	ops       uint64
	bytes     DirCount
	lastBytes DirCount

	host    HostErrors
	cumHost HostErrors
	dev     DeviceErrors
	cumDev  DeviceErrors

	latency *hdrhistogram.Histogram
}

// New starts a run now.
func New() *Run { return NewWithClock(time.Now) }

// NewWithClock starts a run using now as its monotonic clock.
func NewWithClock(now func() time.Time) *Run {
	t := now()
	return &Run{
		now:   now,
		start: t,
		last:  t,
		// 1us to 10min, 3 significant figures
		latency: hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3),
	}
}

func (r *Run) AddOp() { r.ops++ }

// AddBytes counts n transferred bytes in the given direction.
func (r *Run) AddBytes(tx bool, n int) {
	if n > 0 {
		r.bytes.add(tx, uint64(n))
	}
}

// HostError records one host-side failure for the current interval.
func (r *Run) HostError(kind HostErrorKind, tx bool) {
	r.host.kind(kind).add(tx, 1)
}

// DataCorrupt records one loopback content mismatch.
func (r *Run) DataCorrupt() { r.host.DataCorrupt++ }

// AddDeviceErrors merges counters read from the device into the current interval.
func (r *Run) AddDeviceErrors(d DeviceErrors) { r.dev.Merge(d) }

// RecordLatency adds one completion latency to the histogram.
func (r *Run) RecordLatency(d time.Duration) {
	us := d.Microseconds()
	if us < 1 {
		us = 1
	}
	_ = r.latency.RecordValue(us)
}

func (r *Run) Ops() uint64 { return r.ops }
func (r *Run) Bytes() DirCount { return r.bytes }
func (r *Run) Interval() HostErrors { return r.host }
func (r *Run) Cumulative() HostErrors { return r.cumHost }
func (r *Run) CumulativeDevice() DeviceErrors { return r.cumDev }

// Elapsed returns the time since the run started.
func (r *Run) Elapsed() time.Duration { return r.now().Sub(r.start) }

// Snapshot closes the current interval. Interval error counters are folded
// into the cumulative totals and cleared, and the interval baseline moves to
// now.
func (r *Run) Snapshot() Measurement {
	now := r.now()
	ival := now.Sub(r.last)
	total := now.Sub(r.start)

	delta := DirCount{Tx: r.bytes.Tx - r.lastBytes.Tx, Rx: r.bytes.Rx - r.lastBytes.Rx}

	m := Measurement{
		Elapsed:      total,
		Interval:     ival,
		Ops:          r.ops,
		Mbps:         Mbps(delta.Total(), ival),
		TxMbps:       Mbps(delta.Tx, ival),
		RxMbps:       Mbps(delta.Rx, ival),
		AvgMbps:      Mbps(r.bytes.Total(), total),
		AvgTxMbps:    Mbps(r.bytes.Tx, total),
		AvgRxMbps:    Mbps(r.bytes.Rx, total),
		HostErrors:   r.host,
		DeviceErrors: r.dev,
	}

	r.cumHost.merge(r.host)
	r.cumDev.Merge(r.dev)
	r.host = HostErrors{}
	r.dev = DeviceErrors{}
	r.last = now
	r.lastBytes = r.bytes
	return m
}

// Report summarises the whole run. Counters of an interval that has not
// been snapshotted yet are included. Report does not modify the run.
func (r *Run) Report() Report {
	d := r.now().Sub(r.start)

	host := r.cumHost
	host.merge(r.host)
	dev := r.cumDev
	dev.Merge(r.dev)

	ops := math.Inf(1)
	if s := d.Seconds(); s > 0 {
		ops = float64(r.ops) / s
	}

	rep := Report{
		Duration:     d,
		Ops:          r.ops,
		Bytes:        r.bytes,
		AvgMbps:      Mbps(r.bytes.Total(), d),
		AvgTxMbps:    Mbps(r.bytes.Tx, d),
		AvgRxMbps:    Mbps(r.bytes.Rx, d),
		OpsPerSec:    ops,
		HostErrors:   host,
		DeviceErrors: dev,
	}
	if n := r.latency.TotalCount(); n > 0 {
		rep.Latency = Latency{
			Count: n,
			Mean:  time.Duration(r.latency.Mean() * float64(time.Microsecond)),
			P50:   time.Duration(r.latency.ValueAtQuantile(50)) * time.Microsecond,
			P99:   time.Duration(r.latency.ValueAtQuantile(99)) * time.Microsecond,
			Max:   time.Duration(r.latency.Max()) * time.Microsecond,
		}
	}
	return rep
}
