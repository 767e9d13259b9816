// Package report prints the console stream of a run: a header line, one
// comma separated line per measurement and a final summary block.
package report

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/term"

	"github.com/loopplug/u3loop/internal/stats"
	"github.com/loopplug/u3loop/u3loop"
)

// Kind selects the column layout.
type Kind int

const (
	// Bench is the asynchronous throughput benchmark.
	Bench Kind = iota
	// Loop is the synchronous loopback integrity test.
	Loop
)

const (
	benchHeader = "Time, Ops, " +
		"Speed(mbps), Avg. Speed(mbps), " +
		"TX Speed(mbps), TX Avg. Speed(mbps), " +
		"RX Speed(mbps), RX Avg. Speed(mbps), " +
		"Host Error count"
	loopHeader = "Time, Ops, Speed(mbps), Avg. Speed(mbps), Host Error count, " +
		"Phy. Error Count, Phy Error Mask, Link Error Count, Link Error Mask"
)

// Writer formats reports for one run. The first write error is kept and
// later writes are skipped.
type Writer struct {
	out  io.Writer
	kind Kind
	err  error

	// Aligned pads the measurement columns. When false, fields are
	// separated by a bare comma.
	Aligned bool
}

// NewWriter aligns columns when out is a terminal.
func NewWriter(out io.Writer, kind Kind) *Writer {
	return &Writer{out: out, kind: kind, Aligned: IsTerminal(out)}
}

// IsTerminal reports whether w is a file attached to a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

func (w *Writer) Err() error { return w.err }

func (w *Writer) printf(format string, args ...any) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(w.out, format, args...)
}

func (w *Writer) Header() {
	if w.kind == Loop {
		w.printf("%s\n", loopHeader)
		return
	}
	w.printf("%s\n", benchHeader)
}

func (w *Writer) Measurement(m stats.Measurement) {
	secs := int64(m.Elapsed.Seconds())
	var fields []string
	switch w.kind {
	case Loop:
		fields = []string{
			fmt.Sprintf("% 4d.0", secs),
			fmt.Sprintf("% 8d", m.Ops),
			fmt.Sprintf("%7.2f", m.RxMbps),
			fmt.Sprintf("%7.2f", m.AvgRxMbps),
			fmt.Sprintf("% 4d", m.HostErrors.Total()),
			fmt.Sprintf("% 4d", m.DeviceErrors.PhyCount),
			fmt.Sprintf("0x%04x", m.DeviceErrors.PhyMask),
			fmt.Sprintf("% 4d", m.DeviceErrors.LinkCount),
			fmt.Sprintf("0x%04x", m.DeviceErrors.LinkMask),
		}
	default:
		fields = []string{
			fmt.Sprintf("% 4d.0", secs),
			fmt.Sprintf("% 8d", m.Ops),
			fmt.Sprintf("%7.2f", m.Mbps),
			fmt.Sprintf("%7.2f", m.AvgMbps),
			fmt.Sprintf("%7.2f", m.TxMbps),
			fmt.Sprintf("%7.2f", m.AvgTxMbps),
			fmt.Sprintf("%7.2f", m.RxMbps),
			fmt.Sprintf("%7.2f", m.AvgRxMbps),
			fmt.Sprintf("% 4d", m.HostErrors.Total()),
		}
	}
	sep := ", "
	if !w.Aligned {
		sep = ","
		for i, f := range fields {
			fields[i] = strings.TrimSpace(f)
		}
	}
	w.printf("%s\n", strings.Join(fields, sep))
}

// Summary prints the end of run report.
func (w *Writer) Summary(r stats.Report) {
	w.printf("\nTest Report:\n")
	w.printf("------------\n")
	w.printf("Test duration: %d Sec.\n", int64(r.Duration.Seconds()))
	w.printf("Total operations: %d Ops.\n", r.Ops)
	w.printf("\n")

	h := r.HostErrors
	switch w.kind {
	case Loop:
		w.printf("Bytes send:     % 15d\n", r.Bytes.Tx)
		w.printf("Bytes received: % 15d\n", r.Bytes.Rx)
		w.printf("Bytes lost:     % 15d\n", r.BytesLost())
		w.printf("\n")
		w.printf("Average speed: %7.2f Mbit/s\n", r.AvgRxMbps)
		w.printf("Average rate: %7.2f Ops/s\n", r.OpsPerSec)
		w.printf("\n")
		w.printf("Host Errors:\n")
		w.printf(" - data_corrupt: %d\n", h.DataCorrupt)
		w.printf(" - tx_stall:     %d\n", h.Stall.Tx)
		w.printf(" - tx_timeout:   %d\n", h.Timeout.Tx)
		w.printf(" - tx_overflow:  %d\n", h.Overflow.Tx)
		w.printf(" - rx_stall:     %d\n", h.Stall.Rx)
		w.printf(" - rx_timeout:   %d\n", h.Timeout.Rx)
		w.printf(" - rx_overflow:  %d\n", h.Overflow.Rx)
		w.printf("\n")
		d := r.DeviceErrors
		w.printf("Device Errors:\n")
		w.printf(" - Physical layer errors: %d\n", d.PhyCount)
		for _, n := range u3loop.PhyErrorNames(d.PhyMask) {
			w.printf("   - %s\n", n)
		}
		w.printf(" - Link layer errors: %d\n", d.LinkCount)
		for _, n := range u3loop.LinkErrorNames(d.LinkMask) {
			w.printf("   - %s\n", n)
		}
	default:
		w.printf("Bytes written: % 15d\n", r.Bytes.Tx)
		w.printf("Bytes read:    % 15d\n", r.Bytes.Rx)
		w.printf("\n")
		w.printf("Average speed:       %7.2f Mbit/s\n", r.AvgMbps)
		w.printf("Average write speed: %7.2f Mbit/s\n", r.AvgTxMbps)
		w.printf("Average read speed:  %7.2f Mbit/s\n", r.AvgRxMbps)
		w.printf("\n")
		w.printf("Host Errors:\n")
		w.printf(" - data_corrupt: %d\n", h.DataCorrupt)
		w.printf(" - generic:   %d\n", h.Generic.Total())
		w.printf(" - length:    %d\n", h.Length.Total())
		w.printf(" - stall:     %d\n", h.Stall.Total())
		w.printf(" - timeout:   %d\n", h.Timeout.Total())
		w.printf(" - overflow:  %d\n", h.Overflow.Total())
	}

	if l := r.Latency; l.Count > 0 {
		w.printf("\n")
		w.printf("Latency (us): mean %d, p50 %d, p99 %d, max %d\n",
			l.Mean.Microseconds(), l.P50.Microseconds(), l.P99.Microseconds(), l.Max.Microseconds())
	}
}
