package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopplug/u3loop/internal/stats"
)

// Runner is the asynchronous benchmark loop. It drives the pool in bounded
// steps and, whenever the whole second of run time changes, checks the time
// limit and the report interval.
type Runner struct {
	Pool   *Pool
	Stats  *stats.Run
	Logger *slog.Logger

	// Interval between measurements, rounded down to whole seconds. Zero
	// disables periodic measurements; the final one is always taken.
	Interval  time.Duration
	TimeLimit time.Duration
	// PollTimeout bounds each Drive call. Defaults to one second.
	PollTimeout time.Duration

	Measure func(stats.Measurement)
}

// Run loops until ctx is done, the time limit is reached, the pool stops
// itself or the transport fails. A last measurement is always taken before
// returning, and the pool is left stopped and ready to Drain.
func (r *Runner) Run(ctx context.Context) error {
	timeout := r.PollTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	var ival int64
	if r.Interval > 0 {
		ival = max(int64(r.Interval/time.Second), 1)
	}

	var (
		runErr error
		last   int64
	)
	for {
		measure, done := false, false

		if err := r.Pool.Drive(ctx, timeout); err != nil && ctx.Err() == nil {
			r.Logger.Error("transfer event handling failed", "error", err)
			runErr = fmt.Errorf("handle events: %w", err)
			done = true
		}
		if ctx.Err() != nil || r.Pool.Stopped() {
			done = true
		}

		elapsed := r.Stats.Elapsed()
		if sec := int64(elapsed / time.Second); sec != last {
			last = sec
			if r.TimeLimit > 0 && elapsed >= r.TimeLimit {
				r.Logger.Debug("time limit reached", "limit", r.TimeLimit)
				done = true
			}
			if ival > 0 && sec%ival == 0 {
				measure = true
			}
		}

		if measure || done {
			m := r.Stats.Snapshot()
			if r.Measure != nil {
				r.Measure(m)
			}
		}
		if done {
			break
		}
	}
	r.Pool.Stop()
	return runErr
}
