package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loopplug/u3loop/internal/log"
	"github.com/loopplug/u3loop/internal/loopback"
	"github.com/loopplug/u3loop/internal/plug"
	"github.com/loopplug/u3loop/internal/report"
	"github.com/loopplug/u3loop/internal/results"
	"github.com/loopplug/u3loop/internal/stats"
	"github.com/loopplug/u3loop/u3loop"
)

// Loop sends blocks through the plug in loopback mode and checks that they
// come back unchanged.
type Loop struct {
	Device    `embed:""`
	Identify  bool    `short:"b" help:"Identify the device by blinking its LEDs and exit"`
	Count     uint64  `short:"c" help:"Report statistics every N operations" xor:"report"`
	Interval  int     `short:"i" help:"Report statistics every N seconds (default 1)" xor:"report"`
	TimeLimit int     `short:"t" help:"Time limit of the test in seconds (0 runs until interrupted)" default:"0"`
	BlockSize int     `help:"Size of the block sent every cycle" default:"65536"`
	Results   Results `embed:"" prefix:"results."`
}

// Run is called by Kong when the loop command is executed.
func (l *Loop) Run(logger *slog.Logger, rawLogger log.RawLogger, env *Env) error {
	ctx, stop := signalContext()
	defer stop()
	return l.Execute(ctx, logger, rawLogger, env)
}

func (l *Loop) Execute(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger, env *Env) error {
	typ, sel, err := l.resolve(env.Out)
	if errors.Is(err, errTypesListed) {
		return nil
	}
	if err != nil {
		return err
	}
	if !typ.Vendor {
		return fmt.Errorf("device type %s has no loopback mode", typ.Name)
	}
	if l.Identify {
		id := Identify{Device: l.Device}
		return id.Execute(ctx, logger, rawLogger, env)
	}
	speed, err := u3loop.ParseSpeed(l.Speed)
	if err != nil {
		return err
	}
	if l.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", l.BlockSize)
	}
	interval := time.Duration(l.Interval) * time.Second
	if l.Count == 0 && l.Interval == 0 {
		interval = time.Second
	}

	runID := uuid.New()
	logger = logger.With("run", runID.String())

	cfg := u3loop.LoopbackConfig(speed)
	ec := u3loop.DefaultErrorConfig
	sess, err := plug.Start(ctx, env.openUSB(), plug.Options{
		Selector:      sel,
		Type:          typ,
		Config:        &cfg,
		ErrorCounters: &ec,
		Reenumerate:   l.reenumerator(env),
	}, logger, rawLogger)
	if err != nil {
		return err
	}
	defer closeSession(sess, logger)

	run := stats.New()
	w := report.NewWriter(env.Out, report.Loop)
	tester := loopback.NewTester(sess.Handle, run, l.BlockSize, logger)
	tester.Counters = sess.Driver
	tester.Count = l.Count
	tester.Interval = interval
	tester.TimeLimit = time.Duration(l.TimeLimit) * time.Second
	tester.Measure = w.Measurement

	w.Header()
	runErr := tester.Run(ctx)

	rep := run.Report()
	w.Summary(rep)
	l.Results.save(ctx, logger, results.Run{
		ID:        runID,
		Tool:      "loop",
		Device:    fmt.Sprintf("%04x:%04x", sel.VID, sel.PID),
		Serial:    sel.Serial,
		Mode:      cfg.Mode.String(),
		BlockSize: l.BlockSize,
	}, rep)

	return errors.Join(runErr, w.Err())
}
