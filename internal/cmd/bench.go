package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loopplug/u3loop/internal/log"
	"github.com/loopplug/u3loop/internal/pipeline"
	"github.com/loopplug/u3loop/internal/plug"
	"github.com/loopplug/u3loop/internal/report"
	"github.com/loopplug/u3loop/internal/results"
	"github.com/loopplug/u3loop/internal/stats"
	"github.com/loopplug/u3loop/u3loop"
)

// Bench measures bulk throughput with a pool of asynchronous transfers.
type Bench struct {
	Device    `embed:""`
	Mode      string  `short:"m" help:"Test mode: rw (read and write), r (read) or w (write)" default:"rw"`
	Size      int     `short:"l" help:"Transfer size in bytes" default:"2097152"`
	Buffers   int     `help:"Number of transfers kept in flight (even)" default:"64"`
	Interval  int     `short:"i" help:"Report statistics every N seconds (0 disables)" default:"1"`
	TimeLimit int     `short:"t" help:"Time limit of the test in seconds (0 runs until interrupted)" default:"0"`
	Results   Results `embed:"" prefix:"results."`
}

func parseBenchMode(s string) (u3loop.Mode, error) {
	switch strings.ToLower(s) {
	case "r":
		return u3loop.ModeRead, nil
	case "w":
		return u3loop.ModeWrite, nil
	case "rw", "":
		return u3loop.ModeReadWrite, nil
	}
	return 0, fmt.Errorf("invalid mode %q", s)
}

// Run is called by Kong when the bench command is executed.
func (b *Bench) Run(logger *slog.Logger, rawLogger log.RawLogger, env *Env) error {
	ctx, stop := signalContext()
	defer stop()
	return b.Execute(ctx, logger, rawLogger, env)
}

func (b *Bench) Execute(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger, env *Env) error {
	typ, sel, err := b.resolve(env.Out)
	if errors.Is(err, errTypesListed) {
		return nil
	}
	if err != nil {
		return err
	}
	mode, err := parseBenchMode(b.Mode)
	if err != nil {
		return err
	}
	speed, err := u3loop.ParseSpeed(b.Speed)
	if err != nil {
		return err
	}
	if b.Size <= 0 {
		return fmt.Errorf("transfer size must be positive, got %d", b.Size)
	}
	if b.Buffers <= 0 || b.Buffers%2 != 0 {
		return fmt.Errorf("%w: %d", pipeline.ErrPoolSize, b.Buffers)
	}
	if b.Size%1024 != 0 {
		// FX3 bulk source/sink firmware hangs on partial packets
		logger.Warn("transfer size not a multiple of 1024, this might not work", "size", b.Size)
	}

	runID := uuid.New()
	logger = logger.With("run", runID.String())

	cfg := u3loop.BenchConfig(mode, speed)
	sess, err := plug.Start(ctx, env.openUSB(), plug.Options{
		Selector:    sel,
		Type:        typ,
		Config:      &cfg,
		Reenumerate: b.reenumerator(env),
	}, logger, rawLogger)
	if err != nil {
		return err
	}
	defer closeSession(sess, logger)

	run := stats.New()
	pool := pipeline.New(sess.USB, sess.Handle, run, logger)
	if err := pool.Fill(ctx, pipeline.Config{
		Size:        b.Buffers,
		BufferSize:  b.Size,
		Mode:        mode,
		EndpointIn:  plug.EndpointIn,
		EndpointOut: plug.EndpointOut,
		Timeout:     plug.TransferTimeout,
	}); err != nil {
		return err
	}

	w := report.NewWriter(env.Out, report.Bench)
	w.Header()
	runner := &pipeline.Runner{
		Pool:      pool,
		Stats:     run,
		Logger:    logger,
		Interval:  time.Duration(b.Interval) * time.Second,
		TimeLimit: time.Duration(b.TimeLimit) * time.Second,
		Measure:   w.Measurement,
	}
	runErr := runner.Run(ctx)

	rep := run.Report()
	w.Summary(rep)
	drainErr := pool.Drain()

	b.Results.save(ctx, logger, results.Run{
		ID:        runID,
		Tool:      "bench",
		Device:    fmt.Sprintf("%04x:%04x", sel.VID, sel.PID),
		Serial:    sel.Serial,
		Mode:      mode.String(),
		BlockSize: b.Size,
	}, rep)

	return errors.Join(runErr, drainErr, w.Err())
}
