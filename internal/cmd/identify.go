package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loopplug/u3loop/internal/log"
	"github.com/loopplug/u3loop/internal/plug"
)

// Identify blinks the LEDs of the selected plug so it can be found among
// several connected ones.
type Identify struct {
	Device `embed:""`
}

// Run is called by Kong when the identify command is executed.
func (i *Identify) Run(logger *slog.Logger, rawLogger log.RawLogger, env *Env) error {
	ctx, stop := signalContext()
	defer stop()
	return i.Execute(ctx, logger, rawLogger, env)
}

func (i *Identify) Execute(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger, env *Env) error {
	typ, sel, err := i.resolve(env.Out)
	if errors.Is(err, errTypesListed) {
		return nil
	}
	if err != nil {
		return err
	}
	if !typ.Vendor {
		return fmt.Errorf("device type %s cannot be identified", typ.Name)
	}

	sess, err := plug.Start(ctx, env.openUSB(), plug.Options{Selector: sel, Type: typ}, logger, rawLogger)
	if err != nil {
		return err
	}
	defer closeSession(sess, logger)

	logger.Info("identifying device", "device", sel.String())
	if err := sess.Driver.Identify(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("identify: %w", err)
	}
	return nil
}
