package plug

import (
	"errors"
	"fmt"
	"log/slog"
)

// Step is the outcome of one teardown step.
type Step struct {
	Name string
	Err  error
}

// Teardown runs release steps independently. A failing step is logged and
// recorded; later steps still run.
type Teardown struct {
	logger *slog.Logger
	Steps  []Step
}

func NewTeardown(logger *slog.Logger) *Teardown {
	return &Teardown{logger: logger}
}

func (t *Teardown) Run(name string, fn func() error) {
	err := fn()
	t.Steps = append(t.Steps, Step{Name: name, Err: err})
	if err != nil {
		t.logger.Warn("teardown step failed", "step", name, "error", err)
	} else {
		t.logger.Debug("teardown step done", "step", name)
	}
}

// Err joins every failed step, or returns nil.
func (t *Teardown) Err() error {
	var errs []error
	for _, s := range t.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, s.Err))
		}
	}
	return errors.Join(errs...)
}
