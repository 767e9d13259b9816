package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loopplug/u3loop/internal/plug"
	"github.com/loopplug/u3loop/internal/results"
	"github.com/loopplug/u3loop/internal/stats"
	"github.com/loopplug/u3loop/usb"
)

// Env is bound by main and shared by every device command.
type Env struct {
	// OpenUSB creates the transport context for one run.
	OpenUSB func() usb.Context
	// Verbose is the -v count, also used as the libusb debug level.
	Verbose int
	// Out receives the report stream.
	Out io.Writer
	// Reenumerate overrides the poll schedule; MaxWait comes from the flags.
	Reenumerate plug.Reenumerator
}

// NewEnv returns the production environment writing to stdout.
func NewEnv(verbose int) *Env {
	return &Env{
		OpenUSB: func() usb.Context { return usb.NewGoUSB() },
		Verbose: verbose,
		Out:     os.Stdout,
	}
}

func (e *Env) openUSB() usb.Context {
	u := e.OpenUSB()
	u.SetDebug(e.Verbose)
	return u
}

var errTypesListed = errors.New("device types listed")

// Device selects the plug to run against.
type Device struct {
	Type            string        `short:"T" help:"Test device type ('list' prints the supported types)" default:"passmark" env:"U3LOOP_TYPE"`
	ID              string        `short:"I" name:"id" help:"Use a specific device by USB vendor and product id (VVVV:PPPP)"`
	Serial          string        `short:"s" help:"Use the device with this serial number" env:"U3LOOP_SERIAL"`
	Speed           string        `short:"S" help:"Force the device to work at this USB speed (fs, hs, ss)" default:"ss"`
	ReenumerateWait time.Duration `help:"How long to wait for the device to come back after configuration" default:"10s"`
}

// resolve returns errTypesListed after printing the type list for -T list.
func (d *Device) resolve(out io.Writer) (plug.DeviceType, plug.Selector, error) {
	if strings.EqualFold(d.Type, "list") {
		writeTypes(out)
		return plug.DeviceType{}, plug.Selector{}, errTypesListed
	}
	typ, err := plug.LookupType(strings.ToLower(d.Type))
	if err != nil {
		return plug.DeviceType{}, plug.Selector{}, err
	}
	sel := plug.Selector{VID: typ.VID, PID: typ.PID, Serial: d.Serial}
	if d.ID != "" {
		if sel.VID, sel.PID, err = plug.ParseVIDPID(d.ID); err != nil {
			return plug.DeviceType{}, plug.Selector{}, err
		}
	}
	return typ, sel, nil
}

func (d *Device) reenumerator(env *Env) plug.Reenumerator {
	r := env.Reenumerate
	r.MaxWait = d.ReenumerateWait
	return r
}

func writeTypes(out io.Writer) {
	fmt.Fprintln(out, "Supported device types:")
	for _, t := range plug.Types {
		fmt.Fprintf(out, "  %s - %s (%04x:%04x)\n", t.Name, t.Description, t.VID, t.PID)
	}
}

// Types lists the supported device types.
type Types struct{}

func (t *Types) Run(env *Env) error {
	writeTypes(env.Out)
	return nil
}

// Results stores finished runs.
type Results struct {
	DB string `name:"db" help:"Append the final report to this SQLite history database" type:"path" env:"U3LOOP_RESULTS_DB"`
}

func (r Results) save(ctx context.Context, logger *slog.Logger, run results.Run, rep stats.Report) {
	if r.DB == "" {
		return
	}
	store, err := results.Open(r.DB, logger)
	if err != nil {
		logger.Warn("results history unavailable", "db", r.DB, "error", err)
		return
	}
	defer store.Close()

	row := results.FromReport(rep)
	row.ID, row.Tool, row.Device, row.Serial, row.Mode, row.BlockSize = run.ID, run.Tool, run.Device, run.Serial, run.Mode, run.BlockSize
	if _, err := store.Save(context.WithoutCancel(ctx), row); err != nil {
		logger.Warn("failed to save run", "db", r.DB, "error", err)
		return
	}
	logger.Debug("run saved", "db", r.DB)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func closeSession(s *plug.Session, logger *slog.Logger) {
	if err := s.Close(); err != nil {
		logger.Warn("device teardown incomplete", "error", err)
	}
}
