// Package plug drives the loopback plug over its vendor control protocol
// and sequences device bring-up and teardown around a benchmark run.
package plug

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopplug/u3loop/internal/log"
	"github.com/loopplug/u3loop/u3loop"
	"github.com/loopplug/u3loop/usb"
)

// Interface and endpoints used by both firmware variants.
const (
	Interface         = 0
	EndpointIn  uint8 = usb.EndpointIn | 0x01
	EndpointOut uint8 = 0x01
)

// TransferTimeout applies to every bulk request.
const TransferTimeout = 2 * time.Second

// Driver issues vendor commands on an open, claimed handle.
type Driver struct {
	h   usb.Handle
	raw log.RawLogger

	// IdentifyPause is the time each LED pattern stays on during Identify.
	IdentifyPause time.Duration
}

func NewDriver(h usb.Handle, raw log.RawLogger) *Driver {
	if raw == nil {
		raw = log.NewRaw(nil)
	}
	return &Driver{h: h, raw: raw, IdentifyPause: time.Second}
}

func (d *Driver) send(cmd u3loop.Command, arg uint16, payload []byte) error {
	d.raw.Log(false, payload)
	if _, err := d.h.Control(u3loop.RequestTypeOut, u3loop.Request, cmd.Value(arg), 0, payload); err != nil {
		return &ProtocolError{Cmd: cmd, Err: err}
	}
	return nil
}

func (d *Driver) recv(cmd u3loop.Command, n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := d.h.Control(u3loop.RequestTypeIn, u3loop.Request, cmd.Value(0), 0, buf)
	if err != nil {
		return nil, &ProtocolError{Cmd: cmd, Err: err}
	}
	d.raw.Log(true, buf[:got])
	return buf[:got], nil
}

func (d *Driver) recvExact(cmd u3loop.Command, n int) ([]byte, error) {
	b, err := d.recv(cmd, n)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, &ProtocolError{Cmd: cmd, Err: fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, len(b), n)}
	}
	return b, nil
}

// Configure sends the test configuration. The device re-enumerates afterwards.
func (d *Driver) Configure(cfg u3loop.Config) error {
	b, _ := cfg.MarshalBinary()
	return d.send(u3loop.CmdSetConfig, 0, b)
}

// ReadConfig returns the configuration currently active on the device.
func (d *Driver) ReadConfig() (u3loop.Config, error) {
	var cfg u3loop.Config
	b, err := d.recvExact(u3loop.CmdGetConfig, u3loop.ConfigLen)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.UnmarshalBinary(b)
}

func (d *Driver) SetLinkPowerManagement(enabled bool) error {
	arg := u3loop.LPMDisable
	if enabled {
		arg = u3loop.LPMEnable
	}
	return d.send(u3loop.CmdConfLPM, arg, nil)
}

func (d *Driver) SetDisplay(enabled bool) error {
	arg := u3loop.DisplayDisable
	if enabled {
		arg = u3loop.DisplayEnable
	}
	return d.send(u3loop.CmdSetDisplayMode, arg, nil)
}

func (d *Driver) SetLEDs(leds u3loop.LED) error {
	return d.send(u3loop.CmdSetLEDs, uint16(leds), nil)
}

func (d *Driver) ConfigureErrorCounters(cfg u3loop.ErrorConfig) error {
	b, _ := cfg.MarshalBinary()
	return d.send(u3loop.CmdConfErrorCounters, 0, b)
}

func (d *Driver) ResetErrorCounters() error {
	return d.send(u3loop.CmdResetErrorCounters, 0, nil)
}

// ReadErrorCounters fetches and clears the on-device error counters. A reply
// of the wrong size fails with ErrShortRead.
func (d *Driver) ReadErrorCounters() (u3loop.ErrorCounters, error) {
	var ec u3loop.ErrorCounters
	b, err := d.recvExact(u3loop.CmdGetErrorCounters, u3loop.ErrorCountersLen)
	if err != nil {
		return ec, err
	}
	return ec, ec.UnmarshalBinary(b)
}

// Query reads up to n bytes of a vendor IN command whose reply layout is
// not decoded, such as voltage or device info.
func (d *Driver) Query(cmd u3loop.Command, n int) ([]byte, error) {
	return d.recv(cmd, n)
}

// Identify blinks the LEDs: all off, all on, then power LED back under
// firmware control. Cancelling ctx skips the remaining pauses but still
// restores the LEDs.
func (d *Driver) Identify(ctx context.Context) error {
	if err := d.SetLEDs(u3loop.LEDNone); err != nil {
		return err
	}
	werr := wait(ctx, d.IdentifyPause)
	if werr == nil {
		if err := d.SetLEDs(u3loop.LEDAll); err != nil {
			return err
		}
		werr = wait(ctx, d.IdentifyPause)
	}
	if err := d.SetLEDs(u3loop.LEDPower | u3loop.LEDPowerAuto); err != nil {
		return err
	}
	return werr
}

// Restore re-enables the display and link power management. Both steps
// always run; failures are logged and joined.
func (d *Driver) Restore(logger *slog.Logger) error {
	td := NewTeardown(logger)
	d.restore(td)
	return td.Err()
}

func (d *Driver) restore(td *Teardown) {
	td.Run("enable display", func() error { return d.SetDisplay(true) })
	td.Run("enable lpm", func() error { return d.SetLinkPowerManagement(true) })
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
