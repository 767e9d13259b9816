package plug

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loopplug/u3loop/internal/log"
	"github.com/loopplug/u3loop/u3loop"
	"github.com/loopplug/u3loop/usb"
)

// Options describe how a session brings the device up.
type Options struct {
	Selector Selector
	Type     DeviceType
	// Config is sent to devices speaking the vendor protocol. Nil leaves the
	// device configuration untouched.
	Config *u3loop.Config
	// ErrorCounters enables and resets the on-device error counters.
	ErrorCounters *u3loop.ErrorConfig
	Reenumerate   Reenumerator
}

// Session owns the transport context and the device handle for one run.
type Session struct {
	USB    usb.Context
	Handle usb.Handle
	// Driver is nil for devices without the vendor protocol.
	Driver *Driver

	logger *slog.Logger
	closed bool
}

// Start opens the device and prepares it for a run: configure, wait for
// re-enumeration, disable link power management, set up error counters and
// turn off the display. Only configuration and re-enumeration failures are
// fatal; on failure everything acquired so far is released, including usbctx.
func Start(ctx context.Context, usbctx usb.Context, opts Options, logger *slog.Logger, raw log.RawLogger) (*Session, error) {
	s := &Session{USB: usbctx, logger: logger}

	logger.Debug("looking for device", "type", opts.Type.Name, "device", opts.Selector.String())
	h, err := Open(usbctx, opts.Selector, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Handle = h
	if !opts.Type.Vendor {
		return s, nil
	}
	s.Driver = NewDriver(h, raw)
	if opts.Config == nil {
		return s, nil
	}

	if err := s.Driver.Configure(*opts.Config); err != nil {
		_ = s.Close()
		return nil, &SetupError{Stage: "configure device", Err: err}
	}
	logger.Debug("device configured", "mode", opts.Config.Mode, "speed", opts.Config.Speed)

	// The device drops off the bus now; the old handle is gone.
	_ = h.ReleaseInterface(Interface)
	_ = h.Close()
	s.Handle, s.Driver = nil, nil

	re := opts.Reenumerate
	if re.MaxWait <= 0 {
		re.MaxWait = DefaultReenumerator.MaxWait
	}
	h, err = re.Await(ctx, usbctx, opts.Selector, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.Handle = h
	s.Driver = NewDriver(h, raw)

	if err := s.Driver.SetLinkPowerManagement(false); err != nil {
		logger.Warn("failed to disable link power management", "error", err)
	}
	if opts.ErrorCounters != nil {
		if err := s.Driver.ConfigureErrorCounters(*opts.ErrorCounters); err != nil {
			logger.Warn("unable to enable error counters", "error", err)
		}
		if err := s.Driver.ResetErrorCounters(); err != nil {
			logger.Warn("unable to reset error counters", "error", err)
		}
	}
	if err := s.Driver.SetDisplay(false); err != nil {
		logger.Warn("failed to disable display", "error", err)
	}
	return s, nil
}

// Close restores the device and releases everything in reverse order of
// acquisition. Every step runs even if an earlier one fails. Close is
// idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	td := NewTeardown(s.logger)
	if s.Driver != nil {
		s.Driver.restore(td)
	}
	if s.Handle != nil {
		td.Run("release interface", func() error { return s.Handle.ReleaseInterface(Interface) })
		td.Run("close device", s.Handle.Close)
	}
	if s.USB != nil {
		td.Run("usb shutdown", s.USB.Close)
	}
	if err := td.Err(); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}
