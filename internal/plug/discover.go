package plug

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopplug/u3loop/usb"
)

// Open opens the first device matching sel and claims its interface.
// Devices whose serial number cannot be read are skipped.
func Open(usbctx usb.Context, sel Selector, logger *slog.Logger) (usb.Handle, error) {
	handles, err := usbctx.OpenDevices(sel.VID, sel.PID)
	if err != nil {
		if len(handles) == 0 {
			if errors.Is(err, usb.ErrAccess) {
				return nil, &SetupError{Stage: "open device", Err: err}
			}
			return nil, &SetupError{Stage: "open device", Err: fmt.Errorf("%s: %w: %w", sel, ErrDeviceNotFound, err)}
		}
		logger.Debug("some devices could not be opened", "error", err)
	}

	var found usb.Handle
	for _, h := range handles {
		if found != nil {
			_ = h.Close()
			continue
		}
		serial, err := h.SerialNumber()
		if err != nil {
			logger.Debug("unable to read serial number", "bus", h.Bus(), "address", h.Address(), "error", err)
			_ = h.Close()
			continue
		}
		if sel.Serial != "" && serial != sel.Serial {
			_ = h.Close()
			continue
		}
		logger.Info("found device", "bus", h.Bus(), "address", h.Address(), "serial", serial)
		found = h
	}
	if found == nil {
		return nil, &SetupError{Stage: "open device", Err: fmt.Errorf("%s: %w", sel, ErrDeviceNotFound)}
	}

	if err := found.ClaimInterface(Interface); err != nil {
		_ = found.Close()
		return nil, &SetupError{Stage: "claim interface", Err: err}
	}
	return found, nil
}

// Reenumerator waits for a device to come back after a configuration change.
type Reenumerator struct {
	MaxWait  time.Duration
	Interval time.Duration
	// Sleep defaults to a context aware timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultReenumerator polls once per second for ten seconds.
var DefaultReenumerator = Reenumerator{MaxWait: 10 * time.Second, Interval: time.Second}

// Await polls Open once per Interval until MaxWait has passed.
//
// When several plugs share VID and PID and sel has no serial number, the
// handle returned may belong to a different unit than the one configured.
// Pass a serial number when more than one plug is attached.
func (r Reenumerator) Await(ctx context.Context, usbctx usb.Context, sel Selector, logger *slog.Logger) (usb.Handle, error) {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = wait
	}
	attempts := int(r.MaxWait / interval)
	if attempts < 1 {
		attempts = 1
	}

	logger.Info("waiting for device to re-enumerate", "device", sel.String(), "max_wait", r.MaxWait)
	var last error
	for i := 0; i < attempts; i++ {
		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}
		h, err := Open(usbctx, sel, logger)
		if err == nil {
			return h, nil
		}
		last = err
		logger.Debug("device not back yet", "attempt", i+1, "error", err)
	}
	return nil, &SetupError{
		Stage: "re-enumeration",
		Err:   fmt.Errorf("%w after %s: %w", ErrReenumerationTimeout, r.MaxWait, last),
	}
}

// AwaitReenumeration waits up to maxWait using a one second poll interval.
func AwaitReenumeration(ctx context.Context, usbctx usb.Context, sel Selector, maxWait time.Duration, logger *slog.Logger) (usb.Handle, error) {
	r := DefaultReenumerator
	r.MaxWait = maxWait
	return r.Await(ctx, usbctx, sel, logger)
}
