package plug

import (
	"errors"
	"fmt"

	"github.com/loopplug/u3loop/u3loop"
)

var (
	ErrDeviceNotFound       = errors.New("no usable loopback plug found")
	ErrReenumerationTimeout = errors.New("timeout waiting for device to re-enumerate")
	ErrShortRead            = errors.New("short read")
)

// ProtocolError is a failed vendor control transfer. Err carries the
// transport error.
type ProtocolError struct {
	Cmd u3loop.Command
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%s: %v", e.Cmd, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// SetupError aborts a run before any benchmark I/O.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }
