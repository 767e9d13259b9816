package plug

import (
	"fmt"
	"strconv"
)

// DeviceType is a supported loopback device.
type DeviceType struct {
	Name        string
	Description string
	VID         uint16
	PID         uint16
	// Vendor reports whether the firmware speaks the vendor control protocol.
	// Without it the device is used as-is: no configuration, no
	// re-enumeration and nothing to restore.
	Vendor bool
}

var Types = []DeviceType{
	{Name: "passmark", Description: "PassMark USB 3.0 loopback plug", VID: 0x0403, PID: 0xff0b, Vendor: true},
	{Name: "fx3", Description: "Cypress FX3/CX3 with cyfxbulksrcsink example firmware", VID: 0x04b4, PID: 0x00f1},
}

func LookupType(name string) (DeviceType, error) {
	for _, t := range Types {
		if t.Name == name {
			return t, nil
		}
	}
	return DeviceType{}, fmt.Errorf("unknown device type %q", name)
}

// ParseVIDPID parses an id of the exact form VVVV:PPPP in hex.
func ParseVIDPID(s string) (vid, pid uint16, err error) {
	if len(s) != 9 || s[4] != ':' {
		return 0, 0, fmt.Errorf("illegal VID:PID %q, use format VVVV:PPPP", s)
	}
	v, err := strconv.ParseUint(s[:4], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("illegal vendor id %q: %w", s[:4], err)
	}
	p, err := strconv.ParseUint(s[5:], 16, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("illegal product id %q: %w", s[5:], err)
	}
	return uint16(v), uint16(p), nil
}

// Selector picks one device. An empty Serial matches any unit.
type Selector struct {
	VID    uint16
	PID    uint16
	Serial string
}

func (s Selector) String() string {
	serial := s.Serial
	if serial == "" {
		serial = "*"
	}
	return fmt.Sprintf("%04x:%04x sn:%s", s.VID, s.PID, serial)
}
