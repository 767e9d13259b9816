package util

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// USBFSAccess checks whether the usbfs node of a device can be opened for
// read and write. libusb only reports LIBUSB_ERROR_ACCESS, so the node path
// is what tells the user which udev rule or group is missing.
func USBFSAccess(bus, address int) error {
	path := USBFSPath(bus, address)
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// USBFSPath returns the usbfs device node for bus and address.
func USBFSPath(bus, address int) string {
	return fmt.Sprintf("/dev/bus/usb/%03d/%03d", bus, address)
}
