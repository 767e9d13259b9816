//go:build !linux

package util

// USBFSAccess is a no-op where device nodes are not exposed through usbfs.
func USBFSAccess(bus, address int) error {
	return nil
}
