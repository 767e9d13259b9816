package util_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loopplug/u3loop/internal/util"
)

func TestUSBFSPath(t *testing.T) {
	assert.Equal(t, "/dev/bus/usb/002/017", util.USBFSPath(2, 17))
	assert.Equal(t, "/dev/bus/usb/123/001", util.USBFSPath(123, 1))
}

func TestUSBFSAccessMissingNode(t *testing.T) {
	err := util.USBFSAccess(999, 999)
	assert.ErrorContains(t, err, "/dev/bus/usb/999/999")
}
