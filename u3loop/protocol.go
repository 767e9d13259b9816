// Package u3loop contains the vendor control protocol of the USB 3.0
// loopback plug: command codes, request arguments and the packed
// little-endian payload structures exchanged with the device.
package u3loop

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Vendor request types. Commands are sent in wValue with bRequest and wIndex zero.
const (
	RequestTypeOut uint8 = 0x40 // vendor | device | host-to-device
	RequestTypeIn  uint8 = 0xC0 // vendor | device | device-to-host
	Request        uint8 = 0x00
)

// Command is a vendor command code. Commands that take an argument carry it
// in the upper byte of wValue, OR'd with the command code.
type Command uint16

const (
	CmdSetLEDs            Command = 0x01
	CmdSetConfig          Command = 0x02
	CmdGetConfig          Command = 0x03
	CmdSetDisplayMode     Command = 0x04
	CmdConfErrorCounters  Command = 0x05
	CmdGetErrorCounters   Command = 0x06
	CmdGetVoltage         Command = 0x07
	CmdReserved           Command = 0x08
	CmdGetMaxSpeed        Command = 0x09
	CmdResetErrorCounters Command = 0x0a
	CmdConfLPM            Command = 0x0b
	CmdGetDeviceInfo      Command = 0x50
)

var commandNames = map[Command]string{
	CmdSetLEDs:            "SET_LEDS",
	CmdSetConfig:          "SET_CONFIG",
	CmdGetConfig:          "GET_CONFIG",
	CmdSetDisplayMode:     "SET_DISPLAY_MODE",
	CmdConfErrorCounters:  "CONF_ERROR_COUNTERS",
	CmdGetErrorCounters:   "GET_ERROR_COUNTERS",
	CmdGetVoltage:         "GET_VOLTAGE",
	CmdReserved:           "RESERVED",
	CmdGetMaxSpeed:        "GET_MAX_SPEED",
	CmdResetErrorCounters: "RESET_ERROR_COUNTERS",
	CmdConfLPM:            "CONF_LPM",
	CmdGetDeviceInfo:      "GET_DEVICE_INFO",
}

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("CMD(0x%02x)", uint16(c))
}

// Value builds the wValue field for the command with the given argument.
func (c Command) Value(arg uint16) uint16 {
	return uint16(c) | arg
}

// LED bits for CmdSetLEDs. Each LED has an AUTO bit directly above it that
// hands control of the LED back to the firmware.
type LED uint16

const (
	LEDPower LED = 0x0100
	LEDTx    LED = 0x0400
	LEDRx    LED = 0x1000
	LEDError LED = 0x4000

	LEDPowerAuto = LEDPower << 1
	LEDTxAuto    = LEDTx << 1
	LEDRxAuto    = LEDRx << 1
	LEDErrorAuto = LEDError << 1

	LEDNone LED = 0
	LEDAll      = LEDPower | LEDTx | LEDRx | LEDError
)

// Arguments for CmdSetDisplayMode and CmdConfLPM.
const (
	DisplayDisable uint16 = 0x0000
	DisplayEnable  uint16 = 0x0100
	LPMDisable     uint16 = 0x0000
	LPMEnable      uint16 = 0x0100
)

// Mode selects how the device treats bulk data.
type Mode uint8

const (
	ModeLoopback  Mode = 0
	ModeRead      Mode = 1
	ModeWrite     Mode = 2
	ModeReadWrite Mode = 3
)

func (m Mode) String() string {
	switch m {
	case ModeLoopback:
		return "loopback"
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Endpoint types.
const (
	EndpointControl     uint8 = 0
	EndpointIsochronous uint8 = 1
	EndpointBulk        uint8 = 2
	EndpointInterrupt   uint8 = 3
)

// Speed is the USB speed the device is forced to.
type Speed uint8

const (
	SpeedFull  Speed = 1
	SpeedHigh  Speed = 2
	SpeedSuper Speed = 3
)

// ParseSpeed accepts the short names fs, hs and ss in any case.
func ParseSpeed(s string) (Speed, error) {
	switch strings.ToLower(s) {
	case "fs":
		return SpeedFull, nil
	case "hs":
		return SpeedHigh, nil
	case "ss", "":
		return SpeedSuper, nil
	default:
		return 0, fmt.Errorf("invalid speed %q (want fs, hs or ss)", s)
	}
}

func (s Speed) String() string {
	switch s {
	case SpeedFull:
		return "full-speed"
	case SpeedHigh:
		return "high-speed"
	case SpeedSuper:
		return "super-speed"
	default:
		return fmt.Sprintf("speed(%d)", uint8(s))
	}
}

// Payload sizes in bytes.
const (
	ConfigLen        = 14
	ErrorConfigLen   = 4
	ErrorCountersLen = 16
)

// FillByte is written to every data buffer before a run.
const FillByte byte = 0xC5

// Config is the device test configuration sent with CmdSetConfig.
type Config struct {
	Mode                Mode
	EndpointType        uint8
	EndpointIn          uint8
	EndpointOut         uint8
	SSBurstLen          uint8
	PollingInterval     uint8
	HSBulkNakInterval   uint8
	IsoTransactions     uint8  // per bus interval
	IsoBytesPerInterval uint16 // LE
	Speed               Speed
	BufferCount         uint8
	BufferSize          uint16 // LE
}

// BenchConfig is the configuration used by the throughput benchmark. The
// device buffers are halved when it has to read and write at once.
func BenchConfig(mode Mode, speed Speed) Config {
	c := Config{
		Mode:                mode,
		EndpointType:        EndpointBulk,
		EndpointIn:          1,
		EndpointOut:         1,
		SSBurstLen:          0x10,
		PollingInterval:     1,
		IsoTransactions:     3,
		IsoBytesPerInterval: 0xc000,
		Speed:               speed,
		BufferCount:         2,
		BufferSize:          0xc000,
	}
	if mode == ModeReadWrite {
		c.BufferSize = 0x6000
	}
	return c
}

// LoopbackConfig is the configuration used by the integrity test.
func LoopbackConfig(speed Speed) Config {
	return Config{
		Mode:                ModeLoopback,
		EndpointType:        EndpointBulk,
		EndpointIn:          1,
		EndpointOut:         1,
		SSBurstLen:          1,
		PollingInterval:     1,
		IsoTransactions:     3,
		IsoBytesPerInterval: 0xc000,
		Speed:               speed,
		BufferCount:         0x40,
		BufferSize:          0x400,
	}
}

// MarshalBinary encodes the configuration in its packed wire layout.
func (c Config) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	b.Grow(ConfigLen)
	b.WriteByte(uint8(c.Mode))
	b.WriteByte(c.EndpointType)
	b.WriteByte(c.EndpointIn)
	b.WriteByte(c.EndpointOut)
	b.WriteByte(c.SSBurstLen)
	b.WriteByte(c.PollingInterval)
	b.WriteByte(c.HSBulkNakInterval)
	b.WriteByte(c.IsoTransactions)
	_ = binary.Write(&b, binary.LittleEndian, c.IsoBytesPerInterval)
	b.WriteByte(uint8(c.Speed))
	b.WriteByte(c.BufferCount)
	_ = binary.Write(&b, binary.LittleEndian, c.BufferSize)
	return b.Bytes(), nil
}

// UnmarshalBinary decodes a configuration read back with CmdGetConfig.
func (c *Config) UnmarshalBinary(data []byte) error {
	if len(data) != ConfigLen {
		return fmt.Errorf("config: want %d bytes, got %d", ConfigLen, len(data))
	}
	c.Mode = Mode(data[0])
	c.EndpointType = data[1]
	c.EndpointIn = data[2]
	c.EndpointOut = data[3]
	c.SSBurstLen = data[4]
	c.PollingInterval = data[5]
	c.HSBulkNakInterval = data[6]
	c.IsoTransactions = data[7]
	c.IsoBytesPerInterval = binary.LittleEndian.Uint16(data[8:10])
	c.Speed = Speed(data[10])
	c.BufferCount = data[11]
	c.BufferSize = binary.LittleEndian.Uint16(data[12:14])
	return nil
}

// ErrorConfig selects which error classes increment the on-device counters.
type ErrorConfig struct {
	PhyMask  uint16
	LinkMask uint16
}

// DefaultErrorConfig enables every physical and link layer error class.
var DefaultErrorConfig = ErrorConfig{PhyMask: 0x01ff, LinkMask: 0x7fff}

func (e ErrorConfig) MarshalBinary() ([]byte, error) {
	b := make([]byte, ErrorConfigLen)
	binary.LittleEndian.PutUint16(b[0:2], e.PhyMask)
	binary.LittleEndian.PutUint16(b[2:4], e.LinkMask)
	return b, nil
}

// ErrorCounters is the reply to CmdGetErrorCounters. The device clears its
// counters after they have been read.
type ErrorCounters struct {
	PhyCount  uint32
	LinkCount uint32
	PhyMask   uint32
	LinkMask  uint32
}

func (e *ErrorCounters) UnmarshalBinary(data []byte) error {
	if len(data) != ErrorCountersLen {
		return fmt.Errorf("error counters: want %d bytes, got %d", ErrorCountersLen, len(data))
	}
	e.PhyCount = binary.LittleEndian.Uint32(data[0:4])
	e.LinkCount = binary.LittleEndian.Uint32(data[4:8])
	e.PhyMask = binary.LittleEndian.Uint32(data[8:12])
	e.LinkMask = binary.LittleEndian.Uint32(data[12:16])
	return nil
}

func (e ErrorCounters) MarshalBinary() ([]byte, error) {
	b := make([]byte, ErrorCountersLen)
	binary.LittleEndian.PutUint32(b[0:4], e.PhyCount)
	binary.LittleEndian.PutUint32(b[4:8], e.LinkCount)
	binary.LittleEndian.PutUint32(b[8:12], e.PhyMask)
	binary.LittleEndian.PutUint32(b[12:16], e.LinkMask)
	return b, nil
}
