package plug_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopplug/u3loop/internal/plug"
	fakeusb "github.com/loopplug/u3loop/internal/testing"
	"github.com/loopplug/u3loop/u3loop"
	"github.com/loopplug/u3loop/usb"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newDriver(t *testing.T) (*plug.Driver, *fakeusb.FakeHandle) {
	t.Helper()
	h := &fakeusb.FakeHandle{VID: 0x0403, PID: 0xff0b}
	fakeusb.NewFakeUSB(h)
	d := plug.NewDriver(h, nil)
	d.IdentifyPause = 0
	return d, h
}

func TestDriverCommands(t *testing.T) {
	tests := []struct {
		name      string
		call      func(d *plug.Driver) error
		wantValue uint16
		wantData  []byte
	}{
		{"lpm off", func(d *plug.Driver) error { return d.SetLinkPowerManagement(false) }, 0x000b, nil},
		{"lpm on", func(d *plug.Driver) error { return d.SetLinkPowerManagement(true) }, 0x010b, nil},
		{"display off", func(d *plug.Driver) error { return d.SetDisplay(false) }, 0x0004, nil},
		{"display on", func(d *plug.Driver) error { return d.SetDisplay(true) }, 0x0104, nil},
		{"leds", func(d *plug.Driver) error { return d.SetLEDs(u3loop.LEDTx | u3loop.LEDRx) }, 0x1401, nil},
		{"reset counters", func(d *plug.Driver) error { return d.ResetErrorCounters() }, 0x000a, nil},
		{
			"error counters config",
			func(d *plug.Driver) error { return d.ConfigureErrorCounters(u3loop.DefaultErrorConfig) },
			0x0005,
			[]byte{0xff, 0x01, 0xff, 0x7f},
		},
		{
			"configure",
			func(d *plug.Driver) error {
				return d.Configure(u3loop.Config{Mode: u3loop.ModeLoopback, EndpointType: u3loop.EndpointBulk, BufferSize: 0x0400})
			},
			0x0002,
			[]byte{0, 2, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x00, 0x04},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, h := newDriver(t)
			require.NoError(t, tt.call(d))
			require.Len(t, h.Controls, 1)
			c := h.Controls[0]
			assert.Equal(t, u3loop.RequestTypeOut, c.RequestType)
			assert.Equal(t, uint8(0), c.Request)
			assert.Equal(t, tt.wantValue, c.Value)
			assert.Equal(t, uint16(0), c.Index)
			if tt.wantData == nil {
				assert.Empty(t, c.Data)
			} else {
				assert.Equal(t, tt.wantData, c.Data)
			}
		})
	}
}

func TestDriverProtocolError(t *testing.T) {
	d, h := newDriver(t)
	h.ControlErrs = map[u3loop.Command]error{u3loop.CmdSetConfig: usb.StatusStall}

	err := d.Configure(u3loop.Config{})
	var pe *plug.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, u3loop.CmdSetConfig, pe.Cmd)
	assert.ErrorIs(t, err, usb.StatusStall)
}

func TestReadErrorCounters(t *testing.T) {
	full := []byte{
		1, 0, 0, 0,
		2, 0, 0, 0,
		0x04, 0, 0, 0,
		0x10, 0, 0, 0,
	}
	tests := []struct {
		name      string
		reply     []byte
		err       error
		want      u3loop.ErrorCounters
		wantShort bool
		wantErr   error
	}{
		{name: "ok", reply: full, want: u3loop.ErrorCounters{PhyCount: 1, LinkCount: 2, PhyMask: 4, LinkMask: 0x10}},
		{name: "short", reply: full[:10], wantShort: true},
		{name: "empty", reply: nil, wantShort: true},
		{name: "transport", err: usb.StatusTimedOut, wantErr: usb.StatusTimedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, h := newDriver(t)
			h.Replies = map[u3loop.Command][]byte{u3loop.CmdGetErrorCounters: tt.reply}
			if tt.err != nil {
				h.ControlErrs = map[u3loop.Command]error{u3loop.CmdGetErrorCounters: tt.err}
			}
			got, err := d.ReadErrorCounters()
			switch {
			case tt.wantShort:
				assert.ErrorIs(t, err, plug.ErrShortRead)
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.NotErrorIs(t, err, plug.ErrShortRead)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			require.Len(t, h.Controls, 1)
			assert.Equal(t, u3loop.RequestTypeIn, h.Controls[0].RequestType)
			assert.Equal(t, uint16(0x0006), h.Controls[0].Value)
		})
	}
}

func TestReadConfig(t *testing.T) {
	d, h := newDriver(t)
	want := u3loop.Config{Mode: u3loop.ModeRead, EndpointType: u3loop.EndpointBulk, EndpointIn: 1, EndpointOut: 1, Speed: u3loop.SpeedHigh, BufferSize: 0xc000}
	b, _ := want.MarshalBinary()
	h.Replies = map[u3loop.Command][]byte{u3loop.CmdGetConfig: b}

	got, err := d.ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestIdentify(t *testing.T) {
	d, h := newDriver(t)
	require.NoError(t, d.Identify(context.Background()))
	require.Len(t, h.Controls, 3)
	assert.Equal(t, uint16(0x0001), h.Controls[0].Value)
	assert.Equal(t, uint16(0x5501), h.Controls[1].Value)
	assert.Equal(t, uint16(0x0301), h.Controls[2].Value)
}

func TestIdentifyCancelledRestoresLEDs(t *testing.T) {
	d, h := newDriver(t)
	d.IdentifyPause = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := d.Identify(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, h.Controls, 2)
	assert.Equal(t, uint16(0x0001), h.Controls[0].Value)
	assert.Equal(t, uint16(0x0301), h.Controls[1].Value)
}

func TestRestoreRunsEveryStep(t *testing.T) {
	d, h := newDriver(t)
	boom := errors.New("display gone")
	h.ControlErrs = map[u3loop.Command]error{u3loop.CmdSetDisplayMode: boom}

	err := d.Restore(discard())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []u3loop.Command{u3loop.CmdSetDisplayMode, u3loop.CmdConfLPM}, h.Commands())
	assert.Equal(t, uint16(0x010b), h.Controls[1].Value)
}
