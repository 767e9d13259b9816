package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/loopplug/u3loop/internal/log"
	"github.com/loopplug/u3loop/internal/plug"
	"github.com/loopplug/u3loop/u3loop"
)

// Info prints what the plug reports about itself without changing its
// configuration.
type Info struct {
	Device `embed:""`
}

type deviceInfo struct {
	Device   string      `yaml:"device"`
	Type     string      `yaml:"type"`
	Config   *configInfo `yaml:"config,omitempty"`
	MaxSpeed string      `yaml:"max_speed,omitempty"`
	Voltage  string      `yaml:"voltage,omitempty"`
	Firmware string      `yaml:"device_info,omitempty"`
}

type configInfo struct {
	Mode                string `yaml:"mode"`
	EndpointType        uint8  `yaml:"endpoint_type"`
	EndpointIn          uint8  `yaml:"endpoint_in"`
	EndpointOut         uint8  `yaml:"endpoint_out"`
	SSBurstLen          uint8  `yaml:"ss_burst_len"`
	PollingInterval     uint8  `yaml:"polling_interval"`
	HSBulkNakInterval   uint8  `yaml:"hs_bulk_nak_interval"`
	IsoTransactions     uint8  `yaml:"iso_transactions"`
	IsoBytesPerInterval uint16 `yaml:"iso_bytes_per_interval"`
	Speed               string `yaml:"speed"`
	BufferCount         uint8  `yaml:"buffer_count"`
	BufferSize          uint16 `yaml:"buffer_size"`
}

func newConfigInfo(c u3loop.Config) *configInfo {
	return &configInfo{
		Mode:                c.Mode.String(),
		EndpointType:        c.EndpointType,
		EndpointIn:          c.EndpointIn,
		EndpointOut:         c.EndpointOut,
		SSBurstLen:          c.SSBurstLen,
		PollingInterval:     c.PollingInterval,
		HSBulkNakInterval:   c.HSBulkNakInterval,
		IsoTransactions:     c.IsoTransactions,
		IsoBytesPerInterval: c.IsoBytesPerInterval,
		Speed:               c.Speed.String(),
		BufferCount:         c.BufferCount,
		BufferSize:          c.BufferSize,
	}
}

// Run is called by Kong when the info command is executed.
func (i *Info) Run(logger *slog.Logger, rawLogger log.RawLogger, env *Env) error {
	ctx, stop := signalContext()
	defer stop()
	return i.Execute(ctx, logger, rawLogger, env)
}

func (i *Info) Execute(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger, env *Env) error {
	typ, sel, err := i.resolve(env.Out)
	if errors.Is(err, errTypesListed) {
		return nil
	}
	if err != nil {
		return err
	}

	sess, err := plug.Start(ctx, env.openUSB(), plug.Options{Selector: sel, Type: typ}, logger, rawLogger)
	if err != nil {
		return err
	}
	defer closeSession(sess, logger)

	out := deviceInfo{Device: sel.String(), Type: typ.Name}
	if d := sess.Driver; d != nil {
		if cfg, err := d.ReadConfig(); err != nil {
			logger.Warn("unable to read device configuration", "error", err)
		} else {
			out.Config = newConfigInfo(cfg)
		}
		out.MaxSpeed = query(d, u3loop.CmdGetMaxSpeed, 1, logger)
		out.Voltage = query(d, u3loop.CmdGetVoltage, 4, logger)
		out.Firmware = query(d, u3loop.CmdGetDeviceInfo, 64, logger)
	}

	b, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode device info: %w", err)
	}
	_, err = env.Out.Write(b)
	return err
}

// query returns the reply as hex; failures are logged and yield "".
func query(d *plug.Driver, cmd u3loop.Command, n int, logger *slog.Logger) string {
	b, err := d.Query(cmd, n)
	if err != nil {
		logger.Warn("query failed", "command", cmd.String(), "error", err)
		return ""
	}
	return hex.EncodeToString(b)
}
