// Package config holds the root command line of u3loop.
package config

import "github.com/loopplug/u3loop/internal/cmd"

// Log configures the structured logger and the raw control-transfer dump.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"U3LOOP_LOG_LEVEL"`
	File    string `help:"Also write logs to this file" type:"path" env:"U3LOOP_LOG_FILE"`
	RawFile string `help:"Dump raw vendor control payloads to this file" type:"path"`
}

// CLI is the root command structure parsed by kong. Values come from flags,
// environment and the configuration files, in that priority.
type CLI struct {
	ConfigFile string `name:"config" help:"Configuration file (json, yaml or toml)" type:"path" env:"U3LOOP_CONFIG"`
	Verbose    int    `short:"v" type:"counter" help:"Increase verbosity (repeatable, also sets the libusb debug level)"`
	Log        Log    `embed:"" prefix:"log."`

	Bench     cmd.Bench         `cmd:"" help:"Measure bulk throughput with asynchronous transfers"`
	Loop      cmd.Loop          `cmd:"" help:"Check data integrity in loopback mode"`
	Identify  cmd.Identify      `cmd:"" help:"Blink the LEDs of a plug"`
	Info      cmd.Info          `cmd:"" help:"Show the configuration a plug reports"`
	Types     cmd.Types         `cmd:"" help:"List the supported device types"`
	History   cmd.History       `cmd:"" help:"List runs saved to a results database"`
	Config    cmd.ConfigCommand `cmd:"" help:"Configuration file helpers"`
	Install   cmd.Install       `cmd:"" help:"Install udev rules for the supported plugs"`
	Uninstall cmd.Uninstall     `cmd:"" help:"Remove the udev rules"`
}
