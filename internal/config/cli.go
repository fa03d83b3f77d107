// Package config holds the root command line definition.
package config

import (
	"github.com/alecthomas/kong"

	"github.com/Alia5/usbtunnel/internal/cmd"
)

// Log configures the process loggers.
type Log struct {
	Level   string `help:"Log level: trace, debug, info, warn, error" default:"info" enum:"trace,debug,info,warn,error" env:"USBTUNNEL_LOG_LEVEL"`
	File    string `help:"Write logs to this file as well as stderr" type:"path" env:"USBTUNNEL_LOG_FILE"`
	RawFile string `help:"Hex dump link traffic to this file" type:"path" env:"USBTUNNEL_LOG_RAW_FILE"`
}

// CLI is the root command.
type CLI struct {
	Log     Log              `embed:"" prefix:"log."`
	Config  string           `help:"Configuration file (json, yaml or toml)" type:"path" env:"USBTUNNEL_CONFIG"`
	Version kong.VersionFlag `help:"Print the version and exit"`

	Device     cmd.Device        `cmd:"" help:"Run the device side: tunnel link plus USB-IP export"`
	Controller cmd.Controller    `cmd:"" help:"Run the remote controller with an emulated device model"`
	Sniff      cmd.Sniff         `cmd:"" help:"Relay a tunnel link and log every frame"`
	Ctl        cmd.Ctl           `cmd:"" help:"Talk to a running controller's management API"`
	Models     cmd.Models        `cmd:"" help:"List device models and serial ports"`
	Service    cmd.Service       `cmd:"" help:"Install the device command as a system service"`
	ConfigCmd  cmd.ConfigCommand `cmd:"" name:"config" help:"Configuration helpers"`
}
