package cmd

import "log/slog"

// Service manages a system service running the device command.
type Service struct {
	Install   ServiceInstall   `cmd:"" help:"Install and start the device service"`
	Uninstall ServiceUninstall `cmd:"" help:"Stop and remove the device service"`
}

type ServiceInstall struct {
	Config string `arg:"" help:"Configuration file the service passes to 'usbtunnel device'" type:"existingfile"`
}

func (s *ServiceInstall) Run(logger *slog.Logger) error { return install(s.Config, logger) }

type ServiceUninstall struct{}

func (s *ServiceUninstall) Run(logger *slog.Logger) error { return uninstall(logger) }
