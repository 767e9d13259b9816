package cmd

import "log/slog"

// Install writes udev rules so the supported plugs can be used without root.
type Install struct{}

func (i *Install) Run(logger *slog.Logger) error { return install(logger) }

// Uninstall removes the udev rules written by install.
type Uninstall struct{}

func (u *Uninstall) Run(logger *slog.Logger) error { return uninstall(logger) }
