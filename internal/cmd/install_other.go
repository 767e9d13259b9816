//go:build !linux

package cmd

import (
	"errors"
	"log/slog"
)

var errInstallUnsupported = errors.New("device access rules are only managed on linux")

func install(*slog.Logger) error   { return errInstallUnsupported }
func uninstall(*slog.Logger) error { return errInstallUnsupported }
