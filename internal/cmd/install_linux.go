//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/loopplug/u3loop/internal/plug"
)

const rulesPath = "/etc/udev/rules.d/70-u3loop.rules"

func install(logger *slog.Logger) error {
	if err := os.WriteFile(rulesPath, []byte(udevRules()), 0o644); err != nil {
		return err
	}
	for _, args := range [][]string{
		{"control", "--reload-rules"},
		{"trigger", "--subsystem-match=usb"},
	} {
		if err := runUdevadm(args...); err != nil {
			return err
		}
	}
	logger.Info("udev rules installed", "path", rulesPath)
	return nil
}

func uninstall(logger *slog.Logger) error {
	var errs []error
	if err := os.Remove(rulesPath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := runUdevadm("control", "--reload-rules"); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("udev rules removed", "path", rulesPath)
	return nil
}

// udevRules grants the plugdev group access to every supported plug.
func udevRules() string {
	var b strings.Builder
	b.WriteString("# USB loopback test plugs\n")
	for _, t := range plug.Types {
		fmt.Fprintf(&b, "# %s\n", t.Description)
		fmt.Fprintf(&b, "SUBSYSTEM==\"usb\", ATTR{idVendor}==\"%04x\", ATTR{idProduct}==\"%04x\", MODE=\"0660\", GROUP=\"plugdev\", TAG+=\"uaccess\"\n", t.VID, t.PID)
	}
	return b.String()
}

func runUdevadm(args ...string) error {
	cmd := exec.Command("udevadm", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("udevadm %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
