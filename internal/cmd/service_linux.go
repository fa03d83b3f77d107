//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	serviceName = "usbtunnel-device.service"
	servicePath = "/etc/systemd/system/usbtunnel-device.service"
)

var errNotRoot = errors.New("managing the systemd service requires root")

func requireRoot() error {
	if unix.Geteuid() != 0 {
		return errNotRoot
	}
	return nil
}

func install(configPath string, logger *slog.Logger) error {
	if err := requireRoot(); err != nil {
		return err
	}
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if exePath, err = filepath.EvalSymlinks(exePath); err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if configPath, err = filepath.Abs(configPath); err != nil {
		return err
	}

	if err := os.WriteFile(servicePath, []byte(systemdUnitContent(exePath, configPath)), 0o644); err != nil {
		return err
	}
	for _, args := range [][]string{{"daemon-reload"}, {"enable", serviceName}, {"restart", serviceName}} {
		if err := runSystemctl(args...); err != nil {
			return err
		}
	}
	logger.Info("Device service installed", "path", servicePath, "exe", exePath, "config", configPath)
	return nil
}

func uninstall(logger *slog.Logger) error {
	if err := requireRoot(); err != nil {
		return err
	}
	var errs []error
	for _, args := range [][]string{{"stop", serviceName}, {"disable", serviceName}} {
		if err := runSystemctl(args...); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(servicePath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := runSystemctl("daemon-reload"); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.Info("Device service removed", "path", servicePath)
	return nil
}

func systemdUnitContent(exePath, configPath string) string {
	return fmt.Sprintf(`[Unit]
Description=usbtunnel device
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%q --config %q device
WorkingDirectory=%s
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, exePath, configPath, filepath.Dir(exePath))
}

func runSystemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
