// Package daemon installs the tfcal daemon as a systemd service.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const unitName = "tfcal.service"

var (
	unitPath = "/etc/systemd/system/" + unitName

	// systemctl runs systemctl with args. Replaced in tests.
	systemctl = func(args ...string) error {
		out, err := exec.Command("systemctl", args...).CombinedOutput()
		if err != nil {
			return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return nil
	}
)

const unitTemplate = `[Unit]
Description=tfcal transfer function calibration daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/path/to/tfcal daemon --config /path/to/config --daemon-socket /path/to/socket
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

// Unit renders the systemd unit for the executable at exePath.
func Unit(exePath, configPath, socketPath string) string {
	return strings.NewReplacer(
		"/path/to/tfcal", exePath,
		"/path/to/config", configPath,
		"/path/to/socket", socketPath,
	).Replace(unitTemplate)
}

// Install writes the systemd unit for the current executable, then enables
// and starts it.
func Install(configPath, socketPath string) error {
	// Get the path to the current executable
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	err = os.Chmod(exePath, 0755)
	if err != nil {
		return fmt.Errorf("failed to chmod the current executable to 0755: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)

	err = os.MkdirAll(filepath.Dir(unitPath), 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(unitPath), err)
	}

	// warn if the file already exists
	if _, err := os.Stat(unitPath); err == nil {
		logrus.Warnf("%s already exists, overwriting", unitPath)
	}

	logrus.Infof("writing systemd unit to %s", unitPath)
	err = os.WriteFile(unitPath, []byte(Unit(exePath, configPath, socketPath)), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", unitPath, err)
	}

	logrus.Infof("starting tfcal")

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", unitName)
}

// Uninstall stops and disables the service and removes its unit.
func Uninstall() error {
	logrus.Infof("stopping tfcal")

	if err := systemctl("disable", "--now", unitName); err != nil {
		return fmt.Errorf("failed to stop %s: %w. Are you root?", unitName, err)
	}

	logrus.Infof("removing systemd unit")

	// if the file doesn't exist, we don't need to remove it
	_, err := os.Stat(unitPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", unitPath, err)
	}

	err = os.Remove(unitPath)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w. Are you root?", unitPath, err)
	}

	return systemctl("daemon-reload")
}
