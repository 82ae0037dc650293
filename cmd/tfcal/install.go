package main

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/charlie0129/tfcal/pkg/client"
	"github.com/charlie0129/tfcal/pkg/config"
	daemonutils "github.com/charlie0129/tfcal/pkg/utils/daemon"
)

var gInstallation = "Installation:"

func init() {
	commandGroups = append(commandGroups, gInstallation)
}

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false

	cmd := &cobra.Command{
		Use:         "install",
		Short:       "Install tfcal daemon as a systemd service",
		GroupID:     gInstallation,
		Annotations: map[string]string{annotationLocal: "true"},
		Long: `Install tfcal daemon as a systemd service.

This makes the daemon run in the background and start on boot. You must run this command as root.

By default, only root is allowed to access the daemon socket. Use --allow-non-root-access to let other users start and abort sweeps without sudo.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the tfcal daemon.")
			} else {
				logrus.Info("only root user is allowed to access the tfcal daemon.")
			}

			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			err = daemonutils.Install(configPath, unixSocketPath)
			if err != nil {
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v", err)
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()
			cmd.Printf("systemd will use the current binary (%s) at startup, so do not move it. If you do, run `tfcal install' again.\n", exePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access tfcal daemon.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	noSafeIdle := false

	cmd := &cobra.Command{
		Use:         "uninstall",
		Short:       "Uninstall tfcal daemon",
		GroupID:     gInstallation,
		Annotations: map[string]string{annotationLocal: "true"},
		Long: `Stop tfcal daemon and remove its systemd service.

Unless --no-safe-idle is given, the setup is put into safe idle first. You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !noSafeIdle {
				logrus.Infof("returning the setup to safe idle")
				if _, err := apiClient.SafeIdle(); err != nil {
					if !errors.Is(err, client.ErrDaemonNotRunning) {
						return fmt.Errorf("failed to enter safe idle, abort the running sweep first: %w", err)
					}
					logrus.Warn("daemon is not running, the setup is left as it is")
				}
			}

			err := daemonutils.Uninstall()
			if err != nil {
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			cmd.Println("successfully uninstalled")
			cmd.Printf("Your config is kept in %s. Records are kept in the configured output directory.\n", configPath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&noSafeIdle, "no-safe-idle", false, "Do not put the setup into safe idle before uninstalling.")

	return cmd
}
