package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/charlie0129/tfcal/pkg/client"
	"github.com/charlie0129/tfcal/pkg/version"
)

var (
	logLevel       = "info"
	unixSocketPath = "/var/run/tfcal.sock"
	configPath     = "/etc/tfcal.json"
)

var (
	gSweep        = "Sweep:"
	gDaemon       = "Daemon:"
	commandGroups = []string{
		gSweep,
		gDaemon,
	}
)

var apiClient *client.Client

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	return nil
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, client.ErrDaemonNotRunning):
		fmt.Fprintln(os.Stderr, "\nError: tfcal daemon is not running")
		fmt.Fprintln(os.Stderr, "Start it with 'tfcal daemon' or use 'tfcal run' for a sweep without the daemon.")
	case errors.Is(err, client.ErrPermissionDenied):
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or set 'allowNonRootAccess' in the daemon config to grant permissions to your user")
	case errors.Is(err, client.ErrConflict):
		fmt.Fprintln(os.Stderr, "\nCheck 'tfcal sweep status' for the state of the current sweep.")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tfcal",
		Short: "tfcal calibrates the transfer function of a scanning probe signal path",
		Long: `tfcal calibrates the frequency-dependent transfer function of the signal
path between a Keysight M8195A waveform generator and the tip of a scanning
tunneling microscope controlled by Nanonis.

Run a one-off sweep with 'tfcal run', or start 'tfcal daemon' and control
sweeps through 'tfcal sweep'.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)

			// Commands that do not talk to the daemon skip the version check.
			if cmd.Annotations[annotationLocal] != "" {
				return nil
			}

			if daemonVersion, err := apiClient.GetVersion(); err == nil {
				if daemonVersion != version.Version {
					logrus.WithFields(logrus.Fields{
						"clientVersion": version.Version,
						"daemonVersion": daemonVersion,
					}).Warn("Version mismatch between client and daemon. tfcal may not work as expected.")
				}
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "tfcal daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewVersionCommand(),
		NewRunCommand(),
		NewSweepCommand(),
		NewStatusCommand(),
		NewSafeIdleCommand(),
		NewScheduleCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}

// annotationLocal marks commands that run without the daemon.
const annotationLocal = "tfcal/local"

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{annotationLocal: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}
