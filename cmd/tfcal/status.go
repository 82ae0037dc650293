package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/tfcal/pkg/calibration"
)

func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		GroupID: gSweep,
		Short:   "Get the current status of the tfcal daemon",
		Long:    `Get the state of the current or last sweep, the reference state and the recalibration schedule.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}
			conf, err := apiClient.GetConfig()
			if err != nil {
				return fmt.Errorf("failed to get config: %w", err)
			}

			printStatus(cmd, st)
			cmd.Println()

			cmd.Println(bold("Configuration:"))
			if conf.Strategy != nil {
				cmd.Printf("  Amplitude guess strategy: %s\n", bold("%s", *conf.Strategy))
			}
			if conf.SweepFrequencies != nil {
				cmd.Printf("  Sweep frequencies: %s\n", bold("%d", len(conf.SweepFrequencies)))
			}
			if conf.MaxAllowedAmplitudeUV != nil {
				cmd.Printf("  Amplitude ceiling: %s\n", bold("%.0f uV", *conf.MaxAllowedAmplitudeUV))
			}
			if conf.MQTTBroker != nil {
				cmd.Printf("  MQTT telemetry: %s\n", bool2Text(*conf.MQTTBroker != ""))
			}
			if conf.AllowNonRootAccess != nil {
				cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(*conf.AllowNonRootAccess))
			}
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, st *calibration.Status) {
	cmd.Println(bold("Sweep status:"))
	cmd.Printf("  Phase: %s\n", phaseText(st.Phase))
	if st.Message != "" {
		cmd.Printf("    %s\n", st.Message)
	}
	if st.TotalSteps > 0 {
		cmd.Printf("  Progress: %s\n", bold("%d/%d", st.Step, st.TotalSteps))
	}
	if st.FrequencyHz > 0 && st.CanAbort {
		cmd.Printf("  Frequency: %s\n", bold("%g Hz", st.FrequencyHz))
	}
	if !st.StartedAt.IsZero() {
		cmd.Printf("  Started: %s (%s ago)\n", st.StartedAt.Local().Format(time.DateTime), time.Since(st.StartedAt).Round(time.Second))
	}
	if !st.FinishedAt.IsZero() {
		cmd.Printf("  Finished: %s\n", st.FinishedAt.Local().Format(time.DateTime))
	}
	cmd.Printf("  Samples: %s\n", bold("%d", st.Samples))
	if st.NotConverged > 0 {
		cmd.Printf("  Not converged: %s\n", color.New(color.Bold, color.FgYellow).Sprint(st.NotConverged))
	}
	if st.CeilingEvents > 0 {
		cmd.Printf("  Amplitude ceiling hit: %s\n", color.New(color.Bold, color.FgYellow).Sprint(st.CeilingEvents))
	}
	cmd.Printf("  Can abort: %s\n", bool2Text(st.CanAbort))
	if st.LastError != "" {
		cmd.Printf("  Last error: %s\n", color.RedString(st.LastError))
	}
	if st.Record != "" {
		cmd.Printf("  Record: %s\n", st.Record)
	}

	if ref := st.Reference; ref != nil {
		cmd.Println()
		cmd.Println(bold("Reference:"))
		cmd.Printf("  Frequency: %s\n", bold("%g Hz", ref.FrequencyHz))
		cmd.Printf("  Reference current: %s\n", bold("%.4g A", ref.ReferenceCurrentA))
		cmd.Printf("  Max safe amplitude: %s\n", bold("%.0f uV", ref.MaxSafeAmplitudeUV))
		if ref.Condition != calibration.ConditionNone {
			cmd.Printf("  Condition: %s\n", color.YellowString(string(ref.Condition)))
		}
	}

	if !st.ScheduledAt.IsZero() {
		cmd.Println()
		cmd.Printf("Next scheduled sweep: %s\n", bold("%s", st.ScheduledAt.Local().Format(time.DateTime)))
	}
}

func phaseText(p calibration.Phase) string {
	switch p {
	case calibration.PhaseIdle:
		return bold("%s", p)
	case calibration.PhaseError:
		return color.New(color.Bold, color.FgRed).Sprint(p)
	default:
		return color.New(color.Bold, color.FgGreen).Sprint(p)
	}
}

func bool2Text(b bool) string {
	if b {
		return color.New(color.Bold, color.FgGreen).Sprint("✔")
	}
	return color.New(color.Bold, color.FgRed).Sprint("✘")
}

func bold(format string, a ...interface{}) string {
	return color.New(color.Bold).Sprintf(format, a...)
}
