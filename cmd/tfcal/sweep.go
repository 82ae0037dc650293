package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/charlie0129/tfcal/pkg/events"
)

func NewSweepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sweep",
		Short:   "Control transfer function sweeps run by the daemon",
		GroupID: gSweep,
	}

	var (
		header string
		watch  bool
	)
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a sweep over the configured frequencies",
		Long: `Start a sweep over the configured frequencies.

The daemon builds the reference curve at the default frequency, tunes the AWG
amplitude at every sweep frequency and saves the transfer function record to
the configured output directory. Only one sweep runs at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.StartSweep(header); err != nil {
				return fmt.Errorf("failed to start sweep: %w", err)
			}
			cmd.Println("Sweep started.")
			if watch {
				return watchEvents(cmd)
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&header, "header", "", "header stored in the record (defaults to the configured one)")
	startCmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the sweep progress until it finishes")

	abortCmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort the running sweep and return the setup to safe idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.AbortSweep(); err != nil {
				return fmt.Errorf("failed to abort sweep: %w", err)
			}
			cmd.Println("Sweep aborting, the setup returns to safe idle.")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the current or last sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return fmt.Errorf("failed to fetch sweep status: %w", err)
			}
			printStatus(cmd, st)
			return nil
		},
	}

	resultCmd := &cobra.Command{
		Use:   "result",
		Short: "Print the transfer function measured by the last sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec, err := apiClient.GetResult()
			if err != nil {
				return fmt.Errorf("failed to get sweep result: %w", err)
			}
			tf, err := rec.TransferFunction()
			if err != nil {
				return err
			}
			if rec.Header != "" {
				cmd.Printf("%s\n\n", bold("%s", rec.Header))
			}
			cmd.Printf("%16s  %s\n", "frequency (Hz)", "transfer function")
			for _, s := range tf {
				cmd.Printf("%16g  %.6g\n", s.FrequencyHz, s.TransferFunction)
			}
			return nil
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the daemon events until the running sweep finishes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watchEvents(cmd)
		},
	}

	cmd.AddCommand(startCmd, abortCmd, statusCmd, resultCmd, watchCmd)
	return cmd
}

func NewSafeIdleCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "safe-idle",
		Short:   "Put the setup into safe idle",
		Long:    `Set the safe bias and setpoint, enable the Z controller and move the tip to the safe position. Refused while a sweep is running.`,
		GroupID: gSweep,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := apiClient.SafeIdle(); err != nil {
				return fmt.Errorf("failed to enter safe idle: %w", err)
			}
			cmd.Println("Setup is in safe idle.")
			return nil
		},
	}
}

// watchEvents prints daemon events until a sweep finishes or the user
// interrupts.
func watchEvents(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := apiClient.WatchEvents(ctx, func(e events.Event) error {
		finished, err := printEvent(cmd, e)
		if err != nil {
			return err
		}
		if finished {
			return events.ErrStop
		}
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printEvent(cmd *cobra.Command, e events.Event) (finished bool, err error) {
	switch e.Name {
	case events.SessionPhase:
		p, err := events.DecodeAs[events.PhaseEvent](e)
		if err != nil {
			return false, err
		}
		cmd.Printf("%s %s\n", bold("[phase]"), p.To)
		if p.Message != "" {
			cmd.Printf("        %s\n", p.Message)
		}
	case events.SessionAction:
		a, err := events.DecodeAs[events.ActionEvent](e)
		if err != nil {
			return false, err
		}
		cmd.Printf("%s %s\n", bold("[%s]", a.Action), a.Message)
	case events.ReferenceBuilt:
		r, err := events.DecodeAs[events.ReferenceEvent](e)
		if err != nil {
			return false, err
		}
		cmd.Printf("%s %d points at %g Hz, reference current %.4g A, max safe amplitude %.0f uV\n",
			bold("[reference]"), r.Points, r.FrequencyHz, r.ReferenceCurrentA, r.MaxSafeAmplitudeUV)
		if r.Condition != "" {
			cmd.Printf("        %s\n", color.YellowString(r.Condition))
		}
	case events.FrequencyTuned:
		p, err := events.DecodeAs[events.ProgressEvent](e)
		if err != nil {
			return false, err
		}
		mark := bool2Text(p.Converged)
		cmd.Printf("%s %s %g Hz: tf %.6g, %.0f uV after %d iteration(s)",
			bold("[%d/%d]", p.Step, p.Total), mark, p.FrequencyHz, p.TransferFunction, p.TunedAmplitudeUV, p.Iterations)
		if p.Condition != "" {
			cmd.Print(" " + color.YellowString(p.Condition))
		}
		cmd.Println()
	case events.SessionFinished:
		f, err := events.DecodeAs[events.FinishedEvent](e)
		if err != nil {
			return false, err
		}
		if f.Error != "" {
			cmd.Printf("%s %s\n", color.New(color.Bold, color.FgRed).Sprint("[finished]"), f.Error)
		} else {
			cmd.Printf("%s %d sample(s)\n", color.New(color.Bold, color.FgGreen).Sprint("[finished]"), f.Samples)
		}
		if f.Record != "" {
			cmd.Printf("        record saved to %s\n", f.Record)
		}
		return true, nil
	}
	return false, nil
}
