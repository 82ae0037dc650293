package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/charlie0129/tfcal/pkg/daemon"
)

func NewScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule [cron-expression]",
		Aliases: []string{"sch", "sched"},
		Short:   "Manage periodic recalibration",
		Long: `Manage periodic recalibration.

The schedule command can be used in multiple ways:
  tfcal schedule 'minute hour day month weekday' Set schedule with cron expression
  tfcal schedule disable                         Disable the schedule
  tfcal schedule postpone [duration]             Postpone next run
  tfcal schedule skip                            Skip next run
  tfcal schedule show                            Show current schedule

A scheduled sweep is skipped while another sweep is running.`,
		Example: `  tfcal schedule '0 3 * * *'   (At 03:00 every night)
  tfcal schedule '0 3 * * 1'   (At 03:00 on Monday)
  tfcal schedule '@every 6h'   (Every 6 hours)`,
		GroupID: gDaemon,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runScheduleShow(cmd)
			}
			return runScheduleSet(cmd, args[0])
		},
	}

	cmd.AddCommand(
		newScheduleDisableCommand(),
		newSchedulePostponeCommand(),
		newScheduleSkipCommand(),
		newScheduleShowCommand(),
	)

	return cmd
}

func newScheduleDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Disable periodic recalibration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleDisable(cmd)
		},
	}
}

func newSchedulePostponeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone [duration]",
		Short: "Postpone the next scheduled sweep",
		Example: `  tfcal schedule postpone      (Postpone by 1 hour)
  tfcal schedule postpone 90m  (Postpone by 90 minutes)`,
		Long: `Postpone the next scheduled sweep by a duration, rounded to whole minutes.
If no duration is provided, defaults to 1 hour. The sweep cannot be moved past
the run after it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := time.Hour
			if len(args) > 0 {
				parsed, err := time.ParseDuration(args[0])
				if err != nil {
					return fmt.Errorf("invalid duration %q: %w", args[0], err)
				}
				d = parsed
			}
			return runSchedulePostpone(cmd, d)
		},
	}
}

func newScheduleSkipCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "skip",
		Short: "Skip the next scheduled sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleSkip(cmd)
		},
	}
}

func newScheduleShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the recalibration schedule and the next runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScheduleShow(cmd)
		},
	}
}

func runScheduleSet(cmd *cobra.Command, cronExpr string) error {
	if cronExpr == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	resp, err := apiClient.Schedule(cronExpr)
	if err != nil {
		return err
	}
	printNextRuns(cmd, resp.NextRuns)
	return nil
}

func runScheduleDisable(cmd *cobra.Command) error {
	if _, err := apiClient.Schedule(""); err != nil {
		return err
	}
	cmd.Println("Recalibration schedule disabled.")
	return nil
}

func runSchedulePostpone(cmd *cobra.Command, d time.Duration) error {
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes <= 0 {
		return fmt.Errorf("duration must be at least one minute, got %s", d)
	}
	if _, err := apiClient.PostponeSchedule(minutes); err != nil {
		return err
	}
	cmd.Printf("Next sweep postponed by %s.\n", time.Duration(minutes)*time.Minute)
	return nil
}

func runScheduleSkip(cmd *cobra.Command) error {
	if _, err := apiClient.SkipSchedule(); err != nil {
		return err
	}
	cmd.Println("Next scheduled sweep skipped.")
	return nil
}

func runScheduleShow(cmd *cobra.Command) error {
	conf, err := apiClient.GetConfig()
	if err != nil {
		return err
	}
	if conf.Cron == nil || *conf.Cron == "" {
		cmd.Println("Recalibration schedule is not set.")
		return nil
	}
	sched, err := daemon.ParseCron(*conf.Cron)
	if err != nil {
		return err
	}
	st, err := apiClient.GetStatus()
	if err != nil {
		return err
	}

	cmd.Printf("Schedule: %s\n", bold("%s", *conf.Cron))
	from := time.Now()
	var runs []time.Time
	if !st.ScheduledAt.IsZero() {
		// The next run may be postponed, so it comes from the daemon.
		runs = append(runs, st.ScheduledAt)
		from = st.ScheduledAt
	}
	runs = append(runs, daemon.NextRuns(sched, from, 3-len(runs))...)
	printNextRuns(cmd, runs)
	return nil
}

func printNextRuns(cmd *cobra.Command, runs []time.Time) {
	if len(runs) == 0 {
		cmd.Println("Recalibration schedule disabled.")
		return
	}
	cmd.Printf("Next %d run(s):\n", len(runs))
	for _, run := range runs {
		cmd.Printf("  - %s\n", run.Local().Format(time.DateTime))
	}
}
