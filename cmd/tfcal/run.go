package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/config"
	"github.com/charlie0129/tfcal/pkg/daemon"
	"github.com/charlie0129/tfcal/pkg/engine"
	"github.com/charlie0129/tfcal/pkg/record"
	"github.com/charlie0129/tfcal/pkg/version"
)

type runOptions struct {
	oldTransferFunction string
	strategy            string
	frequencies         []float64
	outputDir           string
	header              string
}

// NewRunCommand runs a sweep in the foreground, without the daemon.
func NewRunCommand() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one sweep in the foreground without the daemon",
		Long: `Run one sweep in the foreground without the daemon.

Instruments are dialed at the addresses in the config file. Interrupting the
command aborts the sweep and returns the setup to safe idle. The record is
saved even when the sweep fails part way.`,
		Example: `  tfcal run --strategy known --old-transfer-function ./transfer_function_20240301-140509.json
  tfcal run --frequencies 1000,5000,20000 --header 'tip 3, Au(111)'`,
		GroupID:     gSweep,
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationLocal: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd, o)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.oldTransferFunction, "old-transfer-function", "", "record of a previous sweep, used by the 'known' strategy")
	f.StringVar(&o.strategy, "strategy", "", "amplitude guess strategy (known, half, closest)")
	f.Float64SliceVar(&o.frequencies, "frequencies", nil, "sweep frequencies in Hz, in sweep order")
	f.StringVarP(&o.outputDir, "output", "o", "", "output directory (defaults to the configured one)")
	f.StringVar(&o.header, "header", "", "header stored in the record (defaults to the configured one)")

	return cmd
}

func runSweep(cmd *cobra.Command, o *runOptions) error {
	conf, err := config.NewFile(configPath)
	if err != nil {
		return err
	}
	if o.oldTransferFunction != "" {
		conf.SetOldTransferFunction(o.oldTransferFunction)
	}

	cfg, err := config.EngineConfig(conf)
	if err != nil {
		return err
	}
	if o.strategy != "" {
		cfg.Strategy, err = calibration.ParseStrategy(o.strategy)
		if err != nil {
			return err
		}
	}
	if len(o.frequencies) > 0 {
		cfg.SweepFrequencies = o.frequencies
	}
	outputDir := conf.OutputDir()
	if o.outputDir != "" {
		outputDir = o.outputDir
	}
	header := conf.Header()
	if o.header != "" {
		header = o.header
	}

	logrus.WithFields(conf.LogrusFields()).Debug("config loaded")

	inst, awg, closer, err := daemon.DialInstruments(conf)()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to connect to the instruments")
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close instrument connections")
		}
	}()

	e, err := engine.New(inst, awg, cfg, engine.WithObserver(&printer{cmd: cmd}))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tf, runErr := e.Run(ctx)
	rec := record.New(version.Version, header, tf, e.Reference(), e.Curve())
	if e.Reference() == nil && len(tf) == 0 {
		return runErr
	}
	path, saveErr := record.SaveAll(outputDir, time.Now(), rec)
	if path != "" {
		cmd.Printf("Record saved to %s\n", path)
	}
	if pkgerrors.Is(runErr, context.Canceled) {
		cmd.Println("Sweep aborted.")
	}
	return multierr.Append(runErr, saveErr)
}

// printer reports engine progress on the command output.
type printer struct {
	cmd *cobra.Command
}

func (p *printer) PhaseChanged(phase calibration.Phase) {
	p.cmd.Printf("%s %s\n", bold("[phase]"), phase)
}

func (p *printer) ReferenceBuilt(ref calibration.ReferenceState, curve calibration.ReferenceCurve) {
	p.cmd.Printf("%s %d points at %g Hz, reference current %.4g A, max safe amplitude %.0f uV\n",
		bold("[reference]"), len(curve), ref.FrequencyHz, ref.ReferenceCurrentA, ref.MaxSafeAmplitudeUV)
	if ref.Condition != calibration.ConditionNone {
		p.cmd.Printf("        %s\n", ref.Condition)
	}
}

func (p *printer) FrequencyTuned(step, total int, res calibration.TuningResult, sample calibration.Sample) {
	p.cmd.Printf("%s %s %g Hz: tf %.6g, %.0f uV after %d iteration(s)",
		bold("[%d/%d]", step, total), bool2Text(res.Converged), sample.FrequencyHz, sample.TransferFunction, res.TunedAmplitudeUV, res.Iterations)
	if res.Condition != calibration.ConditionNone {
		p.cmd.Printf(" %s", res.Condition)
	}
	p.cmd.Println()
}
