package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/charlie0129/tfcal/pkg/calibration"
)

// RunSweep tunes every configured frequency in order and returns the measured
// transfer function. Drift correction runs after every Drift.Interval
// frequencies.
//
// The instrument is returned to the safe idle state exactly once when the
// sweep ends. On a fatal error (communication failure or cancellation) the
// escape routine runs instead and the samples measured so far are returned
// together with the error.
func (e *Engine) RunSweep(ctx context.Context) (samples calibration.TransferFunction, err error) {
	if e.ref == nil {
		return nil, ErrReferenceNotBuilt
	}

	e.current = nil
	finished := false
	defer func() {
		if r := recover(); r != nil {
			if !finished {
				_ = e.Escape(fmt.Errorf("panic during sweep: %v", r))
			}
			panic(r)
		}
	}()

	e.setPhase(calibration.PhaseSweeping)
	sweepErr := e.sweep(ctx)
	samples = e.TransferFunction()

	if sweepErr != nil {
		e.setPhase(calibration.PhaseError)
		finished = true
		return samples, multierr.Append(sweepErr, e.Escape(sweepErr))
	}

	e.setPhase(calibration.PhaseFinishing)
	finished = true
	if err := e.EnterSafeIdle(); err != nil {
		return samples, err
	}
	e.setPhase(calibration.PhaseIdle)
	return samples, nil
}

func (e *Engine) sweep(ctx context.Context) error {
	freqs := e.cfg.SweepFrequencies
	total := len(freqs)
	defaultAmp := e.DefaultAmplitudeUV()
	interval := e.cfg.Drift.Interval

	for i, f := range freqs {
		step := i + 1
		logrus.WithFields(logrus.Fields{
			"frequencyHz": f,
			"step":        step,
			"total":       total,
		}).Infof("measuring transfer function (%d/%d)", step, total)

		start, ok := e.Estimate(f, e.cfg.Strategy)
		if !ok {
			start = DefaultStartingAmplitudeUV
		}

		res, err := e.Tune(ctx, f, start, e.cfg.Tolerance, e.cfg.MaxTuningIterations)
		if err != nil {
			return err
		}

		s := calibration.Sample{
			FrequencyHz:      f,
			TransferFunction: e.defaultTF * defaultAmp / res.TunedAmplitudeUV,
		}
		e.current = append(e.current, s)
		e.observer.FrequencyTuned(step, total, res, s)

		if interval > 0 && step%interval == 0 {
			logrus.Infof("running drift correction after %d measurement steps", step)
			if err := e.TrackDrift(ctx, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Run performs a complete calibration: prepare the measurement, build the
// reference curve and sweep all frequencies. Any failure before the sweep
// runs the escape routine.
func (e *Engine) Run(ctx context.Context) (calibration.TransferFunction, error) {
	if err := e.PrepareMeasurement(); err != nil {
		e.setPhase(calibration.PhaseError)
		return nil, multierr.Append(err, e.Escape(err))
	}
	if _, err := e.BuildReference(ctx); err != nil {
		e.setPhase(calibration.PhaseError)
		return nil, multierr.Append(err, e.Escape(err))
	}
	return e.RunSweep(ctx)
}
