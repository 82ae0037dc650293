package engine

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/tfcal/pkg/calibration"
)

const (
	stepDown = 0.9
	stepUp   = 1.1
)

// Tune adjusts the amplitude at frequencyHz until the detector current is
// within referenceCurrent * (1 +- tolerance), using fixed multiplicative steps
// of -10% and +10%. At most maxIterations adjustments are made.
//
// The amplitude is clamped to MaxAllowedAmplitudeUV. When the current is still
// too low at the ceiling, tuning stops with ConditionCeilingExceeded.
// A startingAmplitudeUV <= 0 falls back to DefaultStartingAmplitudeUV.
//
// Not converging is reported on the result. Only communication failures and
// cancellation are returned as errors.
func (e *Engine) Tune(ctx context.Context, frequencyHz, startingAmplitudeUV, tolerance float64, maxIterations int) (calibration.TuningResult, error) {
	res := calibration.TuningResult{FrequencyHz: frequencyHz}
	if e.ref == nil {
		return res, ErrReferenceNotBuilt
	}

	ceiling := e.cfg.MaxAllowedAmplitudeUV
	log := logrus.WithFields(logrus.Fields{
		"operation":   "tune",
		"frequencyHz": frequencyHz,
	})

	amp := startingAmplitudeUV
	if amp <= 0 || math.IsNaN(amp) || math.IsInf(amp, 0) {
		amp = DefaultStartingAmplitudeUV
	}
	if amp > ceiling {
		log.WithFields(logrus.Fields{
			"startingAmplitudeUV":   amp,
			"maxAllowedAmplitudeUV": ceiling,
		}).Warn("starting amplitude above the allowed maximum, clamping")
		amp = ceiling
	}
	res.TunedAmplitudeUV = amp

	if err := e.awg.ConfigureContinuousSine(awgChannel, frequencyHz, 1, amp, false); err != nil {
		return res, commError("configure sine", err)
	}
	if err := e.sleep(ctx, e.cfg.IntegrationTime); err != nil {
		return res, err
	}

	ref := math.Abs(e.ref.ReferenceCurrentA)
	lower, upper := ref*(1-tolerance), ref*(1+tolerance)

	for {
		current, err := e.SampleCurrent()
		if err != nil {
			return res, err
		}
		res.LastCurrentA = current
		mag := math.Abs(current)

		if mag >= lower && mag <= upper {
			res.Converged = true
			break
		}
		if res.Iterations >= maxIterations {
			res.Condition = calibration.ConditionToleranceNotReach
			break
		}

		next := amp * stepUp
		if mag > upper {
			next = amp * stepDown
		}
		if next > ceiling {
			if amp >= ceiling {
				res.Condition = calibration.ConditionCeilingExceeded
				log.WithFields(logrus.Fields{
					"amplitudeUV": amp,
					"currentA":    current,
				}).Warn("current still below the reference at the maximum allowed amplitude")
				break
			}
			next = ceiling
		}

		if err := e.awg.UpdateAmplitude(next); err != nil {
			return res, commError("update amplitude", err)
		}
		amp = next
		res.TunedAmplitudeUV = amp
		res.Iterations++

		log.WithFields(logrus.Fields{
			"iteration":   res.Iterations,
			"amplitudeUV": amp,
			"currentA":    current,
		}).Trace("amplitude adjusted")

		if err := e.sleep(ctx, e.cfg.IntegrationTime); err != nil {
			return res, err
		}
	}

	entry := log.WithFields(logrus.Fields{
		"amplitudeUV": res.TunedAmplitudeUV,
		"currentA":    res.LastCurrentA,
		"iterations":  res.Iterations,
	})
	if res.Converged {
		entry.Info("tuned amplitude")
	} else {
		entry.WithField("condition", res.Condition).Warn("amplitude did not converge, using best effort")
	}

	return res, nil
}
