package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/charlie0129/tfcal/pkg/calibration"
)

// BuildReference records the detector current for every reference amplitude at
// the reference frequency, then extends the ladder with the spacing of its
// last two entries until the current reaches 1.5 times the reference current.
// The extension never writes an amplitude above MaxAllowedAmplitudeUV.
//
// Running out of extension iterations or hitting the ceiling is reported on
// the returned state, not as an error.
func (e *Engine) BuildReference(ctx context.Context) (calibration.ReferenceState, error) {
	e.setPhase(calibration.PhaseReference)

	f := e.cfg.DefaultFrequencyHz
	ladder := e.cfg.ReferenceAmplitudesUV
	ceiling := e.cfg.MaxAllowedAmplitudeUV
	log := logrus.WithFields(logrus.Fields{
		"operation":   "reference",
		"frequencyHz": f,
	})
	log.WithField("amplitudesUV", ladder).Info("recording reference curve")

	if err := e.awg.ConfigureContinuousSine(awgChannel, f, 1, ladder[0], false); err != nil {
		return calibration.ReferenceState{}, commError("configure reference sine", err)
	}

	curve := make(calibration.ReferenceCurve, 0, len(ladder))
	for _, amp := range ladder {
		current, err := e.measureAt(ctx, amp)
		if err != nil {
			return calibration.ReferenceState{}, err
		}
		curve = append(curve, calibration.CurvePoint{AmplitudeUV: amp, CurrentA: current})
		log.WithFields(logrus.Fields{
			"amplitudeUV": amp,
			"currentA":    current,
		}).Debug("reference point recorded")
	}

	refCurrent := curve[len(curve)-1].CurrentA
	target := extensionTarget * math.Abs(refCurrent)
	step := ladder[len(ladder)-1] - ladder[len(ladder)-2]
	amp := ladder[len(ladder)-1]
	current := refCurrent
	cond := calibration.ConditionNone

	for iteration := 0; math.Abs(current) < target; iteration++ {
		if iteration >= maxExtensionIterations {
			cond = calibration.ConditionToleranceNotReach
			log.WithFields(logrus.Fields{
				"iterations":  iteration,
				"amplitudeUV": amp,
				"ratio":       ratio(current, refCurrent),
			}).Warn("extension iteration limit reached before 1.5x the reference current")
			break
		}
		candidate := amp + step
		if candidate > ceiling {
			cond = calibration.ConditionCeilingExceeded
			log.WithFields(logrus.Fields{
				"maxAllowedAmplitudeUV": ceiling,
				"amplitudeUV":           amp,
				"currentA":              current,
				"ratio":                 ratio(current, refCurrent),
			}).Warn("maximum allowed amplitude reached, stopping extension to protect tip and sample")
			break
		}
		c, err := e.measureAt(ctx, candidate)
		if err != nil {
			return calibration.ReferenceState{}, err
		}
		amp, current = candidate, c
		curve = append(curve, calibration.CurvePoint{AmplitudeUV: amp, CurrentA: current})
	}

	e.curve = curve
	e.ref = &calibration.ReferenceState{
		FrequencyHz:        f,
		ReferenceCurrentA:  refCurrent,
		MaxSafeAmplitudeUV: amp,
		Condition:          cond,
	}

	log.WithFields(logrus.Fields{
		"referenceCurrentA":  refCurrent,
		"maxSafeAmplitudeUV": amp,
		"currentA":           current,
		"points":             len(curve),
	}).Info("reference curve recorded")

	e.observer.ReferenceBuilt(*e.ref, e.Curve())
	return *e.ref, nil
}

// measureAt writes amp, waits for one integration time and samples.
func (e *Engine) measureAt(ctx context.Context, amp float64) (float64, error) {
	if amp > e.cfg.MaxAllowedAmplitudeUV {
		return 0, fmt.Errorf("refusing to write %g uV, above the allowed maximum of %g uV", amp, e.cfg.MaxAllowedAmplitudeUV)
	}
	if err := e.awg.UpdateAmplitude(amp); err != nil {
		return 0, commError("update amplitude", err)
	}
	if err := e.sleep(ctx, e.cfg.IntegrationTime); err != nil {
		return 0, err
	}
	return e.SampleCurrent()
}

func ratio(current, ref float64) float64 {
	if ref == 0 {
		return math.Inf(1)
	}
	return current / ref
}
