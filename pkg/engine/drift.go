package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/instrument"
)

// DriftOverride replaces parts of the configured drift correction for a
// single invocation. Nil fields keep the configured value.
type DriftOverride struct {
	Duration       *time.Duration
	IGain          *float64
	FrequencyHz    *float64
	AmplitudeM     *float64
	PhaseDeg       *float64
	SwitchOffDelay *time.Duration
}

func (o *DriftOverride) apply(p instrument.DriftProfile) (instrument.DriftProfile, bool) {
	if o == nil {
		return p, false
	}
	changed := false
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
			changed = true
		}
	}
	set(&p.IGain, o.IGain)
	set(&p.FrequencyHz, o.FrequencyHz)
	set(&p.AmplitudeM, o.AmplitudeM)
	set(&p.PhaseDeg, o.PhaseDeg)
	if o.SwitchOffDelay != nil {
		p.SwitchOffDelay = *o.SwitchOffDelay
		changed = true
	}
	return p, changed
}

// TrackDrift runs the drift correction for the configured duration: enable
// modulation and controller, hold, then disable both. Both subsystems are
// switched off even if the hold is interrupted.
func (e *Engine) TrackDrift(ctx context.Context, override *DriftOverride) error {
	e.setPhase(calibration.PhaseTracking)

	d := e.cfg.Drift.Duration
	if override != nil && override.Duration != nil {
		d = *override.Duration
	}
	if p, changed := override.apply(e.cfg.Drift.Profile); changed {
		if err := e.inst.SetDriftTrackingParameters(p); err != nil {
			return commError("apply drift correction parameters", err)
		}
	}

	log := logrus.WithFields(logrus.Fields{
		"operation": "driftCorrection",
		"duration":  d,
	})
	log.Info("tracking drift")

	if err := e.inst.SetDriftTrackingSubsystem(instrument.SubsystemModulation, true); err != nil {
		return commError("enable drift modulation", err)
	}
	if err := e.inst.SetDriftTrackingSubsystem(instrument.SubsystemController, true); err != nil {
		return multierr.Append(
			commError("enable drift controller", err),
			commError("disable drift modulation", e.inst.SetDriftTrackingSubsystem(instrument.SubsystemModulation, false)),
		)
	}

	holdErr := e.sleep(ctx, d)

	err := multierr.Combine(
		holdErr,
		commError("disable drift modulation", e.inst.SetDriftTrackingSubsystem(instrument.SubsystemModulation, false)),
		commError("disable drift controller", e.inst.SetDriftTrackingSubsystem(instrument.SubsystemController, false)),
	)
	if err != nil {
		return err
	}

	log.Debug("drift correction done")
	e.setPhase(calibration.PhaseSweeping)
	return nil
}
