package config

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/tfcal/pkg/calibration"
	"github.com/charlie0129/tfcal/pkg/engine"
	"github.com/charlie0129/tfcal/pkg/instrument"
	"github.com/charlie0129/tfcal/pkg/record"
)

// EngineConfig converts c into an engine configuration. The previous transfer
// function is read from the record at OldTransferFunction, if set.
func EngineConfig(c Config) (engine.Config, error) {
	strategy, err := calibration.ParseStrategy(c.Strategy())
	if err != nil {
		return engine.Config{}, err
	}

	var old calibration.TransferFunction
	if p := c.OldTransferFunction(); p != "" {
		old, err = record.LoadTransferFunction(p)
		if err != nil {
			return engine.Config{}, pkgerrors.Wrap(err, "failed to load previous transfer function")
		}
	}

	d := c.DriftTracking()

	return engine.Config{
		Safety: SafetyProfile(c),
		Drift: engine.DriftCorrection{
			Profile: instrument.DriftProfile{
				IGain:          d.IGain,
				FrequencyHz:    d.FrequencyHz,
				AmplitudeM:     d.AmplitudeM,
				PhaseDeg:       d.PhaseDeg,
				SwitchOffDelay: d.SwitchOffDelay,
			},
			Duration: d.Duration,
			Interval: d.Interval,
		},
		IntegrationTime:         c.IntegrationTime(),
		MaxAllowedAmplitudeUV:   c.MaxAllowedAmplitudeUV(),
		Strategy:                strategy,
		OldTransferFunction:     old,
		DefaultTransferFunction: c.DefaultTransferFunction(),
		SweepFrequencies:        c.SweepFrequencies(),
		DefaultFrequencyHz:      c.DefaultFrequencyHz(),
		ReferenceAmplitudesUV:   c.ReferenceAmplitudesUV(),
		Tolerance:               c.Tolerance(),
		MaxTuningIterations:     c.MaxTuningIterations(),
		SamplesPerReading:       c.SamplesPerReading(),
	}, nil
}

// SafetyProfile returns the safe idle settings of c. Unlike EngineConfig it
// reads nothing but the safety fields and cannot fail.
func SafetyProfile(c Config) engine.SafetyProfile {
	x, y := c.SafePosition()
	return engine.SafetyProfile{
		BiasVoltage:          c.SafeBiasVoltage(),
		SetpointCurrent:      c.SafeSetpointCurrent(),
		X:                    x,
		Y:                    y,
		HeightAveragingDelay: c.HeightAveragingDelay(),
	}
}
